package payload

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	envs := []EnvelopeType{EnvelopeSession, EnvelopeLog, EnvelopeCrash, EnvelopeUnknown}
	types := []Type{TypeSession, TypeNativeCrash, TypeLog, TypeAttachment, TypeUnknown}
	pids := []string{"", "7f3c2a0e-1b2c-4d5e-8f90-123456789abc", "P1"}
	stamps := []int64{0, 1, 1_700_000_000_123, 9_999_999_999_999}

	for _, env := range envs {
		for _, typ := range types {
			for _, pid := range pids {
				for _, ts := range stamps {
					for _, complete := range []bool{true, false} {
						m := Metadata{
							Timestamp:    ts,
							UUID:         "0b9e6c1e-3f5a-4c7e-9d2b-5a1f0e8c7d6b",
							ProcessID:    pid,
							EnvelopeType: env,
							PayloadType:  typ,
							Complete:     complete,
						}
						key, err := Encode(m)
						require.NoError(t, err)
						got, err := Decode(key)
						require.NoError(t, err, key)
						assert.Equal(t, m, got)
					}
				}
			}
		}
	}
}

func TestEncode_Format(t *testing.T) {
	m := Metadata{
		Timestamp:    1_700_000_000_123,
		UUID:         "abc",
		ProcessID:    "P1",
		EnvelopeType: EnvelopeSession,
		PayloadType:  TypeSession,
		Complete:     true,
	}
	key, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123_3_abc_P1_session_session_1.json.gz", key)
	assert.Equal(t, key, m.Key())
}

func TestEncode_Rejects(t *testing.T) {
	base := Metadata{Timestamp: 1, UUID: "u", ProcessID: "p", EnvelopeType: EnvelopeLog, PayloadType: TypeLog}

	tests := []struct {
		name   string
		mutate func(m *Metadata)
	}{
		{"empty uuid", func(m *Metadata) { m.UUID = "" }},
		{"delimiter in uuid", func(m *Metadata) { m.UUID = "a_b" }},
		{"delimiter in process id", func(m *Metadata) { m.ProcessID = "p_1" }},
		{"path separator", func(m *Metadata) { m.ProcessID = "../x" }},
		{"negative timestamp", func(m *Metadata) { m.Timestamp = -1 }},
		{"unknown envelope", func(m *Metadata) { m.EnvelopeType = "blob" }},
		{"unknown payload type", func(m *Metadata) { m.PayloadType = "blob" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			_, err := Encode(m)
			assert.Error(t, err)
			assert.Error(t, m.Validate())
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	keys := []string{
		"",
		"garbage",
		"1700000000123_3_abc_P1_session_session_1",
		"1700000000123_3_abc_P1_session_session_1.json",
		"1700000000123_3_abc_P1_session_1.json.gz",
		"170000000012_3_abc_P1_session_session_1.json.gz",
		"17000000001x3_3_abc_P1_session_session_1.json.gz",
		"1700000000123_x_abc_P1_session_session_1.json.gz",
		"1700000000123_3__P1_session_session_1.json.gz",
		"1700000000123_3_abc_P1_bogus_session_1.json.gz",
		"1700000000123_3_abc_P1_session_bogus_1.json.gz",
		"1700000000123_3_abc_P1_session_session_2.json.gz",
		"1700000000123_1_abc_P1_session_session_1.json.gz",
		"1700000000123_3_abc_P1_session_session_1_extra.json.gz",
	}
	for _, key := range keys {
		_, err := Decode(key)
		require.Error(t, err, key)
		assert.True(t, errors.Is(err, ErrMalformedKey), key)
	}
}

func TestKeys_SortChronologically(t *testing.T) {
	var keys []string
	for _, ts := range []int64{900, 10, 1_700_000_000_000, 5} {
		keys = append(keys, Metadata{
			Timestamp: ts, UUID: "u", EnvelopeType: EnvelopeLog, PayloadType: TypeLog, Complete: true,
		}.Key())
	}
	sort.Strings(keys)

	var got []int64
	for _, k := range keys {
		m, err := Decode(k)
		require.NoError(t, err)
		got = append(got, m.Timestamp)
	}
	assert.Equal(t, []int64{5, 10, 900, 1_700_000_000_000}, got)
	assert.True(t, strings.HasPrefix(keys[0], "0000000000005_"))
}
