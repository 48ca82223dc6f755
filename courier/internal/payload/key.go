package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	keyDelimiter = "_"
	keySuffix    = ".json.gz"
	keyFields    = 7
	// 13 digits covers every millisecond timestamp until the year 2286.
	timestampWidth = 13
)

// ErrMalformedKey is returned by Decode for names that are not storage keys.
var ErrMalformedKey = errors.New("malformed payload key")

// Encode renders m as a sortable, self-describing file name:
//
//	<timestamp>_<priority>_<uuid>_<processId>_<envelopeType>_<payloadType>_<0|1>.json.gz
//
// A lexical sort of keys is a chronological sort.
func Encode(m Metadata) (string, error) {
	if m.Timestamp < 0 {
		return "", fmt.Errorf("encode key: negative timestamp %d", m.Timestamp)
	}
	if m.UUID == "" {
		return "", errors.New("encode key: empty uuid")
	}
	if err := checkField("uuid", m.UUID); err != nil {
		return "", err
	}
	if err := checkField("process id", m.ProcessID); err != nil {
		return "", err
	}
	if _, ok := envelopeTypes[m.EnvelopeType]; !ok {
		return "", fmt.Errorf("encode key: unknown envelope type %q", m.EnvelopeType)
	}
	if _, ok := payloadTypes[m.PayloadType]; !ok {
		return "", fmt.Errorf("encode key: unknown payload type %q", m.PayloadType)
	}

	complete := "0"
	if m.Complete {
		complete = "1"
	}
	return fmt.Sprintf("%0*d_%d_%s_%s_%s_%s_%s%s",
		timestampWidth, m.Timestamp,
		int(m.Priority()),
		m.UUID,
		m.ProcessID,
		m.EnvelopeType,
		m.PayloadType,
		complete,
		keySuffix,
	), nil
}

func checkField(name, v string) error {
	if strings.Contains(v, keyDelimiter) || strings.ContainsAny(v, "/\\. ") {
		return fmt.Errorf("encode key: %s %q contains a reserved character", name, v)
	}
	return nil
}

// Decode parses a storage key. Every failure wraps ErrMalformedKey so callers
// can isolate the offending entry instead of aborting a scan.
func Decode(key string) (Metadata, error) {
	base, ok := strings.CutSuffix(key, keySuffix)
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %q: missing suffix", ErrMalformedKey, key)
	}
	parts := strings.Split(base, keyDelimiter)
	if len(parts) != keyFields {
		return Metadata{}, fmt.Errorf("%w: %q: want %d fields, got %d", ErrMalformedKey, key, keyFields, len(parts))
	}

	if len(parts[0]) != timestampWidth {
		return Metadata{}, fmt.Errorf("%w: %q: timestamp not zero-padded", ErrMalformedKey, key)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ts < 0 {
		return Metadata{}, fmt.Errorf("%w: %q: bad timestamp", ErrMalformedKey, key)
	}
	prio, err := strconv.Atoi(parts[1])
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %q: bad priority", ErrMalformedKey, key)
	}
	if parts[2] == "" {
		return Metadata{}, fmt.Errorf("%w: %q: empty uuid", ErrMalformedKey, key)
	}
	env, err := ParseEnvelopeType(parts[4])
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	typ, err := ParseType(parts[5])
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	var complete bool
	switch parts[6] {
	case "1":
		complete = true
	case "0":
	default:
		return Metadata{}, fmt.Errorf("%w: %q: bad complete flag", ErrMalformedKey, key)
	}

	m := Metadata{
		Timestamp:    ts,
		UUID:         parts[2],
		ProcessID:    parts[3],
		EnvelopeType: env,
		PayloadType:  typ,
		Complete:     complete,
	}
	if int(m.Priority()) != prio {
		return Metadata{}, fmt.Errorf("%w: %q: priority %d does not match classification", ErrMalformedKey, key, prio)
	}
	return m, nil
}
