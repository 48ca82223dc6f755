package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type row struct {
	Key   string `json:"key" yaml:"key"`
	Count int    `json:"count" yaml:"count"`
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatJSON)

	require.NoError(t, p.Print([]row{{"a", 1}}, nil))
	p.Info("ignored")

	var got []row
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, []row{{"a", 1}}, got)
}

func TestPrinter_YAML(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatYAML)

	require.NoError(t, p.Print(row{"b", 2}, nil))

	var got row
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, row{"b", 2}, got)
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable)

	err := p.Print(nil, func() *Table {
		tbl := NewTable("KEY", "COUNT")
		tbl.AddRow("longer-key", "10")
		return tbl
	})
	require.NoError(t, err)
	p.Info("total %d", 1)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "KEY         COUNT", lines[0])
	assert.Equal(t, "----------  -----", lines[1])
	assert.Equal(t, "longer-key  10", lines[2])
	assert.Equal(t, "total 1", lines[3])
}

func TestPrinter_TableUnsupported(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, FormatTable)
	assert.Error(t, p.Print(row{}, nil))
}
