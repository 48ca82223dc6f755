// Package envelope defines the versioned container moved through the
// delivery pipeline and its gzip-compressed JSON body encoding.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// SchemaVersion is stamped on every envelope produced by this module.
const SchemaVersion = "0.1.0"

// Type tags carried in Envelope.Type.
const (
	TypeSpans = "spans"
	TypeLogs  = "logs"
	TypeCrash = "crash"
)

// ErrEmptyBody is returned when decoding a zero-length blob.
var ErrEmptyBody = errors.New("empty envelope body")

// Resource holds static facts about the app and device.
type Resource struct {
	AppID          string `json:"app_id,omitempty"`
	AppVersion     string `json:"app_version,omitempty"`
	SDKVersion     string `json:"sdk_version,omitempty"`
	OSName         string `json:"os_name,omitempty"`
	OSVersion      string `json:"os_version,omitempty"`
	DeviceModel    string `json:"device_model,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	DeviceMemoryMB int64  `json:"device_memory_mb,omitempty"`
}

// Metadata holds per-submission facts.
type Metadata struct {
	UserID     string            `json:"user_id,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Timezone   string            `json:"timezone,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Envelope is the unit handed to intake. Treat it as immutable once taken.
type Envelope[T any] struct {
	Resource Resource `json:"resource"`
	Metadata Metadata `json:"metadata"`
	Version  string   `json:"version"`
	Type     string   `json:"type"`
	Data     T        `json:"data"`
}

// New returns an envelope for data with the current schema version.
func New[T any](typ string, res Resource, meta Metadata, data T) Envelope[T] {
	return Envelope[T]{
		Resource: res,
		Metadata: meta,
		Version:  SchemaVersion,
		Type:     typ,
		Data:     data,
	}
}

// Encode serializes e into a gzip-compressed JSON blob.
func (e Envelope[T]) Encode() ([]byte, error) {
	return Marshal(e)
}

// Marshal gzip-compresses the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decompresses blob and decodes its JSON into v.
func Unmarshal(blob []byte, v any) error {
	if len(blob) == 0 {
		return ErrEmptyBody
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("open gzip body: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("decompress body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

// Decode is the typed counterpart of Unmarshal.
func Decode[T any](blob []byte) (Envelope[T], error) {
	var e Envelope[T]
	if err := Unmarshal(blob, &e); err != nil {
		return Envelope[T]{}, err
	}
	return e, nil
}
