// Package payload defines the metadata record that identifies one persisted
// envelope and the storage key encoding that carries it.
package payload

import "fmt"

// EnvelopeType is the coarse category of a stored envelope.
type EnvelopeType string

const (
	EnvelopeSession EnvelopeType = "session"
	EnvelopeLog     EnvelopeType = "log"
	EnvelopeCrash   EnvelopeType = "crash"
	EnvelopeUnknown EnvelopeType = "unknown"
)

// Type is the finer classification used for prioritization and gating.
type Type string

const (
	TypeSession     Type = "session"
	TypeNativeCrash Type = "nativecrash"
	TypeLog         Type = "log"
	TypeAttachment  Type = "attachment"
	TypeUnknown     Type = "unknown"
)

var envelopeTypes = map[EnvelopeType]struct{}{
	EnvelopeSession: {}, EnvelopeLog: {}, EnvelopeCrash: {}, EnvelopeUnknown: {},
}

var payloadTypes = map[Type]struct{}{
	TypeSession: {}, TypeNativeCrash: {}, TypeLog: {}, TypeAttachment: {}, TypeUnknown: {},
}

// ParseEnvelopeType returns the EnvelopeType named by s.
func ParseEnvelopeType(s string) (EnvelopeType, error) {
	t := EnvelopeType(s)
	if _, ok := envelopeTypes[t]; !ok {
		return "", fmt.Errorf("unknown envelope type %q", s)
	}
	return t, nil
}

// ParseType returns the payload Type named by s.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := payloadTypes[t]; !ok {
		return "", fmt.Errorf("unknown payload type %q", s)
	}
	return t, nil
}

// Metadata identifies one persisted envelope. It is fully recoverable from
// the storage key, so a directory listing is enough to prune or resurrect.
type Metadata struct {
	// Timestamp is the creation time in milliseconds since the Unix epoch.
	Timestamp    int64        `json:"timestamp"`
	UUID         string       `json:"uuid"`
	ProcessID    string       `json:"process_id"`
	EnvelopeType EnvelopeType `json:"envelope_type"`
	PayloadType  Type         `json:"payload_type"`
	// Complete is false for periodic snapshots of a still-open session.
	Complete bool `json:"complete"`
}

// Priority returns the derived priority class of m.
func (m Metadata) Priority() Priority {
	return PriorityOf(m.EnvelopeType, m.PayloadType, m.Complete)
}

// Key returns the storage key for m. It panics only if m cannot be encoded,
// which Validate reports ahead of time.
func (m Metadata) Key() string {
	k, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate reports whether m can be encoded into a storage key.
func (m Metadata) Validate() error {
	_, err := Encode(m)
	return err
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s/%s(%s)", m.EnvelopeType, m.PayloadType, m.UUID)
}
