package logging

import "log/slog"

// Field names shared by every courier component.
const (
	FieldService     = "service"
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldError       = "error"
	FieldCode        = "code"
	FieldPayloadKey  = "payload_key"
	FieldPayloadType = "payload_type"
	FieldClass       = "class"
	FieldEndpoint    = "endpoint"
	FieldOutcome     = "outcome"
	FieldProcessID   = "process_id"
	FieldCount       = "count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Error returns a slog attribute for an error; nil renders as "".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Code returns a slog attribute for an internal error code.
func Code(code string) slog.Attr {
	return slog.String(FieldCode, code)
}

// PayloadKey returns a slog attribute for a storage key.
func PayloadKey(key string) slog.Attr {
	return slog.String(FieldPayloadKey, key)
}

// PayloadType returns a slog attribute for a payload classification.
func PayloadType(t string) slog.Attr {
	return slog.String(FieldPayloadType, t)
}

// Class returns a slog attribute for a priority class.
func Class(c string) slog.Attr {
	return slog.String(FieldClass, c)
}

// Endpoint returns a slog attribute for a delivery endpoint.
func Endpoint(e string) slog.Attr {
	return slog.String(FieldEndpoint, e)
}

// Outcome returns a slog attribute for a delivery outcome.
func Outcome(o string) slog.Attr {
	return slog.String(FieldOutcome, o)
}

// ProcessID returns a slog attribute for a producing process ID.
func ProcessID(id string) slog.Attr {
	return slog.String(FieldProcessID, id)
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}
