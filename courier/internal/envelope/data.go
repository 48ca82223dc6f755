package envelope

// Session end states.
const (
	EndStateNormal  = "normal"
	EndStateCrash   = "crash"
	EndStateUnknown = "unknown"
)

// Span status values.
const (
	SpanStatusUnset = "unset"
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
)

// Attribute keys attached by resurrection.
const (
	AttrCrashID   = "crash_id"
	AttrSessionID = "session_id"
	AttrProcessID = "process_id"
	AttrErrorCode = "error_code"
	AttrLogType   = "log_type"

	LogTypeCrash = "native_crash"
	// ErrorCodeFailure marks spans closed because the process died.
	ErrorCodeFailure = "failure"
)

// SessionData is the body of a session envelope.
type SessionData struct {
	SessionID string `json:"session_id"`
	// StartTime, EndTime and LastHeartbeat are milliseconds since the epoch.
	StartTime     int64             `json:"start_time"`
	EndTime       int64             `json:"end_time,omitempty"`
	LastHeartbeat int64             `json:"last_heartbeat,omitempty"`
	EndState      string            `json:"end_state,omitempty"`
	CrashID       string            `json:"crash_id,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Spans         []Span            `json:"spans,omitempty"`
}

// Span is a unit of work recorded inside a session.
type Span struct {
	SpanID     string            `json:"span_id"`
	Name       string            `json:"name"`
	StartTime  int64             `json:"start_time"`
	EndTime    int64             `json:"end_time,omitempty"`
	Status     string            `json:"status,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// LogBatch is the body of a log envelope.
type LogBatch struct {
	Logs []Log `json:"logs"`
}

// Log is a single log record.
type Log struct {
	Timestamp  int64             `json:"timestamp"`
	Severity   string            `json:"severity"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// CrashRecord is the body of a native crash envelope written by the crash
// handler before the process died.
type CrashRecord struct {
	CrashID   string   `json:"crash_id"`
	SessionID string   `json:"session_id,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Signal    string   `json:"signal,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Frames    []string `json:"frames,omitempty"`
}
