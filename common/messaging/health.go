package messaging

import (
	"context"
	"time"
)

// Connection is what a health check needs from a broker client.
type Connection interface {
	IsConnected() bool
	RTT() (time.Duration, error)
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// CheckHealth reports whether conn is connected and how long a round trip
// to the server takes.
func CheckHealth(_ context.Context, conn Connection) HealthStatus {
	status := HealthStatus{}
	if conn == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = conn.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	rtt, err := conn.RTT()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Latency = rtt
	return status
}
