package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	connected bool
	rtt       time.Duration
	err       error
}

func (f fakeConn) IsConnected() bool           { return f.connected }
func (f fakeConn) RTT() (time.Duration, error) { return f.rtt, f.err }

func TestDeliverySubject(t *testing.T) {
	assert.Equal(t, "courier.delivery.logs", DeliverySubject("logs"))
	assert.Equal(t, []string{"courier.delivery.>"}, DeliverySubjects())
}

func TestCheckHealth(t *testing.T) {
	ctx := context.Background()

	status := CheckHealth(ctx, nil)
	assert.False(t, status.Connected)
	assert.Equal(t, "client is nil", status.Error)

	status = CheckHealth(ctx, fakeConn{})
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.Error)

	status = CheckHealth(ctx, fakeConn{connected: true, rtt: 3 * time.Millisecond})
	assert.True(t, status.Connected)
	assert.Equal(t, 3*time.Millisecond, status.Latency)
	assert.Empty(t, status.Error)

	status = CheckHealth(ctx, fakeConn{connected: true, err: errors.New("timeout")})
	assert.Equal(t, "timeout", status.Error)
}
