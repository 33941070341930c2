package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicProbeHealthyByDefault(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-1", Config{Type: Basic, Interval: time.Hour}))

	result := m.CheckNow("srv-1")
	assert.Equal(t, Healthy, result.Status)
}

func TestBasicProbeUnhealthyWhenNotAlive(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-2", Config{Type: Basic, Interval: time.Hour, IsAliveFn: func() bool { return false }}))

	result := m.CheckNow("srv-2")
	assert.Equal(t, Unhealthy, result.Status)
}

func TestBasicProbeDegraded(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-3", Config{Type: Basic, Interval: time.Hour, IsDegradedFn: func() bool { return true }}))

	result := m.CheckNow("srv-3")
	assert.Equal(t, Degraded, result.Status)
}

func TestStdioProbeUnhealthyOnError(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-4", Config{
		Type: Stdio, Interval: time.Hour, Timeout: time.Second,
		PingFn: func(ctx context.Context) error { return errors.New("no response") },
	}))

	result := m.CheckNow("srv-4")
	assert.Equal(t, Unhealthy, result.Status)
	assert.Error(t, result.Err)
}

func TestTCPProbeHealthyAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	m := New(nil, nil)
	require.NoError(t, m.Register("srv-5", Config{Type: TCP, Interval: time.Hour, Timeout: time.Second, TCPAddress: ln.Addr().String()}))

	result := m.CheckNow("srv-5")
	assert.Equal(t, Healthy, result.Status)
}

func TestTCPProbeUnhealthyOnRefusedConnection(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-6", Config{Type: TCP, Interval: time.Hour, Timeout: 200 * time.Millisecond, TCPAddress: "127.0.0.1:1"}))

	result := m.CheckNow("srv-6")
	assert.Equal(t, Unhealthy, result.Status)
}

func TestCustomProbeRecoversFromPanic(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-7", Config{
		Type: Custom, Interval: time.Hour, Timeout: time.Second,
		CustomFn: func(ctx context.Context) (Status, error) { panic("boom") },
	}))

	result := m.CheckNow("srv-7")
	assert.Equal(t, Unhealthy, result.Status)
}

func TestUnregisterStopsFurtherSchedule(t *testing.T) {
	m := New(nil, nil)
	require.NoError(t, m.Register("srv-8", Config{Type: Basic, Interval: time.Hour}))
	m.Unregister("srv-8")

	result := m.CheckNow("srv-8")
	assert.Equal(t, Unknown, result.Status)
}
