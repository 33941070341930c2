package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"mcpbridge/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestSendAndReceiveNewlineFraming(t *testing.T) {
	serverOut, clientIn := io.Pipe()   // bridge -> "child" stdin
	serverIn, clientOut := io.Pipe()   // "child" -> bridge stdout
	_ = clientOut

	tr := New("srv-1", nopCloser{clientIn}, serverIn, nil, ModeNewline)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	req, err := protocol.BuildRequest("ping", nil, protocol.NumberID(1))
	require.NoError(t, err)

	go func() {
		_ = tr.Send(ctx, req)
	}()

	buf := make([]byte, 256)
	n, err := serverOut.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"method":"ping"`)
	assert.Contains(t, string(buf[:n]), "\n")
}

func TestReadLoopDeliversParsedMessages(t *testing.T) {
	serverOut, clientIn := io.Pipe()
	serverIn, clientOut := io.Pipe()
	_ = serverOut

	tr := New("srv-2", nopCloser{clientIn}, serverIn, nil, ModeNewline)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	resp, _ := protocol.BuildSuccess("pong", protocol.NumberID(1))
	encoded, _ := protocol.Encode(resp)

	go func() {
		_, _ = clientOut.Write(append(encoded, '\n'))
	}()

	select {
	case result := <-tr.Incoming():
		require.Equal(t, protocol.KindResponse, result.Kind)
		assert.True(t, result.Response.ID.Equal(protocol.NumberID(1)))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming message")
	}
}

func TestDisconnectedFiresOnce(t *testing.T) {
	_, clientIn := io.Pipe()
	serverIn, clientOut := io.Pipe()

	tr := New("srv-3", nopCloser{clientIn}, serverIn, nil, ModeNewline)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.NoError(t, clientOut.Close())

	select {
	case <-tr.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected event never fired")
	}

	// Reading again from an already-closed channel must not block/panic.
	select {
	case <-tr.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("disconnected channel should stay closed")
	}
}

func TestCorrelateAndFailAllPending(t *testing.T) {
	_, clientIn := io.Pipe()
	serverIn, _ := io.Pipe()
	tr := New("srv-4", nopCloser{clientIn}, serverIn, nil, ModeNewline)

	tr.RegisterPending(protocol.NumberID(1), "ctx-1")
	tr.RegisterPending(protocol.NumberID(2), "ctx-2")

	resp, _ := protocol.BuildSuccess("ok", protocol.NumberID(1))
	entry, ok := tr.Correlate(resp)
	require.True(t, ok)
	assert.Equal(t, "ctx-1", entry.Context)

	failed := tr.FailAllPending()
	require.Len(t, failed, 1)
	assert.Equal(t, "ctx-2", failed[0].Context)
}
