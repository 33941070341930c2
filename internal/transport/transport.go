package transport

import (
	"context"
	"io"
	"sync"

	"mcpbridge/internal/mcperr"
	"mcpbridge/internal/protocol"
	"mcpbridge/pkg/logging"
)

// Transport owns a single child process's stdio pipes.
type Transport struct {
	serverID string
	mode     Mode

	stdin  io.WriteCloser
	reader *frameReader
	stderr io.ReadCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]protocol.PendingEntry

	incoming     chan protocol.ParseResult
	disconnected chan struct{}
	discOnce     sync.Once

	wg sync.WaitGroup
}

// New builds a Transport around an already-spawned child's pipes. Start
// must be called to begin reading.
func New(serverID string, stdin io.WriteCloser, stdout io.Reader, stderr io.ReadCloser, mode Mode) *Transport {
	return &Transport{
		serverID:     serverID,
		mode:         mode,
		stdin:        stdin,
		reader:       newFrameReader(stdout, mode),
		stderr:       stderr,
		pending:      make(map[string]protocol.PendingEntry),
		incoming:     make(chan protocol.ParseResult, 64),
		disconnected: make(chan struct{}),
	}
}

// Start launches the read and stderr-capture goroutines. It returns
// immediately; consume Incoming() and Disconnected() to observe results.
func (t *Transport) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.readLoop(ctx)
	if t.stderr != nil {
		t.wg.Add(1)
		go t.stderrLoop()
	}
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.incoming)
	defer t.fireDisconnected()

	for {
		frame, err := t.reader.readFrame()
		if err != nil {
			return
		}
		if len(frame) == 0 {
			continue
		}
		result, _ := protocol.Parse(frame)
		select {
		case t.incoming <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) stderrLoop() {
	defer t.wg.Done()
	reader := newFrameReader(t.stderr, ModeNewline)
	for {
		line, err := reader.readFrame()
		if err != nil {
			return
		}
		logging.Warn("transport", "server %s stderr: %s", t.serverID, string(line))
	}
}

func (t *Transport) fireDisconnected() {
	t.discOnce.Do(func() { close(t.disconnected) })
}

// Incoming streams parsed messages read from the child's stdout.
func (t *Transport) Incoming() <-chan protocol.ParseResult { return t.incoming }

// Disconnected closes exactly once when the child's stdout is exhausted.
func (t *Transport) Disconnected() <-chan struct{} { return t.disconnected }

// Send encodes and writes message as a single frame. A completed write
// is either fully delivered or reported as a TransportError. If ctx ends
// first, Send returns a TimeoutError at once and the write may still
// finish in the background.
func (t *Transport) Send(ctx context.Context, message interface{}) error {
	payload, err := protocol.Encode(message)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		done <- writeFrame(t.stdin, t.mode, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &mcperr.TransportError{ServerID: t.serverID, Cause: err}
		}
		return nil
	case <-ctx.Done():
		return &mcperr.TimeoutError{Operation: "transport send"}
	}
}

// RegisterPending records an in-flight request awaiting a response.
func (t *Transport) RegisterPending(id protocol.ID, ctx interface{}) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.pending[id.String()] = protocol.PendingEntry{ID: id, Context: ctx}
}

// Correlate resolves a response against the pending-request table.
func (t *Transport) Correlate(resp protocol.Response) (protocol.PendingEntry, bool) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return protocol.Correlate(resp, t.pending)
}

// FailAllPending drains the pending-request table and returns every
// entry, for the caller to resolve with a connection_error. Used on
// crash handling before a restart.
func (t *Transport) FailAllPending() []protocol.PendingEntry {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	entries := make([]protocol.PendingEntry, 0, len(t.pending))
	for _, e := range t.pending {
		entries = append(entries, e)
	}
	t.pending = make(map[string]protocol.PendingEntry)
	return entries
}

// Close closes the child's stdin, which is typically sufficient to make
// it exit; the read loop observes EOF and fires Disconnected.
func (t *Transport) Close() error {
	return t.stdin.Close()
}

// Wait blocks until the read and stderr-capture goroutines have exited.
func (t *Transport) Wait() { t.wg.Wait() }
