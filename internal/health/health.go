// Package health implements the per-server scheduled probes spec.md
// §4.6 describes. Results are posted upward (to the Manager, via a
// callback or the event bus); the monitor never acts on a result
// itself.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"mcpbridge/internal/events"
	"mcpbridge/pkg/logging"

	"github.com/robfig/cron/v3"
)

// CheckType selects which probe a server uses.
type CheckType string

const (
	Basic     CheckType = "basic"
	Stdio     CheckType = "stdio"
	TCP       CheckType = "tcp"
	WebSocket CheckType = "websocket"
	Custom    CheckType = "custom"
)

// Status is the coarse health classification spec.md's glossary
// defines.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Config describes one server's health probe.
type Config struct {
	Type     CheckType
	Interval time.Duration
	Timeout  time.Duration

	// basic
	IsAliveFn     func() bool
	IsSuspendedFn func() bool
	IsDegradedFn  func() bool // queue length / memory threshold, computed by the caller

	// stdio
	PingFn func(ctx context.Context) error

	// tcp
	TCPAddress string

	// websocket
	WebSocketURL string

	// custom
	CustomFn func(ctx context.Context) (Status, error)
}

// Result is one probe outcome.
type Result struct {
	ServerID  string
	Status    Status
	CheckedAt time.Time
	Err       error
}

type entry struct {
	cfg    Config
	cronID cron.EntryID
}

// Monitor schedules and runs per-server probes.
type Monitor struct {
	mu       sync.Mutex
	entries  map[string]*entry
	bus      *events.Bus
	onResult func(serverID string, result Result)

	cronSched *cron.Cron
}

// New constructs a Monitor. onResult is invoked with every probe
// outcome; it is typically the Manager's on_health_result handler.
func New(bus *events.Bus, onResult func(serverID string, result Result)) *Monitor {
	return &Monitor{
		entries:   make(map[string]*entry),
		bus:       bus,
		onResult:  onResult,
		cronSched: cron.New(),
	}
}

// Start begins the shared cron scheduler.
func (m *Monitor) Start() { m.cronSched.Start() }

// Stop stops the shared cron scheduler.
func (m *Monitor) Stop() { m.cronSched.Stop() }

// Register schedules a server's probe at its configured interval.
func (m *Monitor) Register(serverID string, cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}

	spec := fmt.Sprintf("@every %s", cfg.Interval)
	id, err := m.cronSched.AddFunc(spec, func() { m.runProbe(serverID) })
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries[serverID] = &entry{cfg: cfg, cronID: id}
	m.mu.Unlock()
	return nil
}

// Unregister stops probing a server.
func (m *Monitor) Unregister(serverID string) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	if ok {
		delete(m.entries, serverID)
	}
	m.mu.Unlock()
	if ok {
		m.cronSched.Remove(e.cronID)
	}
}

// CheckNow runs a server's probe immediately and returns the result,
// without waiting for its scheduled tick.
func (m *Monitor) CheckNow(serverID string) Result {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	m.mu.Unlock()
	if !ok {
		return Result{ServerID: serverID, Status: Unknown, CheckedAt: time.Now()}
	}
	return m.probe(serverID, e.cfg)
}

func (m *Monitor) runProbe(serverID string) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	m.mu.Unlock()
	if !ok {
		return
	}
	result := m.probe(serverID, e.cfg)
	if m.onResult != nil {
		m.onResult(serverID, result)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Name:      "health.result",
			ServerID:  serverID,
			Timestamp: result.CheckedAt,
			Payload:   map[string]interface{}{"status": string(result.Status)},
		})
	}
}

func (m *Monitor) probe(serverID string, cfg Config) Result {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	now := time.Now()
	switch cfg.Type {
	case Stdio:
		if cfg.PingFn == nil {
			return Result{ServerID: serverID, Status: Unknown, CheckedAt: now}
		}
		if err := cfg.PingFn(ctx); err != nil {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: err}
		}
		return Result{ServerID: serverID, Status: Healthy, CheckedAt: now}

	case TCP:
		dialer := net.Dialer{Timeout: cfg.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.TCPAddress)
		if err != nil {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: err}
		}
		_ = conn.Close()
		return Result{ServerID: serverID, Status: Healthy, CheckedAt: now}

	case WebSocket:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.WebSocketURL, nil)
		if err != nil {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: err}
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: fmt.Errorf("non-2xx status %d", resp.StatusCode)}
		}
		return Result{ServerID: serverID, Status: Healthy, CheckedAt: now}

	case Custom:
		if cfg.CustomFn == nil {
			return Result{ServerID: serverID, Status: Unknown, CheckedAt: now}
		}
		status, err := safeCustom(ctx, cfg.CustomFn)
		if err != nil {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now, Err: err}
		}
		return Result{ServerID: serverID, Status: status, CheckedAt: now}

	default: // Basic
		if cfg.IsAliveFn != nil && !cfg.IsAliveFn() {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now}
		}
		if cfg.IsSuspendedFn != nil && cfg.IsSuspendedFn() {
			return Result{ServerID: serverID, Status: Unhealthy, CheckedAt: now}
		}
		if cfg.IsDegradedFn != nil && cfg.IsDegradedFn() {
			return Result{ServerID: serverID, Status: Degraded, CheckedAt: now}
		}
		return Result{ServerID: serverID, Status: Healthy, CheckedAt: now}
	}
}

func safeCustom(ctx context.Context, fn func(context.Context) (Status, error)) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("health", fmt.Errorf("%v", r), "custom probe panicked")
			status = Unhealthy
			err = fmt.Errorf("custom probe panic: %v", r)
		}
	}()
	return fn(ctx)
}
