package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"mcpbridge/internal/breaker"
	"mcpbridge/internal/dlq"
	"mcpbridge/internal/events"
	"mcpbridge/internal/health"
	"mcpbridge/internal/mcperr"
	"mcpbridge/internal/pool"
	"mcpbridge/internal/protocol"
	"mcpbridge/internal/resource"
	"mcpbridge/internal/retry"
	"mcpbridge/internal/spawner"
	"mcpbridge/internal/transport"
	"mcpbridge/pkg/logging"
)

const (
	restartBaseDelay = time.Second
	restartMaxDelay  = 60 * time.Second
	unhealthyLimit   = 3

	degradedMemoryBytes = 100 * 1024 * 1024
	degradedQueueLength = 1000
)

// Manager is the single owner of the mutable server table. All
// mutations are serialized through an internal command mailbox; the
// public methods below are safe to call concurrently.
type Manager struct {
	spawner  *spawner.Spawner
	bus      *events.Bus
	health   *health.Monitor
	tracker  *resource.Tracker
	retrier  *retry.Retrier
	dlq      *dlq.Queue

	mailbox chan func()

	mu      sync.RWMutex
	servers map[string]*ServerProcess
}

// New constructs a Manager. Any of bus, retrier, dlqQueue may be nil.
func New(sp *spawner.Spawner, bus *events.Bus, retrier *retry.Retrier, dlqQueue *dlq.Queue) *Manager {
	m := &Manager{
		spawner: sp,
		bus:     bus,
		tracker: resource.NewTracker(bus),
		retrier: retrier,
		dlq:     dlqQueue,
		mailbox: make(chan func(), 256),
		servers: make(map[string]*ServerProcess),
	}
	m.health = health.New(bus, m.onHealthResult)
	m.health.Start()
	m.tracker.StartSweep()
	go m.run()
	return m
}

func (m *Manager) run() {
	for fn := range m.mailbox {
		fn()
	}
}

// submit runs fn serialized on the mailbox goroutine and waits for it
// to complete.
func (m *Manager) submit(fn func()) {
	done := make(chan struct{})
	m.mailbox <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// StartServer validates cfg, spawns the child, and registers it with
// every subsystem. Returns the server id.
//
// The id is reserved on the mailbox before any spawn work begins, so two
// concurrent calls racing on the same id cannot both pass the
// already-in-use check.
func (m *Manager) StartServer(ctx context.Context, cfg ServerConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("srv-%d", time.Now().UnixNano())
	}

	if err := validateServerConfig(cfg); err != nil {
		return "", err
	}

	var reserveErr error
	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, exists := m.servers[cfg.ID]; exists {
			reserveErr = &mcperr.ConfigurationError{Field: "id", Message: "server id already in use"}
			return
		}
		m.servers[cfg.ID] = &ServerProcess{Config: cfg, Status: StatusStarting, StartedAt: time.Now()}
	})
	if reserveErr != nil {
		return "", reserveErr
	}

	handle, err := m.spawner.Spawn(ctx, cfg.Spawn)
	if err != nil {
		m.submit(func() {
			m.mu.Lock()
			delete(m.servers, cfg.ID)
			m.mu.Unlock()
		})
		return "", err
	}

	tr := transport.New(cfg.ID, handle.Stdin, handle.Stdout, handle.Stderr, cfg.Transport)
	tr.Start(ctx)

	brk := breaker.New(cfg.Breaker, m.bus)

	poolCfg := cfg.Pool
	if poolCfg.CreateFn == nil {
		poolCfg.CreateFn = func(context.Context) (interface{}, error) { return struct{}{}, nil }
	}
	p := pool.New(poolCfg)
	p.StartValidation()

	m.tracker.Register(cfg.ID, int32(handle.Pid), cfg.MemoryLimit, func() int { return p.Stats().Waiters })
	wireHealthDefaults(&cfg.Health, handle.Pid, cfg.ID, m.tracker)

	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		proc, ok := m.servers[cfg.ID]
		if !ok {
			return
		}
		proc.Config = cfg
		proc.handle = handle
		proc.transport = tr
		proc.pool = p
		proc.breaker = brk
	})

	if cfg.Health.Type == health.Stdio && cfg.Health.PingFn == nil {
		m.submit(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if proc, ok := m.servers[cfg.ID]; ok {
				proc.Config.Health.PingFn = m.defaultPingFn(proc)
				cfg.Health.PingFn = proc.Config.Health.PingFn
			}
		})
	}

	if err := m.health.Register(cfg.ID, cfg.Health); err != nil {
		logging.Warn("manager", "health registration failed for %s: %v", cfg.ID, err)
	}

	go m.dispatchLoop(cfg.ID, tr)

	if cfg.Health.Type == health.Basic || cfg.Health.Type == "" {
		m.transition(cfg.ID, StatusRunning)
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Name: "server.spawned", ServerID: cfg.ID, Timestamp: time.Now()})
	}

	return cfg.ID, nil
}

// wireHealthDefaults fills in the basic-probe closures from the spawned
// process and tracker state whenever the caller didn't already supply
// its own, per spec.md's basic health semantics (queue/memory thresholds,
// suspended-process detection).
func wireHealthDefaults(cfg *health.Config, pid int, serverID string, tracker *resource.Tracker) {
	if cfg.Type != health.Basic && cfg.Type != "" {
		return
	}
	if cfg.IsAliveFn == nil {
		cfg.IsAliveFn = func() bool { return processRunning(pid) }
	}
	if cfg.IsSuspendedFn == nil {
		cfg.IsSuspendedFn = func() bool { return processSuspended(pid) }
	}
	if cfg.IsDegradedFn == nil {
		cfg.IsDegradedFn = func() bool {
			sample, ok := tracker.Snapshot(serverID)
			if !ok {
				return false
			}
			return sample.QueueLength > degradedQueueLength || sample.MemoryBytes > degradedMemoryBytes
		}
	}
}

func processRunning(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func processSuspended(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == "T" || s == "stop" {
			return true
		}
	}
	return false
}

// defaultPingFn sends a liveness "ping" request through proc's own
// transport, for servers whose health_check.type is stdio and which
// didn't supply their own probe function.
func (m *Manager) defaultPingFn(proc *ServerProcess) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.sendAndWait(ctx, proc, "ping", nil)
		return err
	}
}

func (m *Manager) transition(id string, status Status) {
	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if p, ok := m.servers[id]; ok {
			p.Status = status
		}
	})
}

// dispatchLoop delivers incoming responses to waiting Call() callers
// and detects disconnection to drive crash handling.
func (m *Manager) dispatchLoop(serverID string, tr *transport.Transport) {
	for {
		select {
		case result, ok := <-tr.Incoming():
			if !ok {
				return
			}
			if result.Kind == protocol.KindResponse && result.Response != nil {
				m.resolvePending(tr, *result.Response)
			}
		case <-tr.Disconnected():
			m.onChildDown(serverID, "transport closed")
			return
		}
	}
}

func (m *Manager) resolvePending(tr *transport.Transport, resp protocol.Response) {
	entry, ok := tr.Correlate(resp)
	if !ok {
		return
	}
	if ch, ok := entry.Context.(chan protocol.Response); ok {
		ch <- resp
	}
}

// Call implements router.Caller: it sends a request through the
// server's breaker-and-retry-wrapped path and blocks for the matching
// response.
func (m *Manager) Call(serverID, method string, params interface{}) (json.RawMessage, error) {
	m.mu.RLock()
	proc, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, &mcperr.NotFoundError{Kind: "server", ID: serverID}
	}

	op := func(ctx context.Context) (interface{}, error) {
		conn, err := proc.pool.Checkout(ctx)
		if err != nil {
			return nil, err
		}
		defer proc.pool.Checkin(conn)
		return m.sendAndWait(ctx, proc, method, params)
	}

	retried := func(ctx context.Context) (interface{}, error) {
		if m.retrier != nil {
			return m.retrier.Do(ctx, op)
		}
		return op(ctx)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := proc.breaker.Call(ctx, retried)
	if err != nil {
		return nil, err
	}
	raw, _ := result.(json.RawMessage)
	return raw, nil
}

func (m *Manager) sendAndWait(ctx context.Context, proc *ServerProcess, method string, params interface{}) (json.RawMessage, error) {
	req, err := protocol.BuildRequest(method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan protocol.Response, 1)
	proc.transport.RegisterPending(req.ID, respCh)

	if err := proc.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &mcperr.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, &mcperr.TimeoutError{Operation: method}
	}
}

// StopServer unregisters id from every subsystem and releases its
// resources. Idempotent: stopping an unknown id returns NotFoundError.
func (m *Manager) StopServer(id string, opts StopOptions) error {
	var retErr error
	m.submit(func() {
		m.mu.Lock()
		proc, ok := m.servers[id]
		if !ok {
			m.mu.Unlock()
			retErr = &mcperr.NotFoundError{Kind: "server", ID: id}
			return
		}
		proc.Status = StatusStopping
		m.mu.Unlock()

		m.health.Unregister(id)
		m.tracker.Unregister(id)

		if opts.Graceful {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			_ = proc.transport.Send(ctx, mustNotification("shutdown"))
			cancel()
		}

		proc.pool.Stop()
		_ = proc.transport.Close()
		if proc.handle.Cmd.Process != nil {
			_ = proc.handle.Cmd.Process.Kill()
		}

		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
	})
	return retErr
}

func mustNotification(method string) protocol.Notification {
	n, _ := protocol.BuildNotification(method, nil)
	return n
}

// RestartServer stops then starts id with its existing config,
// incrementing restart_count.
func (m *Manager) RestartServer(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	proc, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return "", &mcperr.NotFoundError{Kind: "server", ID: id}
	}
	cfg := proc.Config
	restarts := proc.RestartCount + 1

	if err := m.StopServer(id, StopOptions{Graceful: true, Timeout: 5 * time.Second}); err != nil {
		return "", err
	}
	newID, err := m.StartServer(ctx, cfg)
	if err != nil {
		return "", err
	}

	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if p, ok := m.servers[newID]; ok {
			p.RestartCount = restarts
		}
	})
	return newID, nil
}

// StartServers starts each config and returns a per-id result vector.
func (m *Manager) StartServers(ctx context.Context, configs []ServerConfig) []Result {
	results := make([]Result, len(configs))
	for i, cfg := range configs {
		id, err := m.StartServer(ctx, cfg)
		if err != nil {
			results[i] = Result{ID: cfg.ID, Error: err}
		} else {
			results[i] = Result{ID: id}
		}
	}
	return results
}

// StopServers stops each id and returns a per-id result vector.
func (m *Manager) StopServers(ids []string, opts StopOptions) []Result {
	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = Result{ID: id, Error: m.StopServer(id, opts)}
	}
	return results
}

// GetStatus returns the current status of every tracked server.
func (m *Manager) GetStatus() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.servers))
	for id, p := range m.servers {
		out[id] = p.Status
	}
	return out
}

// GetHealth runs id's health probe now and returns its result (Unknown
// for an id with no registered probe).
func (m *Manager) GetHealth(id string) health.Result {
	return m.health.CheckNow(id)
}

// GetMetrics composes the pool, tracker, and breaker views for id.
func (m *Manager) GetMetrics(id string) (ServerMetrics, error) {
	m.mu.RLock()
	proc, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return ServerMetrics{}, &mcperr.NotFoundError{Kind: "server", ID: id}
	}

	sample, _ := m.tracker.Snapshot(id)
	healthResult := m.health.CheckNow(id)

	return ServerMetrics{
		ServerID:     id,
		Status:       proc.Status,
		RestartCount: proc.RestartCount,
		Uptime:       time.Since(proc.StartedAt),
		PoolStats:    proc.pool.Stats(),
		MemoryBytes:  sample.MemoryBytes,
		QueueLength:  sample.QueueLength,
		BreakerState: proc.breaker.State(),
		LastHealth:   healthResult.Status,
	}, nil
}

// UpdateConfig replaces id's stored configuration. When restartOnUpdate
// is true, the server is restarted to pick up the new config.
func (m *Manager) UpdateConfig(ctx context.Context, id string, patch ServerConfig, restartOnUpdate bool) error {
	var notFound bool
	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		proc, ok := m.servers[id]
		if !ok {
			notFound = true
			return
		}
		proc.Config = patch
	})
	if notFound {
		return &mcperr.NotFoundError{Kind: "server", ID: id}
	}

	if restartOnUpdate {
		_, err := m.RestartServer(ctx, id)
		return err
	}
	return nil
}

// GetConnection exposes the underlying connection pool for id, for
// callers that need a raw slot rather than going through Call.
func (m *Manager) GetConnection(id string) (*pool.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proc, ok := m.servers[id]
	if !ok {
		return nil, &mcperr.NotFoundError{Kind: "server", ID: id}
	}
	return proc.pool, nil
}

// onChildDown handles an unexpected transport close: it tears the dead
// record down (unregistering it from health/tracker and freeing the
// id), fails all pending requests for the server, and applies the
// restart policy. The id is removed from m.servers before any restart is
// scheduled, exactly as a manual RestartServer removes it via
// StopServer, so the replacement StartServer call below never collides
// with a stale "id already in use" record.
func (m *Manager) onChildDown(id, reason string) {
	var proc *ServerProcess
	var skip bool
	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.servers[id]
		if !ok || p.Status == StatusStopping {
			skip = true
			return
		}
		proc = p
		delete(m.servers, id)
	})
	if skip || proc == nil {
		return
	}

	policy := proc.Config.RestartPolicy
	restarts := proc.RestartCount
	cfg := proc.Config

	m.health.Unregister(id)
	m.tracker.Unregister(id)
	proc.pool.Stop()

	for _, entry := range proc.transport.FailAllPending() {
		if ch, ok := entry.Context.(chan protocol.Response); ok {
			ch <- protocol.Response{Error: &protocol.ErrorObject{Code: protocol.CodeConnectionError, Message: "connection_error"}}
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Name: "server.crashed", ServerID: id, Timestamp: time.Now(), Payload: map[string]interface{}{"reason": reason}})
	}

	if !shouldRestart(policy, reason) {
		return
	}

	delay := backoffDelay(restarts)
	time.AfterFunc(delay, func() {
		newID, err := m.StartServer(context.Background(), cfg)
		if err != nil {
			logging.Error("manager", err, "restart failed for %s", id)
			return
		}
		m.submit(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if p, ok := m.servers[newID]; ok {
				p.RestartCount = restarts + 1
			}
		})
	})
}

func shouldRestart(policy RestartPolicy, reason string) bool {
	switch policy {
	case Permanent:
		return true
	case Transient:
		return reason != "normal"
	default:
		return false
	}
}

func backoffDelay(restartCount int) time.Duration {
	delay := restartBaseDelay
	for i := 0; i < restartCount; i++ {
		delay *= 2
		if delay > restartMaxDelay {
			return restartMaxDelay
		}
	}
	return delay
}

// onHealthResult is the HealthMonitor callback. Three consecutive
// unhealthy results trigger an implicit restart even without a process
// exit.
func (m *Manager) onHealthResult(serverID string, result health.Result) {
	var trigger bool
	m.submit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		proc, ok := m.servers[serverID]
		if !ok {
			return
		}
		if result.Status == health.Unhealthy {
			proc.consecutiveUnhealthy++
		} else {
			proc.consecutiveUnhealthy = 0
		}
		trigger = proc.consecutiveUnhealthy >= unhealthyLimit
		if trigger {
			proc.consecutiveUnhealthy = 0
		}
	})

	if trigger {
		go func() {
			if _, err := m.RestartServer(context.Background(), serverID); err != nil {
				logging.Error("manager", err, "health-triggered restart failed for %s", serverID)
			}
		}()
	}
}

// Stop halts every background subsystem. It does not stop individual
// servers; call StopServers first for a clean shutdown.
func (m *Manager) Stop() {
	m.health.Stop()
	m.tracker.Stop()
	close(m.mailbox)
}
