// Package resource implements per-process memory/queue accounting and
// zombie reaping for the bridge, per spec.md §4.7: a periodic sweep
// samples memory and queue length for every tracked child, removes dead
// entries, and reports (never enforces) memory_limit violations.
package resource

import (
	"sync"
	"time"

	"mcpbridge/internal/events"
	"mcpbridge/pkg/logging"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is the latest observed measurement for one tracked process.
type Sample struct {
	ServerID    string
	MemoryBytes uint64
	QueueLength int
	SampledAt   time.Time
}

// ViolationReport describes a memory_limit overshoot. The Manager
// decides what to do with it; the tracker never kills a process.
type ViolationReport struct {
	ServerID    string
	MemoryBytes uint64
	LimitBytes  uint64
}

type registration struct {
	pid             int32
	memoryLimit     uint64
	queueLengthFn   func() int
	lastSample      Sample
	limitViolations int
}

// Tracker is a single-owner registry of tracked child processes.
type Tracker struct {
	mu    sync.Mutex
	procs map[string]*registration
	bus   *events.Bus

	cronSched *cron.Cron
}

// NewTracker constructs an empty Tracker.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{procs: make(map[string]*registration), bus: bus}
}

// Register starts tracking a child process. memoryLimitBytes == 0 means
// no limit is checked. queueLengthFn may be nil.
func (t *Tracker) Register(serverID string, pid int32, memoryLimitBytes uint64, queueLengthFn func() int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[serverID] = &registration{pid: pid, memoryLimit: memoryLimitBytes, queueLengthFn: queueLengthFn}
}

// Unregister stops tracking a process.
func (t *Tracker) Unregister(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, serverID)
}

// Snapshot returns the most recent sample for a server, if any.
func (t *Tracker) Snapshot(serverID string) (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.procs[serverID]
	if !ok {
		return Sample{}, false
	}
	return reg.lastSample, true
}

// StartSweep schedules the 60-second sampling sweep.
func (t *Tracker) StartSweep() {
	t.cronSched = cron.New()
	_, err := t.cronSched.AddFunc("@every 60s", t.sweep)
	if err != nil {
		logging.Error("tracker", err, "failed to schedule sweep")
		return
	}
	t.cronSched.Start()
}

// Stop halts periodic sampling.
func (t *Tracker) Stop() {
	if t.cronSched != nil {
		t.cronSched.Stop()
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.sampleOne(id)
	}
}

func (t *Tracker) sampleOne(serverID string) {
	t.mu.Lock()
	reg, ok := t.procs[serverID]
	t.mu.Unlock()
	if !ok {
		return
	}

	proc, err := process.NewProcess(reg.pid)
	if err != nil {
		// Process is gone; reap the tracker entry. The Manager learns
		// of the exit through its transport's Disconnected signal, not here.
		t.Unregister(serverID)
		return
	}

	memInfo, err := proc.MemoryInfo()
	var rss uint64
	if err == nil && memInfo != nil {
		rss = memInfo.RSS
	}

	queueLength := 0
	if reg.queueLengthFn != nil {
		queueLength = reg.queueLengthFn()
	}

	sample := Sample{ServerID: serverID, MemoryBytes: rss, QueueLength: queueLength, SampledAt: time.Now()}

	t.mu.Lock()
	reg.lastSample = sample
	violated := reg.memoryLimit > 0 && rss > reg.memoryLimit
	if violated {
		reg.limitViolations++
	}
	t.mu.Unlock()

	if violated && t.bus != nil {
		t.bus.Publish(events.Event{
			Name:      "resource.limit_exceeded",
			ServerID:  serverID,
			Timestamp: sample.SampledAt,
			Payload:   map[string]interface{}{"memory_bytes": rss, "limit_bytes": reg.memoryLimit},
		})
	}
}

// CheckLimits reports the current violation state for a server.
func (t *Tracker) CheckLimits(serverID string) (ViolationReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.procs[serverID]
	if !ok || reg.memoryLimit == 0 {
		return ViolationReport{}, false
	}
	if reg.lastSample.MemoryBytes <= reg.memoryLimit {
		return ViolationReport{}, false
	}
	return ViolationReport{ServerID: serverID, MemoryBytes: reg.lastSample.MemoryBytes, LimitBytes: reg.memoryLimit}, true
}
