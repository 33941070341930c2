package manager

import (
	"time"

	"mcpbridge/internal/breaker"
	"mcpbridge/internal/health"
	"mcpbridge/internal/pool"
	"mcpbridge/internal/spawner"
	"mcpbridge/internal/transport"
)

// RestartPolicy controls whether a crashed or unhealthy server is
// restarted.
type RestartPolicy string

const (
	// Permanent always restarts, regardless of crash reason.
	Permanent RestartPolicy = "permanent"
	// Transient restarts unless the crash reason was a normal exit.
	Transient RestartPolicy = "transient"
	// Temporary never restarts.
	Temporary RestartPolicy = "temporary"
)

// Status is a ServerProcess's place in the state machine.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ServerConfig is the caller-supplied description of a server to start.
type ServerConfig struct {
	ID           string
	Spawn        spawner.Config
	Transport    transport.Mode
	Capabilities []string
	Pool         pool.Config
	Health       health.Config
	Breaker      breaker.Config
	MemoryLimit  uint64
	RestartPolicy RestartPolicy
}

// StopOptions controls StopServer behavior.
type StopOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// ServerMetrics is the aggregate metrics view for one server, composed
// from the pool, tracker, and breaker subsystems it owns.
type ServerMetrics struct {
	ServerID      string
	Status        Status
	RestartCount  int
	Uptime        time.Duration
	PoolStats     pool.Stats
	MemoryBytes   uint64
	QueueLength   int
	BreakerState  breaker.State
	LastHealth    health.Status
}

// ServerProcess is the Manager's internal record for one supervised
// server.
type ServerProcess struct {
	Config       ServerConfig
	Status       Status
	RestartCount int
	CrashReason  string
	StartedAt    time.Time

	handle    *spawner.Handle
	transport *transport.Transport
	pool      *pool.Pool
	breaker   *breaker.Breaker

	consecutiveUnhealthy int
}

// Result is the per-id outcome of a bulk operation.
type Result struct {
	ID    string
	Error error
}
