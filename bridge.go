// Package mcpbridge composes the protocol engine, spawner, server
// manager, capability router, and resilience layer into the single
// entry point external callers use: install/spawn/supervise a fleet of
// MCP child servers and dispatch capability-named tasks to them.
package mcpbridge

import (
	"context"
	"time"

	"mcpbridge/internal/breaker"
	"mcpbridge/internal/dlq"
	"mcpbridge/internal/events"
	"mcpbridge/internal/manager"
	"mcpbridge/internal/retry"
	"mcpbridge/internal/router"
	"mcpbridge/internal/spawner"
	"mcpbridge/pkg/logging"
)

// Options configures a Bridge. Zero values pick the defaults: the npm
// package manager, 3 retries with jittered exponential backoff from
// 100ms (factor 2, capped at 10s), a 1000-entry DLQ with no persistence
// path, and a 5s capability discovery interval.
type Options struct {
	InstallRoot       string
	PackageManager    string
	RetryConfig       retry.Config
	DLQMaxSize        int
	DLQPersistPath    string
	DiscoveryInterval time.Duration
	TaskMapping       map[string]map[string]string
	RoutingOnlyFields []string
}

func (o Options) withDefaults() Options {
	if o.PackageManager == "" {
		o.PackageManager = "npm"
	}
	if o.DLQMaxSize <= 0 {
		o.DLQMaxSize = 1000
	}
	if o.RetryConfig.MaxRetries == 0 {
		o.RetryConfig = retry.Config{
			MaxRetries:    3,
			InitialDelay:  100 * time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      10 * time.Second,
			Jitter:        true,
		}
	}
	return o
}

// Bridge is the composed CORE: a Manager supervising child servers, a
// Router dispatching capability-named tasks to them, and the shared
// event bus and dead-letter queue both depend on.
type Bridge struct {
	Manager *manager.Manager
	Router  *router.Router
	Bus     *events.Bus
	DLQ     *dlq.Queue

	retrier *retry.Retrier
}

// New wires a Bridge. When DLQPersistPath is set, it loads the DLQ from
// disk and starts its periodic persistence; callers must call Close when
// done.
func New(opts Options) *Bridge {
	opts = opts.withDefaults()

	bus := events.NewBus()
	dlqQueue := dlq.NewQueue(opts.DLQMaxSize, opts.DLQPersistPath, bus)
	if opts.DLQPersistPath != "" {
		if err := dlqQueue.LoadFromDisk(); err != nil {
			logging.Warn("bridge", "failed to load dead-letter queue from disk: %v", err)
		}
		dlqQueue.StartPersistence()
	}

	retrier := retry.New(opts.RetryConfig)
	sp := spawner.New(opts.InstallRoot, opts.PackageManager)
	mgr := manager.New(sp, bus, retrier, dlqQueue)

	r := router.New(mgr, bus, router.Config{
		DiscoveryInterval: opts.DiscoveryInterval,
		TaskMapping:       opts.TaskMapping,
		RoutingOnlyFields: opts.RoutingOnlyFields,
	})

	return &Bridge{Manager: mgr, Router: r, Bus: bus, DLQ: dlqQueue, retrier: retrier}
}

// StartServer starts a child server and registers it with the router
// under capabilities declared in cfg.
func (b *Bridge) StartServer(ctx context.Context, cfg manager.ServerConfig) (string, error) {
	id, err := b.Manager.StartServer(ctx, cfg)
	if err != nil {
		return "", err
	}
	b.Router.Register(id, cfg.Capabilities)
	return id, nil
}

// StopServer stops a server and removes it from the router.
func (b *Bridge) StopServer(id string, opts manager.StopOptions) error {
	b.Router.Unregister(id)
	return b.Manager.StopServer(id, opts)
}

// ExecuteTask dispatches a capability/task_type invocation through the
// router.
func (b *Bridge) ExecuteTask(ctx context.Context, capability, taskType string, params map[string]interface{}) ([]byte, error) {
	result, err := b.Router.ExecuteTask(ctx, capability, taskType, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close stops every background subsystem. It does not stop individual
// servers.
func (b *Bridge) Close() {
	b.Router.Stop()
	b.Manager.Stop()
	b.DLQ.Stop()
}
