package manager

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/breaker"
	"mcpbridge/internal/health"
	"mcpbridge/internal/mcperr"
	"mcpbridge/internal/pool"
	"mcpbridge/internal/resource"
	"mcpbridge/internal/spawner"
	"mcpbridge/internal/transport"
)

// echoServerScript is a minimal stdio "MCP server": for every
// newline-delimited request it reads, it replies with a success
// response carrying the same numeric id and a fixed result string.
const echoServerScript = `while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":\"pong\"}"
done`

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell assumed")
	}
}

func echoServerConfig(id string) ServerConfig {
	return ServerConfig{
		ID:        id,
		Spawn:     spawner.Config{Command: "sh", Args: []string{"-c", echoServerScript}},
		Transport: transport.ModeNewline,
		Pool:      pool.Config{Size: 2, Strategy: pool.FIFO},
		Health:    health.Config{Type: health.Basic, Interval: time.Hour},
		Breaker:   breaker.Config{Name: id, FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Second},
		RestartPolicy: Temporary,
	}
}

func TestStartServerAndCallRoundTrip(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	id, err := m.StartServer(context.Background(), echoServerConfig("srv-echo"))
	require.NoError(t, err)

	result, err := m.Call(id, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))

	assert.Equal(t, StatusRunning, m.GetStatus()[id])

	require.NoError(t, m.StopServer(id, StopOptions{Graceful: false}))
}

func TestStopServerUnknownIDIsNotFound(t *testing.T) {
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	err := m.StopServer("nope", StopOptions{})
	var notFound *mcperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestGetMetricsUnknownIDIsNotFound(t *testing.T) {
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	_, err := m.GetMetrics("nope")
	var notFound *mcperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStartServerRejectsDuplicateID(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	cfg := echoServerConfig("dup")
	_, err := m.StartServer(context.Background(), cfg)
	require.NoError(t, err)
	defer m.StopServer("dup", StopOptions{})

	_, err = m.StartServer(context.Background(), cfg)
	var cfgErr *mcperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartServerRejectsConfigWithNoSpawnTarget(t *testing.T) {
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	_, err := m.StartServer(context.Background(), ServerConfig{ID: "no-spawn-target"})
	var cfgErr *mcperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartServerRejectsInvalidRestartPolicy(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	cfg := echoServerConfig("bad-policy")
	cfg.RestartPolicy = "sometimes"
	_, err := m.StartServer(context.Background(), cfg)
	var cfgErr *mcperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartServerRejectsTCPHealthCheckWithoutAddress(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	cfg := echoServerConfig("bad-tcp-health")
	cfg.Health = health.Config{Type: health.TCP, Interval: time.Hour}
	_, err := m.StartServer(context.Background(), cfg)
	var cfgErr *mcperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartServerRejectsCustomHealthCheckWithoutFn(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	cfg := echoServerConfig("bad-custom-health")
	cfg.Health = health.Config{Type: health.Custom, Interval: time.Hour}
	_, err := m.StartServer(context.Background(), cfg)
	var cfgErr *mcperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCrashedServerAutoRestartsWithIncrementedRestartCount(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	// crashOnceThenServe exits immediately the first time it runs (the
	// marker file is absent), simulating a one-off crash on startup; on
	// the restart it serves like echoServerScript so the test can observe
	// a stable Running status instead of racing a crash loop.
	marker := t.TempDir() + "/started"
	crashOnceThenServe := `
if [ -f "` + marker + `" ]; then
` + echoServerScript + `
else
  touch "` + marker + `"
  exit 1
fi`

	cfg := echoServerConfig("srv-crash")
	cfg.Spawn = spawner.Config{Command: "sh", Args: []string{"-c", crashOnceThenServe}}
	cfg.RestartPolicy = Permanent

	id, err := m.StartServer(context.Background(), cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := m.GetStatus()[id]
		if !ok || status != StatusRunning {
			return false
		}
		metrics, err := m.GetMetrics(id)
		return err == nil && metrics.RestartCount >= 1
	}, 5*time.Second, 20*time.Millisecond, "crashed server never restarted under the same id with restart_count >= 1")

	result, err := m.Call(id, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))

	require.NoError(t, m.StopServer(id, StopOptions{}))
}

func TestWireHealthDefaultsReflectsRealProcessLiveness(t *testing.T) {
	requirePosix(t)
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	cfg := health.Config{Type: health.Basic}
	wireHealthDefaults(&cfg, cmd.Process.Pid, "srv-liveness", resource.NewTracker(nil))
	require.NotNil(t, cfg.IsAliveFn)

	assert.True(t, cfg.IsAliveFn(), "a running child must report alive")

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	assert.Eventually(t, func() bool { return !cfg.IsAliveFn() }, 2*time.Second, 20*time.Millisecond,
		"a killed child must stop reporting alive")
}

func TestWireHealthDefaultsDoesNotOverrideCallerSuppliedFns(t *testing.T) {
	called := false
	cfg := health.Config{Type: health.Basic, IsAliveFn: func() bool { called = true; return true }}
	wireHealthDefaults(&cfg, 1, "srv-x", resource.NewTracker(nil))

	assert.True(t, cfg.IsAliveFn())
	assert.True(t, called, "caller-supplied IsAliveFn must not be replaced")
}

func TestWireHealthDefaultsIgnoresNonBasicTypes(t *testing.T) {
	cfg := health.Config{Type: health.TCP}
	wireHealthDefaults(&cfg, 1, "srv-x", resource.NewTracker(nil))
	assert.Nil(t, cfg.IsAliveFn, "non-basic health types keep their own probe configuration")
}

func TestStdioHealthCheckUsesDefaultPingFn(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	cfg := echoServerConfig("srv-stdio-health")
	cfg.Health = health.Config{Type: health.Stdio, Interval: time.Hour, Timeout: 2 * time.Second}

	id, err := m.StartServer(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, health.Healthy, m.GetHealth(id).Status)

	require.NoError(t, m.StopServer(id, StopOptions{}))
}

func TestShouldRestartByPolicy(t *testing.T) {
	assert.True(t, shouldRestart(Permanent, "normal"))
	assert.True(t, shouldRestart(Permanent, "crash"))
	assert.False(t, shouldRestart(Transient, "normal"))
	assert.True(t, shouldRestart(Transient, "crash"))
	assert.False(t, shouldRestart(Temporary, "crash"))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(2))
	assert.Equal(t, restartMaxDelay, backoffDelay(10))
}

func TestBulkStartAndStopReturnPerIDResults(t *testing.T) {
	requirePosix(t)
	m := New(spawner.New(t.TempDir(), "npm"), nil, nil, nil)
	defer m.Stop()

	results := m.StartServers(context.Background(), []ServerConfig{echoServerConfig("bulk-1"), echoServerConfig("bulk-2")})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Error)
	}

	stopResults := m.StopServers([]string{"bulk-1", "bulk-2", "missing"}, StopOptions{})
	require.Len(t, stopResults, 3)
	assert.NoError(t, stopResults[0].Error)
	assert.NoError(t, stopResults[1].Error)
	assert.Error(t, stopResults[2].Error)
}
