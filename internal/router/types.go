package router

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// serverEntry tracks one server's discovery state and cached tools.
type serverEntry struct {
	id            string
	capabilities  []string // configured, if any
	tools         []mcp.Tool
	discovered    bool
	discoveredAt  time.Time
	discoverOrder uint64
}

// Config configures the router: how often undiscovered servers are
// polled, how (capability, task_type) maps onto a concrete tool name,
// and which params fields are routing-only.
type Config struct {
	// DiscoveryInterval is how often undiscovered servers are polled
	// via initialize + tools/list. Zero uses a 5s default.
	DiscoveryInterval time.Duration

	// TaskMapping maps capability -> task_type -> tool name.
	TaskMapping map[string]map[string]string

	// RoutingOnlyFields are stripped from params before tools/call.
	RoutingOnlyFields []string
}

// Caller is the resilient JSON-RPC path the router dispatches through.
// The Manager supplies an implementation that resolves a server id to
// its transport and applies circuit breaking / retry.
type Caller interface {
	Call(serverID, method string, params interface{}) (json.RawMessage, error)
}

type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// CallToolResult is mcp-go's tools/call result type, for callers that
// decode the raw JSON ExecuteTask returns.
type CallToolResult = mcp.CallToolResult
