package router

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mcpbridge/internal/events"
	"mcpbridge/internal/mcperr"
	"mcpbridge/pkg/logging"
	pstrings "mcpbridge/pkg/strings"
)

const defaultDiscoveryInterval = 5 * time.Second

// Router maintains the capability -> server mapping and dispatches
// ExecuteTask calls through a resilient caller.
type Router struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	caller  Caller
	bus     *events.Bus
	cfg     Config

	cron     *cron.Cron
	entryID  cron.EntryID
	orderSeq uint64

	unsub func()
}

// New constructs a Router. bus may be nil; when supplied, the router
// subscribes to server-spawned events to trigger discovery refresh.
func New(caller Caller, bus *events.Bus, cfg Config) *Router {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}
	r := &Router{
		servers: make(map[string]*serverEntry),
		caller:  caller,
		bus:     bus,
		cfg:     cfg,
		cron:    cron.New(),
	}

	spec := "@every " + cfg.DiscoveryInterval.String()
	id, err := r.cron.AddFunc(spec, r.discoverAll)
	if err != nil {
		logging.Error("router", err, "failed to schedule discovery")
	}
	r.entryID = id
	r.cron.Start()

	if bus != nil {
		spawnedCh, unsubSpawned := bus.Subscribe(events.ByName("server.spawned"))
		crashedCh, unsubCrashed := bus.Subscribe(events.ByName("server.crashed"))
		r.unsub = func() {
			unsubSpawned()
			unsubCrashed()
		}
		go func() {
			for ev := range spawnedCh {
				r.discoverOne(ev.ServerID)
			}
		}()
		go func() {
			for ev := range crashedCh {
				r.Unregister(ev.ServerID)
			}
		}()
	}

	return r
}

// Register adds a server to the pending-discovery set. capabilities is
// an optional configuration-supplied capability list; when empty, the
// router derives capabilities purely from discovered tool names.
func (r *Router) Register(serverID string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[serverID] = &serverEntry{id: serverID, capabilities: capabilities}
}

// Unregister drops a server from the capability map entirely.
func (r *Router) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
}

// Stop halts the discovery scheduler and event subscription.
func (r *Router) Stop() {
	r.cron.Stop()
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *Router) discoverAll() {
	r.mu.RLock()
	var pending []string
	for id, e := range r.servers {
		if !e.discovered {
			pending = append(pending, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range pending {
		r.discoverOne(id)
	}
}

func (r *Router) discoverOne(serverID string) {
	r.mu.RLock()
	_, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if _, err := r.caller.Call(serverID, "initialize", map[string]interface{}{}); err != nil {
		logging.Warn("router", "initialize failed for %s: %v", serverID, err)
		return
	}

	raw, err := r.caller.Call(serverID, "tools/list", map[string]interface{}{})
	if err != nil {
		logging.Warn("router", "tools/list failed for %s: %v", serverID, err)
		return
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		logging.Warn("router", "tools/list malformed response from %s: %v", serverID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[serverID]
	if !ok {
		return
	}
	e.tools = result.Tools
	e.discovered = true
	e.discoveredAt = time.Now()
	r.orderSeq++
	e.discoverOrder = r.orderSeq
	logging.Info("router", "discovered %d tools on %s", len(result.Tools), serverID)
	for _, t := range result.Tools {
		logging.Debug("router", "  %s: %s", t.Name, pstrings.TruncateDescription(t.Description, pstrings.DefaultDescriptionMaxLen))
	}
}

// serversForCapability returns candidate server ids for a capability,
// ordered most-recently-discovered first then lowest id lexically.
func (r *Router) serversForCapability(capability string) []string {
	type candidate struct {
		id    string
		order uint64
	}
	var matches []candidate
	for id, e := range r.servers {
		if !e.discovered {
			continue
		}
		if hasCapability(e, capability) {
			matches = append(matches, candidate{id: id, order: e.discoverOrder})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].order != matches[j].order {
			return matches[i].order > matches[j].order
		}
		return matches[i].id < matches[j].id
	})
	ids := make([]string, len(matches))
	for i, c := range matches {
		ids[i] = c.id
	}
	return ids
}

func hasCapability(e *serverEntry, capability string) bool {
	for _, c := range e.capabilities {
		if c == capability {
			return true
		}
	}
	for _, t := range e.tools {
		if toolCapability(t.Name) == capability {
			return true
		}
	}
	return false
}

// toolCapability derives a capability name from a tool name by
// convention: the portion before the first '.', or the whole name when
// there is no separator.
func toolCapability(toolName string) string {
	if i := strings.IndexByte(toolName, '.'); i >= 0 {
		return toolName[:i]
	}
	return toolName
}

// ExecuteTask dispatches a capability/task_type invocation to the
// highest-priority server advertising that capability.
func (r *Router) ExecuteTask(ctx context.Context, capability, taskType string, params map[string]interface{}) (json.RawMessage, error) {
	r.mu.RLock()
	candidates := r.serversForCapability(capability)
	mapping := r.cfg.TaskMapping[capability]
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, &mcperr.CapabilityNotFoundError{Capability: capability}
	}

	toolName, ok := mapping[taskType]
	if !ok {
		return nil, &mcperr.UnknownTaskTypeError{Capability: capability, TaskType: taskType}
	}

	sanitized := stripRoutingFields(params, r.cfg.RoutingOnlyFields)

	serverID := candidates[0]
	return r.caller.Call(serverID, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": sanitized,
	})
}

func stripRoutingFields(params map[string]interface{}, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	skip := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		skip[f] = struct{}{}
	}
	for k, v := range params {
		if _, drop := skip[k]; drop {
			continue
		}
		out[k] = v
	}
	return out
}
