package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Log-LogN/warden/internal/config"
)

// ErrUnknownTool reports a tool name no connected server advertises.
var ErrUnknownTool = errors.New("unknown tool")

// Descriptor pairs a tool with the server that owns it.
type Descriptor struct {
	Server string `json:"server"`
	Tool   Tool   `json:"tool"`
}

// ServerStatus summarizes one endpoint for health reporting.
type ServerStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Tools     int    `json:"tools"`
}

// Fleet connects the supervisor to every specialist endpoint and routes
// tool calls by name. Refresh rebuilds the tool index; endpoints that
// fail to answer are logged and their tools omitted until the next
// refresh, so one dead specialist never takes down the rest.
type Fleet struct {
	clients []*Client
	logger  *slog.Logger

	mu     sync.RWMutex
	routes map[string]*route
	status []ServerStatus
}

type route struct {
	client *Client
	tool   Tool
}

// NewFleet builds clients for every enabled specialist.
func NewFleet(specs []config.SpecialistConfig, timeout time.Duration, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fleet{
		logger: logger.With("component", "fleet"),
		routes: make(map[string]*route),
	}
	for _, spec := range specs {
		if spec.Disabled {
			continue
		}
		f.clients = append(f.clients, NewClient(spec.Name, spec.BaseURL(), timeout, logger))
	}
	return f
}

// Refresh handshakes every endpoint and rebuilds the tool index. It is
// called at startup and again on SIGHUP. A refresh never returns an
// error: unreachable servers are simply left out of the index.
func (f *Fleet) Refresh(ctx context.Context) {
	routes := make(map[string]*route)
	status := make([]ServerStatus, 0, len(f.clients))

	for _, client := range f.clients {
		st := ServerStatus{Name: client.Name(), URL: client.BaseURL()}

		if _, err := client.Initialize(ctx); err != nil {
			f.logger.Warn("specialist unreachable, omitting its tools",
				"server", client.Name(), "error", err)
			status = append(status, st)
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			f.logger.Warn("tools/list failed, omitting server",
				"server", client.Name(), "error", err)
			status = append(status, st)
			continue
		}

		st.Reachable = true
		st.Tools = len(tools)
		for _, tool := range tools {
			if prev, dup := routes[tool.Name]; dup {
				f.logger.Warn("duplicate tool name, keeping first",
					"tool", tool.Name,
					"kept", prev.client.Name(),
					"ignored", client.Name())
				continue
			}
			routes[tool.Name] = &route{client: client, tool: tool}
		}
		status = append(status, st)
	}

	f.mu.Lock()
	f.routes = routes
	f.status = status
	f.mu.Unlock()

	f.logger.Info("tool index refreshed",
		"servers", len(f.clients), "tools", len(routes))
}

// Resolve returns the client and descriptor for a tool name.
func (f *Fleet) Resolve(tool string) (*Client, Tool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routes[tool]
	if !ok {
		return nil, Tool{}, false
	}
	return r.client, r.tool, true
}

// ServiceFor names the server that owns a tool, or "" when unindexed.
func (f *Fleet) ServiceFor(tool string) string {
	client, _, ok := f.Resolve(tool)
	if !ok {
		return ""
	}
	return client.Name()
}

// CallTool routes a tool call to the owning server.
func (f *Fleet) CallTool(ctx context.Context, tool string, args map[string]any) (*CallToolResult, error) {
	client, _, ok := f.Resolve(tool)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return client.CallTool(ctx, tool, args)
}

// Descriptors returns every indexed tool, sorted by server then name.
func (f *Fleet) Descriptors() []Descriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Descriptor, 0, len(f.routes))
	for _, r := range f.routes {
		out = append(out, Descriptor{Server: r.client.Name(), Tool: r.tool})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// Status reports each configured endpoint as of the last refresh.
func (f *Fleet) Status() []ServerStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ServerStatus(nil), f.status...)
}
