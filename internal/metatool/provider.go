// Package metatool exposes the three discovery tools downstream clients see
// when lazy loading is enabled: tool_list (paged registry view), tool_schema
// (on-demand schema fetch through the cache) and tool_invoke (routed
// execution). Results are fully-shaped structured unions: errors appear as a
// nested error field, never as a raised protocol error, and the payload
// field is always present even when empty.
package metatool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/apierr"
	"onemcp/internal/schemacache"
	"onemcp/internal/toolregistry"
	"onemcp/internal/upstream"
	pkgstrings "onemcp/pkg/strings"
)

// Meta-tool names.
const (
	NameToolList   = "tool_list"
	NameToolSchema = "tool_schema"
	NameToolInvoke = "tool_invoke"
)

// listDescriptionMaxLen keeps tool_list responses light; the full
// description travels with the schema instead.
const listDescriptionMaxLen = 200

// ErrorInfo is the structured error carried inside a meta-tool result.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ListResult is tool_list's response shape.
type ListResult struct {
	Tools      []toolregistry.ToolMetadata `json:"tools"`
	TotalCount int                         `json:"totalCount"`
	Servers    []string                    `json:"servers"`
	HasMore    bool                        `json:"hasMore"`
	NextCursor string                      `json:"nextCursor,omitempty"`
	Error      *ErrorInfo                  `json:"error,omitempty"`
}

// SchemaResult is tool_schema's response shape.
type SchemaResult struct {
	Server   string     `json:"server"`
	ToolName string     `json:"toolName"`
	Schema   any        `json:"schema"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// InvokeResult is tool_invoke's response shape.
type InvokeResult struct {
	Result any        `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ClientSource is the slice of the upstream supervisor the provider routes
// through.
type ClientSource interface {
	Client(name string) (upstream.Client, bool)
	Entries() []upstream.Snapshot
}

// RegistryFunc supplies the current tool registry. A thunk rather than a
// stored reference, so a capability refresh swaps the registry without the
// provider noticing.
type RegistryFunc func() *toolregistry.Registry

// Provider implements the three meta-tools.
type Provider struct {
	registry RegistryFunc
	cache    *schemacache.Cache
	clients  ClientSource

	mu      sync.RWMutex
	allowed map[string]struct{} // nil means unrestricted
}

// NewProvider builds a Provider over the given collaborators.
func NewProvider(registry RegistryFunc, cache *schemacache.Cache, clients ClientSource) *Provider {
	return &Provider{registry: registry, cache: cache, clients: clients}
}

// SetAllowedServers restricts (or, with nil, unrestricts) which servers this
// provider answers for. Used to scope a provider to a session's tag filter.
func (p *Provider) SetAllowedServers(allowed map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = allowed
}

func (p *Provider) allowedSet() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowed
}

// currentRegistry returns the registry, filtered to the allowed set when one
// is installed.
func (p *Provider) currentRegistry() *toolregistry.Registry {
	reg := p.registry()
	if reg == nil {
		reg = toolregistry.Build(nil)
	}
	if allowed := p.allowedSet(); allowed != nil {
		reg = reg.FilterByServers(allowed)
	}
	return reg
}

// IsMetaTool reports whether name is one of the three meta-tools.
func IsMetaTool(name string) bool {
	switch name {
	case NameToolList, NameToolSchema, NameToolInvoke:
		return true
	}
	return false
}

// Definitions returns the MCP tool declarations for the three meta-tools.
func Definitions() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        NameToolList,
			Description: "List available tools across all connected MCP servers. Returns lightweight metadata; fetch full schemas with tool_schema.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"server":      map[string]interface{}{"type": "string", "description": "Only list tools from this server"},
					"namePattern": map[string]interface{}{"type": "string", "description": "Case-insensitive substring filter on tool names"},
					"tag":         map[string]interface{}{"type": "string", "description": "Only list tools from servers carrying this tag"},
					"limit":       map[string]interface{}{"type": "number", "description": "Maximum number of tools to return"},
					"cursor":      map[string]interface{}{"type": "string", "description": "Continuation cursor from a previous call"},
				},
			},
		},
		{
			Name:        NameToolSchema,
			Description: "Fetch the full input schema for one tool.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"server":   map[string]interface{}{"type": "string", "description": "Server the tool lives on"},
					"toolName": map[string]interface{}{"type": "string", "description": "Name of the tool"},
				},
				Required: []string{"server", "toolName"},
			},
		},
		{
			Name:        NameToolInvoke,
			Description: "Invoke a tool on an upstream server.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"server":   map[string]interface{}{"type": "string", "description": "Server the tool lives on"},
					"toolName": map[string]interface{}{"type": "string", "description": "Name of the tool to invoke"},
					"args":     map[string]interface{}{"type": "object", "description": "Arguments passed through to the tool"},
				},
				Required: []string{"server", "toolName"},
			},
		},
	}
}

// Call dispatches a meta-tool invocation. The returned value is always one
// of ListResult/SchemaResult/InvokeResult; failures are carried in the
// result's Error field so the wire shape stays stable.
func (p *Provider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case NameToolList:
		return p.toolList(args), nil
	case NameToolSchema:
		return p.toolSchema(ctx, args), nil
	case NameToolInvoke:
		return p.toolInvoke(ctx, args), nil
	default:
		return nil, &apierr.Error{K: apierr.KindNotFound, Msg: fmt.Sprintf("unknown meta-tool %q", name)}
	}
}

func (p *Provider) toolList(args map[string]any) ListResult {
	empty := ListResult{Tools: []toolregistry.ToolMetadata{}, Servers: []string{}}

	var (
		server, namePattern, tag, cursor string
		limit                            int
	)
	if err := firstErr(
		optString(args, "server", &server),
		optString(args, "namePattern", &namePattern),
		optString(args, "tag", &tag),
		optString(args, "cursor", &cursor),
		optInt(args, "limit", &limit),
	); err != nil {
		empty.Error = errorInfo(err)
		return empty
	}

	reg := p.currentRegistry()
	if server != "" && !contains(reg.GetServers(), server) {
		empty.Error = &ErrorInfo{Type: string(apierr.KindNotFound), Message: fmt.Sprintf("server %q not found", server)}
		return empty
	}

	page := reg.ListTools(toolregistry.Filter{
		Server:      server,
		NamePattern: namePattern,
		Tag:         tag,
		Limit:       limit,
		Cursor:      cursor,
	})
	tools := make([]toolregistry.ToolMetadata, len(page.Items))
	for i, tm := range page.Items {
		tm.Description = pkgstrings.TruncateDescription(tm.Description, listDescriptionMaxLen)
		tools[i] = tm
	}
	return ListResult{
		Tools:      tools,
		TotalCount: page.TotalCount,
		Servers:    reg.GetServers(),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
}

func (p *Provider) toolSchema(ctx context.Context, args map[string]any) SchemaResult {
	res := SchemaResult{Schema: map[string]any{}}

	var server, toolName string
	if err := firstErr(
		reqString(args, "server", &server),
		reqString(args, "toolName", &toolName),
	); err != nil {
		res.Error = errorInfo(err)
		return res
	}
	res.Server, res.ToolName = server, toolName

	reg := p.currentRegistry()
	if !reg.HasTool(server, toolName) {
		res.Error = &ErrorInfo{Type: string(apierr.KindNotFound), Message: fmt.Sprintf("tool %s/%s not found", server, toolName)}
		return res
	}

	schema, err := p.cache.GetOrLoad(ctx, server, toolName, p.SchemaLoader())
	if err != nil {
		res.Error = errorInfo(err)
		return res
	}
	res.Schema = schema
	return res
}

// SchemaLoader fetches one tool's declared input schema by listing the
// owning server's tools. The result is cached, so repeated tool_schema
// calls for the same key stay off the upstream.
func (p *Provider) SchemaLoader() schemacache.Loader {
	return func(ctx context.Context, key schemacache.Key) (any, error) {
		client, internalName, err := p.resolveClient(key.Server)
		if err != nil {
			return nil, err
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, &upstream.UpstreamError{Name: internalName, Err: err}
		}
		for _, tool := range tools {
			if tool.Name == key.Tool {
				return tool.InputSchema, nil
			}
		}
		return nil, &apierr.Error{K: apierr.KindNotFound, Msg: fmt.Sprintf("tool %s/%s not found", key.Server, key.Tool)}
	}
}

func (p *Provider) toolInvoke(ctx context.Context, args map[string]any) InvokeResult {
	res := InvokeResult{Result: map[string]any{}}

	var server, toolName string
	if err := firstErr(
		reqString(args, "server", &server),
		reqString(args, "toolName", &toolName),
	); err != nil {
		res.Error = errorInfo(err)
		return res
	}
	toolArgs, err := optObject(args, "args")
	if err != nil {
		res.Error = errorInfo(err)
		return res
	}

	if allowed := p.allowedSet(); allowed != nil {
		if _, ok := allowed[server]; !ok {
			res.Error = &ErrorInfo{Type: string(apierr.KindNotFound), Message: fmt.Sprintf("server %q not found", server)}
			return res
		}
	}

	client, internalName, resolveErr := p.resolveClient(server)
	if resolveErr != nil {
		res.Error = errorInfo(resolveErr)
		return res
	}

	result, callErr := client.CallTool(ctx, toolName, toolArgs)
	if callErr != nil {
		res.Error = errorInfo(&upstream.UpstreamError{Name: internalName, Err: callErr})
		return res
	}
	res.Result = result
	return res
}

// resolveClient maps a clean downstream server name onto a live client.
// Connections may be keyed internally with a suffix ("name:hash"), so a
// direct miss falls back to a linear scan for a prefixed entry.
func (p *Provider) resolveClient(clean string) (upstream.Client, string, error) {
	if client, ok := p.clients.Client(clean); ok {
		return client, clean, nil
	}
	prefix := clean + ":"
	for _, snap := range p.clients.Entries() {
		if strings.HasPrefix(snap.Name, prefix) {
			if client, ok := p.clients.Client(snap.Name); ok {
				return client, snap.Name, nil
			}
		}
	}
	return nil, "", &upstream.NotFoundError{Name: clean}
}

// errorInfo maps an error onto the wire taxonomy. Unclassified errors
// surface as upstream failures rather than leaking internals.
func errorInfo(err error) *ErrorInfo {
	kind := apierr.KindOf(err)
	if kind == apierr.KindInternal {
		kind = apierr.KindUpstream
	}
	return &ErrorInfo{Type: string(kind), Message: err.Error()}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
