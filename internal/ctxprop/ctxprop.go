// Package ctxprop attaches caller context to outbound MCP requests. Every
// request carries a structured ContextData under params._meta.context so
// upstreams can attribute work to a session, user and project. For HTTP
// upstreams the downstream client's identity is additionally reflected in
// the outbound User-Agent header, via a dynamic header snapshot that can be
// updated after connections are already open.
package ctxprop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// proxyProduct is the User-Agent product token.
const proxyProduct = "1MCP-Proxy"

// ProjectInfo identifies the project a request acts on behalf of.
type ProjectInfo struct {
	Name   string            `json:"name,omitempty"`
	Path   string            `json:"path,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Custom map[string]any    `json:"custom,omitempty"`
}

// UserInfo identifies the human behind a session.
type UserInfo struct {
	UID      string `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ClientInfo is the downstream MCP client's self-reported identity,
// captured from its initialize message.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Title   string `json:"title,omitempty"`
}

// TransportInfo describes the downstream transport a request arrived over.
type TransportInfo struct {
	Type   string      `json:"type,omitempty"`
	Client *ClientInfo `json:"client,omitempty"`
}

// ContextData is the per-request context injected into params._meta.context.
type ContextData struct {
	SessionID   string            `json:"sessionId,omitempty"`
	Project     *ProjectInfo      `json:"project,omitempty"`
	User        *UserInfo         `json:"user,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Transport   *TransportInfo    `json:"transport,omitempty"`
}

type contextKey struct{}

// WithContextData returns a ctx carrying data; the upstream client layer
// reads it back out at call time.
func WithContextData(ctx context.Context, data *ContextData) context.Context {
	return context.WithValue(ctx, contextKey{}, data)
}

// FromContext extracts the attached ContextData, if any.
func FromContext(ctx context.Context) (*ContextData, bool) {
	data, ok := ctx.Value(contextKey{}).(*ContextData)
	return data, ok && data != nil
}

// InjectMeta merges the context carried by ctx into an MCP request meta
// block, returning the (possibly newly-allocated) meta. A nil return means
// there was nothing to inject and no meta existed.
func InjectMeta(ctx context.Context, meta *mcp.Meta) *mcp.Meta {
	data, ok := FromContext(ctx)
	if !ok {
		return meta
	}
	if meta == nil {
		meta = &mcp.Meta{}
	}
	if meta.AdditionalFields == nil {
		meta.AdditionalFields = make(map[string]any)
	}
	stamped := *data
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = time.Now()
	}
	meta.AdditionalFields["context"] = &stamped
	return meta
}

// IdentitySnapshot holds the downstream client identity once it becomes
// known, and derives the outbound User-Agent from it. HTTP clients read the
// snapshot through a header provider on every request, so identity learned
// after the connection opened still reaches the wire without a reconnect.
type IdentitySnapshot struct {
	mu      sync.RWMutex
	version string
	client  *ClientInfo
}

// NewIdentitySnapshot creates a snapshot for this proxy version.
func NewIdentitySnapshot(version string) *IdentitySnapshot {
	return &IdentitySnapshot{version: version}
}

// SetClient records the downstream client identity captured from its
// initialize message.
func (s *IdentitySnapshot) SetClient(info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = &info
}

// Client returns the recorded identity, if any.
func (s *IdentitySnapshot) Client() (ClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return ClientInfo{}, false
	}
	return *s.client, true
}

// UserAgent renders "1MCP-Proxy/<ver>[ <client>/<cliver>[ (<title>)]]".
func (s *IdentitySnapshot) UserAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ua := fmt.Sprintf("%s/%s", proxyProduct, s.version)
	if s.client == nil || s.client.Name == "" {
		return ua
	}
	ua += " " + s.client.Name
	if s.client.Version != "" {
		ua += "/" + s.client.Version
	}
	if s.client.Title != "" {
		ua += " (" + s.client.Title + ")"
	}
	return ua
}

// HeaderProvider adapts the snapshot to the upstream HTTP client's dynamic
// header hook.
func (s *IdentitySnapshot) HeaderProvider() func() map[string]string {
	return func() map[string]string {
		return map[string]string{"User-Agent": s.UserAgent()}
	}
}
