// Package gateway is the downstream-facing MCP server. It re-exposes the
// aggregated catalog (or, in lazy mode, the three discovery meta-tools) over
// streamable HTTP or stdio, scopes every request to its session's
// tag/preset filter, and keeps the advertised tool set in sync with upstream
// capability changes through batch AddTools/DeleteTools reconciliation.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"onemcp/internal/ctxprop"
	"onemcp/internal/lazyload"
	"onemcp/internal/metatool"
	"onemcp/internal/pagination"
	"onemcp/internal/preset"
	"onemcp/internal/serverindex"
	"onemcp/internal/session"
	"onemcp/internal/toolregistry"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// SessionIDHeader carries the downstream session id.
const SessionIDHeader = "mcp-session-id"

// Options configure a gateway Server.
type Options struct {
	Name    string
	Version string
	Host    string
	Port    int
}

// Server multiplexes downstream MCP clients onto the aggregation core.
type Server struct {
	opts     Options
	orch     *lazyload.Orchestrator
	sessions *session.Manager
	presets  *preset.Store // may be nil when no preset file is configured
	index    func() *serverindex.Index
	clients  metatool.ClientSource
	identity *ctxprop.IdentitySnapshot

	mu           sync.Mutex
	mcpServer    *mcpserver.MCPServer
	httpServer   *http.Server
	exposedTools map[string]struct{}
}

// New assembles a gateway over the aggregation core.
func New(opts Options, orch *lazyload.Orchestrator, sessions *session.Manager, presets *preset.Store, index func() *serverindex.Index, clients metatool.ClientSource) *Server {
	return &Server{
		opts:         opts,
		orch:         orch,
		sessions:     sessions,
		presets:      presets,
		index:        index,
		clients:      clients,
		identity:     ctxprop.NewIdentitySnapshot(opts.Version),
		exposedTools: make(map[string]struct{}),
	}
}

// Identity exposes the client-identity snapshot so upstream HTTP clients can
// install its header provider.
func (s *Server) Identity() *ctxprop.IdentitySnapshot { return s.identity }

// InitializeResult is handed to the session manager as the persisted
// initialize response for every new session.
func (s *Server) InitializeResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.Implementation{Name: s.opts.Name, Version: s.opts.Version},
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: s.orch.ShouldNotifyListChanged()},
		},
	}
}

// buildMCPServer constructs the mcp-go server with its hooks. It registers
// no tools; SyncTools does that.
func (s *Server) buildMCPServer() *mcpserver.MCPServer {
	hooks := &mcpserver.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		s.identity.SetClient(ctxprop.ClientInfo{
			Name:    message.Params.ClientInfo.Name,
			Version: message.Params.ClientInfo.Version,
		})
	})

	srv := mcpserver.NewMCPServer(
		s.opts.Name,
		s.opts.Version,
		mcpserver.WithToolCapabilities(s.orch.ShouldNotifyListChanged()),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	return srv
}

// SyncTools reconciles the advertised tool set with the orchestrator's
// current capabilities: new tools are added in one batch, vanished tools
// deleted in one batch, mirroring how upstream changes become client
// list_changed notifications.
func (s *Server) SyncTools() {
	s.mu.Lock()
	srv := s.mcpServer
	s.mu.Unlock()
	if srv == nil {
		return
	}

	caps := s.orch.GetCapabilities()
	var toAdd []mcpserver.ServerTool
	next := make(map[string]struct{}, len(caps.Tools))
	for _, tool := range caps.Tools {
		next[tool.Name] = struct{}{}
	}

	s.mu.Lock()
	for _, tool := range caps.Tools {
		if _, ok := s.exposedTools[tool.Name]; ok {
			continue
		}
		toAdd = append(toAdd, mcpserver.ServerTool{Tool: tool, Handler: s.toolHandler(tool.Name)})
	}
	var toDelete []string
	for name := range s.exposedTools {
		if _, ok := next[name]; !ok {
			toDelete = append(toDelete, name)
		}
	}
	s.exposedTools = next
	s.mu.Unlock()

	if len(toDelete) > 0 {
		srv.DeleteTools(toDelete...)
	}
	if len(toAdd) > 0 {
		srv.AddTools(toAdd...)
	}
}

// toolHandler builds the handler for one advertised tool. Meta-tools go
// through a session-scoped provider; everything else routes straight to its
// upstream.
func (s *Server) toolHandler(toolName string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := s.sessionFromContext(ctx)
		ctx = s.contextWithSession(ctx, sess)

		if s.orch.IsMetaTool(toolName) {
			return s.callMetaTool(ctx, sess, toolName, req)
		}
		return s.callUpstreamTool(ctx, sess, toolName, req)
	}
}

func (s *Server) callMetaTool(ctx context.Context, sess *session.InboundSession, toolName string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]interface{})

	provider := s.orch.Provider()
	if allowed, restricted := s.allowedServersFor(sess); restricted {
		// A scoped provider per call: cache and registry thunk are shared,
		// only the admission set differs.
		provider = metatool.NewProvider(s.orch.Registry, s.orch.Cache(), s.clients)
		provider.SetAllowedServers(allowed)
	}

	result, err := provider.Call(ctx, toolName, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// callUpstreamTool handles eager-mode tools named "<server>_<tool>".
func (s *Server) callUpstreamTool(ctx context.Context, sess *session.InboundSession, toolName string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	server, tool, ok := s.splitToolName(toolName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("tool %q not found", toolName)), nil
	}
	if allowed, restricted := s.allowedServersFor(sess); restricted {
		if _, ok := allowed[server]; !ok {
			return mcp.NewToolResultError(fmt.Sprintf("server %q not found", server)), nil
		}
	}
	client, ok := s.clients.Client(server)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("server %q not found", server)), nil
	}
	args, _ := req.Params.Arguments.(map[string]interface{})
	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result, nil
}

// splitToolName resolves "<server>_<tool>" against the live registry. Server
// names may themselves contain underscores, so the registry decides where
// the split is.
func (s *Server) splitToolName(name string) (server, tool string, ok bool) {
	reg := s.orch.Registry()
	for _, srv := range reg.GetServers() {
		prefix := srv + "_"
		if len(name) > len(prefix) && name[:len(prefix)] == prefix && reg.HasTool(srv, name[len(prefix):]) {
			return srv, name[len(prefix):], true
		}
	}
	return "", "", false
}

// sessionFromContext maps the transport-level session id onto an
// InboundSession, creating an unfiltered one on first contact.
func (s *Server) sessionFromContext(ctx context.Context) *session.InboundSession {
	id := ""
	if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
		id = cs.SessionID()
	}
	if id == "" {
		id = "stdio"
	}
	if sess, ok := s.sessions.GetSession(id); ok {
		return sess
	}
	if restored := s.sessions.RestoreSession(id); restored.ErrorType == session.RestoreOK {
		return restored.Session
	}
	return s.sessions.CreateSession(session.Config{}, nil, id).Session
}

func (s *Server) contextWithSession(ctx context.Context, sess *session.InboundSession) context.Context {
	data := sess.Context()
	if data == nil {
		data = &ctxprop.ContextData{}
	}
	stamped := *data
	stamped.SessionID = sess.ID
	if client, ok := s.identity.Client(); ok {
		stamped.Transport = &ctxprop.TransportInfo{Type: "mcp", Client: &client}
	}
	return ctxprop.WithContextData(ctx, &stamped)
}

// allowedServersFor evaluates a session's preset or tag filter against the
// current index. restricted is false for sessions with no filter at all.
func (s *Server) allowedServersFor(sess *session.InboundSession) (map[string]struct{}, bool) {
	if sess == nil {
		return nil, false
	}
	idx := s.index()
	if sess.Config.PresetName != "" && s.presets != nil {
		ast, err := s.presets.ResolveAST(sess.Config.PresetName)
		if err != nil {
			logging.Warn("Gateway", "session %s references unknown preset %s; admitting nothing",
				logging.TruncateSessionID(sess.ID), sess.Config.PresetName)
			return map[string]struct{}{}, true
		}
		return idx.Evaluate(ast), true
	}
	if len(sess.Config.Tags) > 0 {
		return idx.ByAnyTag(sess.Config.Tags), true
	}
	return nil, false
}

// ListToolsPaged serves a unified tools listing for sessions that opted into
// pagination, one upstream call per page.
func (s *Server) ListToolsPaged(ctx context.Context, sess *session.InboundSession, cursor string) (pagination.Page[toolregistry.ToolMetadata], error) {
	allowed, restricted := s.allowedServersFor(sess)
	servers := func() []string {
		var names []string
		for _, snap := range s.clients.Entries() {
			if snap.Status != upstream.Connected {
				continue
			}
			if restricted {
				if _, ok := allowed[snap.Name]; !ok {
					continue
				}
			}
			names = append(names, snap.Name)
		}
		sort.Strings(names)
		return names
	}
	fetch := func(ctx context.Context, server, inner string) ([]toolregistry.ToolMetadata, string, error) {
		client, ok := s.clients.Client(server)
		if !ok {
			return nil, "", &upstream.NotFoundError{Name: server}
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, "", &upstream.UpstreamError{Name: server, Err: err}
		}
		metas := make([]toolregistry.ToolMetadata, 0, len(tools))
		for _, tool := range tools {
			metas = append(metas, toolregistry.ToolMetadata{Server: server, Name: tool.Name, Description: tool.Description})
		}
		return metas, "", nil
	}
	router := pagination.NewRouter(servers, fetch)
	if sess != nil && sess.Config.EnablePagination {
		return router.Next(ctx, cursor)
	}
	all, err := router.CollectAll(ctx)
	return pagination.Page[toolregistry.ToolMetadata]{Items: all}, err
}

// Start brings the gateway up on streamable HTTP. Systemd socket activation
// is honored when present; otherwise the configured host:port is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	s.mcpServer = s.buildMCPServer()
	s.mu.Unlock()

	s.SyncTools()

	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	listener, err := s.listener(httpServer.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("Gateway", err, "HTTP server stopped")
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("Gateway", "sd_notify failed: %v", err)
	} else if sent {
		logging.Debug("Gateway", "notified systemd of readiness")
	}
	logging.Info("Gateway", "serving MCP on %s/mcp", httpServer.Addr)
	return nil
}

// listener prefers a systemd-activated socket over binding addr directly.
func (s *Server) listener(addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		logging.Warn("Gateway", "could not query systemd activation sockets: %v", err)
	}
	if len(listeners) > 0 && listeners[0] != nil {
		logging.Info("Gateway", "using systemd-activated socket")
		return listeners[0], nil
	}
	return net.Listen("tcp", addr)
}

// ServeStdio runs the gateway over stdio for desktop-client proxy mode,
// blocking until the stream closes or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer == nil {
		s.mcpServer = s.buildMCPServer()
	}
	srv := s.mcpServer
	s.mu.Unlock()

	s.SyncTools()
	return mcpserver.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout)
}

// Stop shuts the HTTP listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return httpServer.Shutdown(ctx)
}
