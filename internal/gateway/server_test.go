package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/capability"
	"onemcp/internal/config"
	"onemcp/internal/ctxprop"
	"onemcp/internal/lazyload"
	"onemcp/internal/preset"
	"onemcp/internal/serverindex"
	"onemcp/internal/session"
	"onemcp/internal/upstream"
)

type stubClient struct {
	tools []mcp.Tool
}

func (s *stubClient) Initialize(context.Context) error              { return nil }
func (s *stubClient) Close() error                                  { return nil }
func (s *stubClient) ListTools(context.Context) ([]mcp.Tool, error) { return s.tools, nil }
func (s *stubClient) CallTool(_ context.Context, name string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ran " + name), nil
}
func (s *stubClient) ListResources(context.Context) ([]mcp.Resource, error) { return nil, nil }
func (s *stubClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return nil, nil
}
func (s *stubClient) ListPrompts(context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (s *stubClient) GetPrompt(context.Context, string, map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (s *stubClient) Ping(context.Context) error { return nil }

type stubSource struct {
	clients map[string]*stubClient
	tags    map[string][]string
}

func (s *stubSource) Entries() []upstream.Snapshot {
	out := make([]upstream.Snapshot, 0, len(s.clients))
	for name := range s.clients {
		out = append(out, upstream.Snapshot{
			Name:       name,
			Status:     upstream.Connected,
			Descriptor: config.ServerDescriptor{Name: name, Tags: s.tags[name]},
		})
	}
	return out
}

func (s *stubSource) Client(name string) (upstream.Client, bool) {
	c, ok := s.clients[name]
	return c, ok
}

type fixture struct {
	server   *Server
	sessions *session.Manager
	presets  *preset.Store
	source   *stubSource
}

func newFixture(t *testing.T, lazy bool) *fixture {
	t.Helper()
	source := &stubSource{
		clients: map[string]*stubClient{
			"fs": {tools: []mcp.Tool{
				{Name: "read", InputSchema: mcp.ToolInputSchema{Type: "object"}},
				{Name: "write", InputSchema: mcp.ToolInputSchema{Type: "object"}},
			}},
			"db": {tools: []mcp.Tool{
				{Name: "query", InputSchema: mcp.ToolInputSchema{Type: "object"}},
			}},
		},
		tags: map[string][]string{"fs": {"files"}, "db": {"data"}},
	}

	cfg := config.LazyLoadingConfig{
		Enabled: lazy,
		Cache:   config.CacheConfig{MaxEntries: 100, TTL: config.Duration(time.Hour)},
	}
	orch := lazyload.New(cfg, capability.New(source), source)
	require.NoError(t, orch.Initialize(context.Background()))

	index := func() *serverindex.Index {
		descs := make(map[string]config.ServerDescriptor)
		for _, snap := range source.Entries() {
			descs[snap.Name] = snap.Descriptor
		}
		return serverindex.Build(descs, 1)
	}

	presets, err := preset.NewStore(filepath.Join(t.TempDir(), "presets.json"), index)
	require.NoError(t, err)

	var srv *Server
	sessions := session.NewManager(nil, func() *mcp.InitializeResult { return srv.InitializeResult() })
	srv = New(Options{Name: "onemcp", Version: "1.0.0"}, orch, sessions, presets, index, source)
	return &fixture{server: srv, sessions: sessions, presets: presets, source: source}
}

func TestInitializeResultAdvertisesStaticToolListInLazyMode(t *testing.T) {
	f := newFixture(t, true)
	res := f.server.InitializeResult()
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	require.NotNil(t, res.Capabilities.Tools)
	assert.False(t, res.Capabilities.Tools.ListChanged)
}

func TestSplitToolNameUsesRegistry(t *testing.T) {
	f := newFixture(t, false)
	server, tool, ok := f.server.splitToolName("fs_read")
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read", tool)

	_, _, ok = f.server.splitToolName("fs_nope")
	assert.False(t, ok)
}

func TestAllowedServersForTagFilter(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{Tags: []string{"files"}}, nil, "")

	allowed, restricted := f.server.allowedServersFor(created.Session)
	require.True(t, restricted)
	assert.Contains(t, allowed, "fs")
	assert.NotContains(t, allowed, "db")
}

func TestAllowedServersForPreset(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.presets.Save("p1", preset.Config{
		Strategy: preset.StrategySimpleOr,
		Tags:     []string{"files"},
	}))
	created := f.sessions.CreateSession(session.Config{PresetName: "p1"}, nil, "")

	allowed, restricted := f.server.allowedServersFor(created.Session)
	require.True(t, restricted)
	assert.Equal(t, map[string]struct{}{"fs": {}}, allowed)
}

func TestAllowedServersForUnknownPresetAdmitsNothing(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{PresetName: "ghost"}, nil, "")

	allowed, restricted := f.server.allowedServersFor(created.Session)
	assert.True(t, restricted)
	assert.Empty(t, allowed)
}

func TestUnfilteredSessionIsUnrestricted(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{}, nil, "")
	_, restricted := f.server.allowedServersFor(created.Session)
	assert.False(t, restricted)
}

func TestListToolsPagedWalksAllUpstreams(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{EnablePagination: true}, nil, "")

	var names []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := f.server.ListToolsPaged(context.Background(), created.Session, cursor)
		require.NoError(t, err)
		for _, tm := range page.Items {
			names = append(names, tm.Server+"/"+tm.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"db/query", "fs/read", "fs/write"}, names)
}

func TestListToolsPagedRespectsSessionFilter(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{Tags: []string{"data"}}, nil, "")

	page, err := f.server.ListToolsPaged(context.Background(), created.Session, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "query", page.Items[0].Name)
	assert.Empty(t, page.NextCursor)
}

func TestContextWithSessionStampsIdentity(t *testing.T) {
	f := newFixture(t, true)
	created := f.sessions.CreateSession(session.Config{}, &ctxprop.ContextData{
		User: &ctxprop.UserInfo{Username: "alice"},
	}, "")
	f.server.Identity().SetClient(ctxprop.ClientInfo{Name: "cli", Version: "0.1"})

	ctx := f.server.contextWithSession(context.Background(), created.Session)
	data, ok := ctxprop.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, created.Session.ID, data.SessionID)
	assert.Equal(t, "alice", data.User.Username)
	require.NotNil(t, data.Transport)
	assert.Equal(t, "cli", data.Transport.Client.Name)
}
