package ctxprop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextDataRoundTripsThroughContext(t *testing.T) {
	data := &ContextData{
		SessionID: "stream-0123456789abcdef",
		User:      &UserInfo{Username: "alice"},
	}
	ctx := WithContextData(context.Background(), data)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestFromContextWithoutData(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestInjectMetaAttachesContextField(t *testing.T) {
	ctx := WithContextData(context.Background(), &ContextData{SessionID: "s1"})
	meta := InjectMeta(ctx, nil)
	require.NotNil(t, meta)
	injected, ok := meta.AdditionalFields["context"].(*ContextData)
	require.True(t, ok)
	assert.Equal(t, "s1", injected.SessionID)
	assert.False(t, injected.Timestamp.IsZero(), "timestamp is stamped at injection time")
}

func TestInjectMetaWithoutContextIsPassthrough(t *testing.T) {
	assert.Nil(t, InjectMeta(context.Background(), nil))
}

func TestUserAgentWithoutClient(t *testing.T) {
	s := NewIdentitySnapshot("1.0.0")
	assert.Equal(t, "1MCP-Proxy/1.0.0", s.UserAgent())
}

func TestUserAgentWithClientAndTitle(t *testing.T) {
	s := NewIdentitySnapshot("1.0.0")
	s.SetClient(ClientInfo{Name: "claude-desktop", Version: "2.3", Title: "Claude"})
	assert.Equal(t, "1MCP-Proxy/1.0.0 claude-desktop/2.3 (Claude)", s.UserAgent())
}

func TestHeaderProviderTracksIdentityUpdates(t *testing.T) {
	s := NewIdentitySnapshot("1.0.0")
	provider := s.HeaderProvider()

	assert.Equal(t, "1MCP-Proxy/1.0.0", provider()["User-Agent"])

	s.SetClient(ClientInfo{Name: "cli", Version: "0.1"})
	assert.Equal(t, "1MCP-Proxy/1.0.0 cli/0.1", provider()["User-Agent"],
		"headers must reflect identity learned after the provider was handed out")
}
