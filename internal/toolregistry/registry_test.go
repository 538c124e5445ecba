package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRegistry() *Registry {
	return Build(map[string][]ToolMetadata{
		"fs": {
			{Name: "read", Tags: []string{"files"}},
			{Name: "write", Tags: []string{"files"}},
		},
		"db": {
			{Name: "query", Tags: []string{"data"}},
		},
	})
}

func TestListToolsOrderingAndTotals(t *testing.T) {
	r := sampleRegistry()
	page := r.ListTools(Filter{})
	require.Len(t, page.Items, 3)
	assert.Equal(t, "db", page.Items[0].Server)
	assert.Equal(t, "query", page.Items[0].Name)
	assert.Equal(t, "fs", page.Items[1].Server)
	assert.Equal(t, "read", page.Items[1].Name)
	assert.Equal(t, "fs", page.Items[2].Server)
	assert.Equal(t, "write", page.Items[2].Name)
	assert.Equal(t, 3, page.TotalCount)
	assert.False(t, page.HasMore)
}

func TestListToolsPaginationRoundTrip(t *testing.T) {
	r := sampleRegistry()

	first := r.ListTools(Filter{Limit: 2})
	require.Len(t, first.Items, 2)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second := r.ListTools(Filter{Limit: 2, Cursor: first.NextCursor})
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)

	var all []ToolMetadata
	all = append(all, first.Items...)
	all = append(all, second.Items...)
	full := r.ListTools(Filter{})
	assert.Equal(t, full.Items, all)
}

func TestListToolsFilterByTag(t *testing.T) {
	r := sampleRegistry()
	page := r.ListTools(Filter{Tag: "data"})
	require.Len(t, page.Items, 1)
	assert.Equal(t, "query", page.Items[0].Name)
}

func TestFilterByServersRestrictsVisibility(t *testing.T) {
	r := sampleRegistry()
	restricted := r.FilterByServers(map[string]struct{}{"fs": {}})
	page := restricted.ListTools(Filter{})
	assert.Len(t, page.Items, 2)
	assert.False(t, restricted.HasTool("db", "query"))
	assert.True(t, restricted.HasTool("fs", "read"))
}

func TestHasToolAndGetServers(t *testing.T) {
	r := sampleRegistry()
	assert.True(t, r.HasTool("fs", "read"))
	assert.False(t, r.HasTool("fs", "missing"))
	assert.Equal(t, []string{"db", "fs"}, r.GetServers())
}
