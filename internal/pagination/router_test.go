package pagination

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedFixture serves per-server item lists in fixed-size upstream pages.
type pagedFixture struct {
	data     map[string][]string
	pageSize int
	calls    int
}

func (f *pagedFixture) fetch(_ context.Context, server, inner string) ([]string, string, error) {
	f.calls++
	items := f.data[server]
	start := 0
	if inner != "" {
		start, _ = strconv.Atoi(inner)
	}
	end := start + f.pageSize
	if f.pageSize <= 0 || end > len(items) {
		end = len(items)
	}
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next, nil
}

func (f *pagedFixture) servers() []string {
	out := make([]string, 0, len(f.data))
	for s := range f.data {
		out = append(out, s)
	}
	return out
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor("fs", "inner-42")
	server, inner, ok := DecodeCursor(c)
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "inner-42", inner)
}

func TestDecodeCursorRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":       "!!!",
		"no separator":     EncodeCursor("fsonly", "")[:8],
		"bad server chars": EncodeCursor("bad name", "x"),
		"over-long":        EncodeCursor("fs", strings.Repeat("x", 2000)),
	}
	for name, cursor := range cases {
		_, _, ok := DecodeCursor(cursor)
		assert.False(t, ok, name)
	}
}

func TestCollectAllConcatenatesInServerOrder(t *testing.T) {
	f := &pagedFixture{
		data:     map[string][]string{"fs": {"read", "write"}, "db": {"query"}},
		pageSize: 1,
	}
	r := NewRouter(f.servers, f.fetch)

	all, err := r.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"query", "read", "write"}, all)
}

func TestPaginatedWalkEqualsCollectAll(t *testing.T) {
	f := &pagedFixture{
		data:     map[string][]string{"fs": {"read", "write"}, "db": {"query"}},
		pageSize: 2,
	}
	r := NewRouter(f.servers, f.fetch)

	all, err := r.CollectAll(context.Background())
	require.NoError(t, err)

	var walked []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := r.Next(context.Background(), cursor)
		require.NoError(t, err)
		walked = append(walked, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, all, walked)
}

func TestNextMakesOneUpstreamCallPerPage(t *testing.T) {
	f := &pagedFixture{
		data:     map[string][]string{"fs": {"read", "write", "list"}, "db": {"query"}},
		pageSize: 2,
	}
	r := NewRouter(f.servers, f.fetch)

	page, err := r.Next(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, []string{"query"}, page.Items)
	require.NotEmpty(t, page.NextCursor)

	// The second server has an inner continuation, so the downstream cursor
	// must keep pointing at it.
	page, err = r.Next(context.Background(), page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, page.Items)
	server, _, ok := DecodeCursor(page.NextCursor)
	require.True(t, ok)
	assert.Equal(t, "fs", server)
}

func TestInvalidCursorRestartsFromBeginning(t *testing.T) {
	f := &pagedFixture{data: map[string][]string{"db": {"query"}}, pageSize: 10}
	r := NewRouter(f.servers, f.fetch)

	page, err := r.Next(context.Background(), "%%%not-a-cursor%%%")
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, page.Items)
}

func TestVanishedServerFallsBackToFirstAvailable(t *testing.T) {
	f := &pagedFixture{data: map[string][]string{"db": {"query"}}, pageSize: 10}
	r := NewRouter(f.servers, f.fetch)

	page, err := r.Next(context.Background(), EncodeCursor("gone", "5"))
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, page.Items)
	assert.Empty(t, page.NextCursor)
}

func TestEmptyServerListYieldsEmptyPage(t *testing.T) {
	r := NewRouter(func() []string { return nil }, func(context.Context, string, string) ([]string, string, error) {
		t.Fatal("fetch must not be called with no servers")
		return nil, "", nil
	})
	page, err := r.Next(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)
}
