// Package toolregistry holds the lightweight name/description/tag metadata
// snapshot for every tool across connected upstreams. A Registry is
// immutable: each capability refresh builds a new one and callers swap
// their reference, which is what makes cursor pagination over it safe.
package toolregistry

import (
	"encoding/base64"
	"sort"
	"strconv"
	"strings"

	"onemcp/internal/tagquery"
)

// ToolMetadata is one tool's registry entry.
type ToolMetadata struct {
	Server      string
	Name        string
	Description string
	Tags        []string
}

// Filter narrows a ListTools call.
type Filter struct {
	Server      string
	NamePattern string // substring match, case-insensitive
	Tag         string
	Limit       int
	Cursor      string
}

// Page is the result of ListTools.
type Page struct {
	Items      []ToolMetadata
	TotalCount int
	HasMore    bool
	NextCursor string
}

// Registry is an immutable snapshot built from every connected upstream's
// listTools result plus tag attribution. A new Registry is built
// wholesale on every capability refresh; callers swap their reference
// rather than mutate an existing Registry.
type Registry struct {
	items     []ToolMetadata // sorted by (server, name)
	byServer  map[string][]int
	hasServer map[string]bool
}

// Build constructs a Registry from a per-server tool list; each entry's tags
// are the ones carried in its ToolMetadata.
func Build(toolsByServer map[string][]ToolMetadata) *Registry {
	r := &Registry{byServer: make(map[string][]int), hasServer: make(map[string]bool)}
	for server := range toolsByServer {
		r.hasServer[server] = true
	}
	for server, tools := range toolsByServer {
		for _, tm := range tools {
			tm.Server = server
			r.items = append(r.items, tm)
		}
	}
	sort.Slice(r.items, func(i, j int) bool {
		if r.items[i].Server != r.items[j].Server {
			return r.items[i].Server < r.items[j].Server
		}
		return r.items[i].Name < r.items[j].Name
	})
	for i, it := range r.items {
		r.byServer[it.Server] = append(r.byServer[it.Server], i)
	}
	return r
}

// Size returns the total tool count.
func (r *Registry) Size() int { return len(r.items) }

// GetServers returns every server name represented in the registry, sorted.
func (r *Registry) GetServers() []string {
	names := make([]string, 0, len(r.hasServer))
	for s := range r.hasServer {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// HasTool reports whether (server, tool) exists.
func (r *Registry) HasTool(server, tool string) bool {
	for _, idx := range r.byServer[server] {
		if r.items[idx].Name == tool {
			return true
		}
	}
	return false
}

// FilterByServers returns a new Registry restricted to the allowed server
// set (used by preset/tag filtering and the meta-tool provider's
// setAllowedServers).
func (r *Registry) FilterByServers(allowed map[string]struct{}) *Registry {
	byServer := make(map[string][]ToolMetadata)
	for server, idxs := range r.byServer {
		if _, ok := allowed[server]; !ok {
			continue
		}
		for _, idx := range idxs {
			byServer[server] = append(byServer[server], r.items[idx])
		}
	}
	return Build(byServer)
}

// cursorData is encoded/decoded as "server:offset".
func encodeCursor(server string, offset int) string {
	raw := server + ":" + strconv.Itoa(offset)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (server string, offset int, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}

// ListTools applies a Filter to the registry, returning a page ordered
// lexicographically by (server, name).
func (r *Registry) ListTools(f Filter) Page {
	matched := r.filtered(f)

	start := 0
	if f.Cursor != "" {
		if server, offset, ok := decodeCursor(f.Cursor); ok {
			start = findOffset(matched, server, offset)
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	page := matched[start:end]
	out := Page{
		Items:      append([]ToolMetadata(nil), page...),
		TotalCount: len(matched),
		HasMore:    end < len(matched),
	}
	if out.HasMore {
		next := matched[end]
		out.NextCursor = encodeCursor(next.Server, indexWithin(matched, end))
	}
	return out
}

// findOffset locates the absolute index in `matched` for a cursor pointing
// at (server, per-server-offset).
func findOffset(matched []ToolMetadata, server string, offset int) int {
	count := 0
	for i, m := range matched {
		if m.Server != server {
			continue
		}
		if count == offset {
			return i
		}
		count++
	}
	return len(matched)
}

func indexWithin(matched []ToolMetadata, absoluteIndex int) int {
	if absoluteIndex >= len(matched) {
		return 0
	}
	server := matched[absoluteIndex].Server
	count := 0
	for i := 0; i < absoluteIndex; i++ {
		if matched[i].Server == server {
			count++
		}
	}
	return count
}

func (r *Registry) filtered(f Filter) []ToolMetadata {
	var out []ToolMetadata
	for _, it := range r.items {
		if f.Server != "" && it.Server != f.Server {
			continue
		}
		if f.NamePattern != "" && !strings.Contains(strings.ToLower(it.Name), strings.ToLower(f.NamePattern)) {
			continue
		}
		if f.Tag != "" {
			tags := tagquery.NewTagSet(it.Tags)
			if _, ok := tags[tagquery.Normalize(f.Tag)]; !ok {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}
