// Package pagination presents list results spanning many upstream servers
// as a single paged view. A downstream cursor is the base64 of
// "serverName:innerCursor", where the inner cursor is whatever the upstream
// handed back (possibly empty). Invalid cursors are logged and treated as
// "start from the beginning" rather than failing the request.
package pagination

import (
	"context"
	"encoding/base64"
	"regexp"
	"sort"
	"strings"

	"onemcp/pkg/logging"
)

// maxCursorLength bounds the combined decoded cursor.
const maxCursorLength = 1000

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// EncodeCursor packs a server name and its inner cursor into one opaque
// downstream cursor.
func EncodeCursor(server, inner string) string {
	return base64.StdEncoding.EncodeToString([]byte(server + ":" + inner))
}

// DecodeCursor unpacks a downstream cursor. ok is false for anything
// malformed: undecodable base64, a missing separator, an invalid server
// name, or an over-long payload.
func DecodeCursor(cursor string) (server, inner string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", false
	}
	if len(raw) > maxCursorLength {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	if !serverNamePattern.MatchString(parts[0]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// FetchFunc retrieves one upstream's page of items. innerCursor is empty for
// that upstream's first page; a non-empty returned nextInner means the same
// upstream has more.
type FetchFunc[T any] func(ctx context.Context, server, innerCursor string) (items []T, nextInner string, err error)

// Page is one downstream response.
type Page[T any] struct {
	Items      []T
	NextCursor string // empty when exhausted
}

// Router fans list requests out over the currently-known servers.
type Router[T any] struct {
	servers func() []string // current server names, any order
	fetch   FetchFunc[T]
}

// NewRouter builds a Router. servers is consulted on every call so the
// router always sees the live map.
func NewRouter[T any](servers func() []string, fetch FetchFunc[T]) *Router[T] {
	return &Router[T]{servers: servers, fetch: fetch}
}

// CollectAll iterates every server in name order and concatenates all items:
// the non-paginated mode. Per-server errors propagate.
func (r *Router[T]) CollectAll(ctx context.Context) ([]T, error) {
	var out []T
	for _, server := range r.sortedServers() {
		inner := ""
		for {
			items, next, err := r.fetch(ctx, server, inner)
			if err != nil {
				return nil, err
			}
			out = append(out, items...)
			if next == "" {
				break
			}
			inner = next
		}
	}
	return out, nil
}

// Next serves one downstream page with exactly one upstream call. An empty
// cursor starts with the first server; a cursor naming a server that has
// since disappeared falls back to the first available server with a reset
// inner cursor.
func (r *Router[T]) Next(ctx context.Context, cursor string) (Page[T], error) {
	servers := r.sortedServers()
	if len(servers) == 0 {
		return Page[T]{}, nil
	}

	server, inner := servers[0], ""
	if cursor != "" {
		decodedServer, decodedInner, ok := DecodeCursor(cursor)
		if !ok {
			logging.Warn("PaginationRouter", "invalid cursor %q, restarting from first server", truncateForLog(cursor))
		} else if idx := indexOf(servers, decodedServer); idx < 0 {
			logging.Info("PaginationRouter", "cursor server %s no longer present, migrating to %s", decodedServer, servers[0])
		} else {
			server, inner = decodedServer, decodedInner
		}
	}

	items, nextInner, err := r.fetch(ctx, server, inner)
	if err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Items: items}
	if nextInner != "" {
		page.NextCursor = EncodeCursor(server, nextInner)
		return page, nil
	}
	if idx := indexOf(servers, server); idx >= 0 && idx+1 < len(servers) {
		page.NextCursor = EncodeCursor(servers[idx+1], "")
	}
	return page, nil
}

func (r *Router[T]) sortedServers() []string {
	servers := append([]string(nil), r.servers()...)
	sort.Strings(servers)
	return servers
}

func indexOf(servers []string, name string) int {
	for i, s := range servers {
		if s == name {
			return i
		}
	}
	return -1
}

func truncateForLog(s string) string {
	if len(s) <= 32 {
		return s
	}
	return s[:32] + "..."
}
