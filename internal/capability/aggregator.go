// Package capability merges each Connected upstream's listTools/
// listResources/listPrompts results into one stable-ordered snapshot.
// Per-upstream failures are logged and never prevent the snapshot from
// being produced; a listTools failure additionally drops that upstream from
// the ready set, while resource/prompt listing failures are tolerated.
package capability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/toolregistry"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// Snapshot is the merged view across every Connected upstream.
type Snapshot struct {
	Tools        []toolregistry.ToolMetadata
	Resources    map[string][]mcp.Resource // server -> resources
	Prompts      map[string][]mcp.Prompt   // server -> prompts
	ReadyServers []string
	Timestamp    time.Time
}

// ServerLister is the subset of upstream.Supervisor the aggregator needs,
// declared as an interface so tests can substitute a fake server map.
type ServerLister interface {
	Entries() []upstream.Snapshot
}

// Aggregator builds Snapshots on demand from whatever upstreams are
// Connected right now.
type Aggregator struct {
	mu       sync.RWMutex
	lister   ServerLister
	fetchTTL time.Duration
}

// New constructs an Aggregator over a ServerLister.
func New(lister ServerLister) *Aggregator {
	return &Aggregator{lister: lister, fetchTTL: 10 * time.Second}
}

// Refresh fetches tools/resources/prompts from every Connected upstream and
// merges them, stable-ordered by (server, item-name). A listTools error is
// logged and that upstream is omitted from ReadyServers; a resources or
// prompts error is only logged and the upstream stays ready. The snapshot
// is still produced.
func (a *Aggregator) Refresh(ctx context.Context) *Snapshot {
	entries := a.lister.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	toolsByServer := make(map[string][]toolregistry.ToolMetadata)
	resources := make(map[string][]mcp.Resource)
	prompts := make(map[string][]mcp.Prompt)
	var ready []string

	for _, e := range entries {
		if e.Status != upstream.Connected {
			continue
		}
		client, ok := a.clientFor(e.Name)
		if !ok {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTTL)
		tools, toolsErr := client.ListTools(fetchCtx)
		res, resErr := client.ListResources(fetchCtx)
		pr, promptErr := client.ListPrompts(fetchCtx)
		cancel()

		if toolsErr != nil {
			logging.Warn("CapabilityAggregator", "listTools failed for %s: %v", e.Name, toolsErr)
		} else {
			metas := make([]toolregistry.ToolMetadata, 0, len(tools))
			for _, tl := range tools {
				metas = append(metas, toolregistry.ToolMetadata{
					Server:      e.Name,
					Name:        tl.Name,
					Description: tl.Description,
					Tags:        e.Descriptor.Tags,
				})
			}
			toolsByServer[e.Name] = metas
		}
		if resErr != nil {
			logging.Warn("CapabilityAggregator", "listResources failed for %s: %v", e.Name, resErr)
		} else {
			resources[e.Name] = res
		}
		if promptErr != nil {
			logging.Warn("CapabilityAggregator", "listPrompts failed for %s: %v", e.Name, promptErr)
		} else {
			prompts[e.Name] = pr
		}

		// Tools are the server's reason to exist; a listTools failure drops
		// it from the ready set. Resource/prompt listing failures are
		// tolerated — many servers don't implement those at all.
		if toolsErr == nil {
			ready = append(ready, e.Name)
		}
	}

	sort.Strings(ready)
	registry := toolregistry.Build(toolsByServer)
	return &Snapshot{
		Tools:        registry.ListTools(toolregistry.Filter{}).Items,
		Resources:    resources,
		Prompts:      prompts,
		ReadyServers: ready,
		Timestamp:    time.Now(),
	}
}

// clientFor looks the live client up by name; split out so tests can stub it
// via an embedding lister that also satisfies a Client(name) method.
func (a *Aggregator) clientFor(name string) (upstream.Client, bool) {
	if cl, ok := a.lister.(interface {
		Client(string) (upstream.Client, bool)
	}); ok {
		return cl.Client(name)
	}
	return nil, false
}
