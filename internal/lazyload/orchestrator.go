// Package lazyload is the composition root for downstream discovery: it
// wires the capability aggregator, tool registry, schema cache and meta-tool
// provider together and decides what a downstream client sees. With lazy
// loading enabled the client gets three meta-tools and a static tool list;
// disabled, it gets the full aggregated catalog and list-changed
// notifications.
package lazyload

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/capability"
	"onemcp/internal/config"
	"onemcp/internal/metatool"
	"onemcp/internal/schemacache"
	"onemcp/internal/toolregistry"
	"onemcp/pkg/logging"
)

// Token cost model for the savings estimate: a full tool definition with its
// schema is ~300 tokens; a resource or prompt entry ~50; a lazy-mode listing
// entry ~10 plus a flat ~300 for the meta-tool definitions themselves.
const (
	tokensPerFullTool   = 300
	tokensPerLazyTool   = 10
	tokensPerAuxItem    = 50
	tokensMetaToolsBase = 300
)

// Capabilities is the downstream-facing view assembled per refresh.
type Capabilities struct {
	Tools     []mcp.Tool
	Resources map[string][]mcp.Resource
	Prompts   map[string][]mcp.Prompt
	Servers   []string
	Timestamp time.Time
}

// TokenSavings is the lazy-loading cost estimate.
type TokenSavings struct {
	FullTokens     int     `json:"fullTokens"`
	CurrentTokens  int     `json:"currentTokens"`
	SavingsPercent float64 `json:"savingsPercent"`
}

// Statistics summarizes the orchestrator's state.
type Statistics struct {
	Enabled             bool         `json:"enabled"`
	RegisteredToolCount int          `json:"registeredToolCount"`
	LoadedToolCount     int          `json:"loadedToolCount"`
	CacheHitRate        float64      `json:"cacheHitRate"`
	TokenSavings        TokenSavings `json:"tokenSavings"`
}

// HealthStatus carries operational warnings about the cache.
type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Warnings []string `json:"warnings"`
}

// Orchestrator glues discovery together. It owns the registry snapshot and
// the schema cache; the meta-tool provider reads the registry through a
// thunk so every refresh is immediately visible to it.
type Orchestrator struct {
	cfg   config.LazyLoadingConfig
	agg   *capability.Aggregator
	cache *schemacache.Cache

	mu       sync.RWMutex
	registry *toolregistry.Registry
	snapshot *capability.Snapshot

	provider *metatool.Provider
}

// New wires an Orchestrator. clients is the same source the provider routes
// invocations through.
func New(cfg config.LazyLoadingConfig, agg *capability.Aggregator, clients metatool.ClientSource) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		agg:      agg,
		cache:    schemacache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL.Std()),
		registry: toolregistry.Build(nil),
	}
	o.provider = metatool.NewProvider(o.Registry, o.cache, clients)
	return o
}

// Initialize performs the first capability fetch and, when configured,
// preloads matching schemas.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.RefreshCapabilities(ctx)
	if o.cfg.Enabled {
		o.preloadConfigured(ctx)
	}
	return nil
}

// Registry returns the current registry snapshot. Handed to the meta-tool
// provider as its thunk.
func (o *Orchestrator) Registry() *toolregistry.Registry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.registry
}

// Provider exposes the meta-tool provider for the inbound layer.
func (o *Orchestrator) Provider() *metatool.Provider { return o.provider }

// Cache exposes the schema cache, chiefly for reload-time invalidation.
func (o *Orchestrator) Cache() *schemacache.Cache { return o.cache }

// RefreshCapabilities re-aggregates every Connected upstream and swaps the
// registry snapshot wholesale.
func (o *Orchestrator) RefreshCapabilities(ctx context.Context) {
	snap := o.agg.Refresh(ctx)
	byServer := make(map[string][]toolregistry.ToolMetadata)
	for _, tm := range snap.Tools {
		byServer[tm.Server] = append(byServer[tm.Server], tm)
	}
	reg := toolregistry.Build(byServer)

	o.mu.Lock()
	o.registry = reg
	o.snapshot = snap
	o.mu.Unlock()
	logging.Debug("LazyLoading", "capabilities refreshed: %d tools across %d servers", reg.Size(), len(snap.ReadyServers))
}

// GetCapabilities assembles the downstream view under the current mode.
func (o *Orchestrator) GetCapabilities() Capabilities {
	o.mu.RLock()
	snap := o.snapshot
	reg := o.registry
	o.mu.RUnlock()

	caps := Capabilities{
		Resources: map[string][]mcp.Resource{},
		Prompts:   map[string][]mcp.Prompt{},
		Timestamp: time.Now(),
	}
	if snap != nil {
		caps.Resources = snap.Resources
		caps.Prompts = snap.Prompts
		caps.Servers = snap.ReadyServers
		caps.Timestamp = snap.Timestamp
	}

	if o.cfg.Enabled {
		caps.Tools = metatool.Definitions()
		return caps
	}
	for _, tm := range reg.ListTools(toolregistry.Filter{}).Items {
		caps.Tools = append(caps.Tools, mcp.Tool{
			Name:        tm.Server + "_" + tm.Name,
			Description: tm.Description,
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		})
	}
	return caps
}

// IsMetaTool reports whether name is served by the provider rather than an
// upstream.
func (o *Orchestrator) IsMetaTool(name string) bool {
	return o.cfg.Enabled && metatool.IsMetaTool(name)
}

// CallMetaTool dispatches one meta-tool invocation.
func (o *Orchestrator) CallMetaTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return o.provider.Call(ctx, name, args)
}

// ShouldNotifyListChanged reports whether tools/list_changed notifications
// make sense: in lazy mode the advertised list is the static meta-tool trio,
// so there is never anything to announce.
func (o *Orchestrator) ShouldNotifyListChanged() bool {
	return !o.cfg.Enabled
}

// PreloadToolsList warms the cache for an explicit set of keys.
func (o *Orchestrator) PreloadToolsList(ctx context.Context, keys []schemacache.Key) {
	o.cache.Preload(ctx, keys, o.provider.SchemaLoader())
}

// preloadConfigured warms schemas matching the configured glob patterns
// (server names, `*` wildcard only) and keywords (case-insensitive substring
// on tool names).
func (o *Orchestrator) preloadConfigured(ctx context.Context) {
	patterns := o.cfg.Preload.Patterns
	keywords := o.cfg.Preload.Keywords
	if len(patterns) == 0 && len(keywords) == 0 {
		return
	}

	var keys []schemacache.Key
	for _, tm := range o.Registry().ListTools(toolregistry.Filter{}).Items {
		if matchesPreload(tm, patterns, keywords) {
			keys = append(keys, schemacache.Key{Server: tm.Server, Tool: tm.Name})
		}
	}
	if len(keys) == 0 {
		return
	}
	logging.Info("LazyLoading", "preloading %d tool schemas", len(keys))
	o.PreloadToolsList(ctx, keys)
}

func matchesPreload(tm toolregistry.ToolMetadata, patterns, keywords []string) bool {
	for _, p := range patterns {
		if globMatch(p, tm.Server) {
			return true
		}
	}
	lowerName := strings.ToLower(tm.Name)
	for _, k := range keywords {
		if strings.Contains(lowerName, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// globMatch supports `*` as the only wildcard.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// GetStatistics reports counts, hit rate and the token-savings estimate.
func (o *Orchestrator) GetStatistics() Statistics {
	o.mu.RLock()
	reg := o.registry
	snap := o.snapshot
	o.mu.RUnlock()

	stats := o.cache.StatsSnapshot()
	toolCount := reg.Size()
	auxCount := 0
	if snap != nil {
		for _, rs := range snap.Resources {
			auxCount += len(rs)
		}
		for _, ps := range snap.Prompts {
			auxCount += len(ps)
		}
	}

	hitRate := 0.0
	if total := stats.Hits + stats.Misses; total > 0 {
		hitRate = float64(stats.Hits) / float64(total)
	}

	full := tokensPerFullTool*toolCount + tokensPerAuxItem*auxCount
	current := full
	if o.cfg.Enabled {
		current = tokensMetaToolsBase + tokensPerLazyTool*toolCount + tokensPerAuxItem*auxCount
	}
	savings := 0.0
	if full > 0 {
		savings = 100 * float64(full-current) / float64(full)
	}

	return Statistics{
		Enabled:             o.cfg.Enabled,
		RegisteredToolCount: toolCount,
		LoadedToolCount:     o.cache.Size(),
		CacheHitRate:        hitRate,
		TokenSavings: TokenSavings{
			FullTokens:     full,
			CurrentTokens:  current,
			SavingsPercent: savings,
		},
	}
}

// GetHealthStatus surfaces cache pressure warnings: near-capacity
// utilization, a poor hit rate over a meaningful sample, or heavy eviction
// churn.
func (o *Orchestrator) GetHealthStatus() HealthStatus {
	stats := o.cache.StatsSnapshot()
	var warnings []string

	if max := o.cfg.Cache.MaxEntries; max > 0 {
		if util := float64(o.cache.Size()) / float64(max); util > 0.9 {
			warnings = append(warnings, "schema cache utilization above 90%")
		}
	}
	if total := stats.Hits + stats.Misses; total >= 100 {
		if rate := float64(stats.Hits) / float64(total); rate < 0.5 {
			warnings = append(warnings, "schema cache hit rate below 50%")
		}
	}
	if stats.Evictions > 100 {
		warnings = append(warnings, "schema cache evicting heavily; consider raising maxEntries")
	}

	return HealthStatus{Healthy: len(warnings) == 0, Warnings: warnings}
}
