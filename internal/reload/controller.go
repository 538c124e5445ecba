// Package reload applies a configdiff analysis to the upstream supervisor
// with graceful sequencing: tag-only updates first (no disruption), then
// additions, then reconnecting modifies, then removals last, so downstream
// sessions lose capability for the shortest possible window.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"onemcp/internal/config"
	"onemcp/internal/configdiff"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// SupervisorOps is the slice of the upstream supervisor the controller
// drives.
type SupervisorOps interface {
	Has(name string) bool
	Add(desc config.ServerDescriptor)
	Remove(name string, graceful bool)
	Replace(name string, desc config.ServerDescriptor)
	UpdateDescriptor(name string, desc config.ServerDescriptor) bool
	Entries() []upstream.Snapshot
}

// CacheInvalidator evicts cached schemas for a removed server.
type CacheInvalidator interface {
	InvalidateByServer(server string)
}

// Failure records one operation that did not take effect. Failures never
// halt the remaining operations.
type Failure struct {
	Server string
	Op     configdiff.ChangeType
	Err    error
}

// Result summarizes one reload pass.
type Result struct {
	ID       string
	Applied  []string // "<op> <server>" in application order
	Failures []Failure
	Started  time.Time
	Duration time.Duration
}

// Listener receives the reload-completed event. Delivery is synchronous and
// in registration order: reload completion is a critical event, so slow
// listeners delay the publisher rather than losing the event.
type Listener func(Result)

// Controller applies analyses to a supervisor. A Controller runs one reload
// at a time; a reload is not cancellable mid-run and always runs to
// completion.
type Controller struct {
	mu        sync.Mutex
	resMu     sync.Mutex
	sup       SupervisorOps
	cache     CacheInvalidator
	listeners []Listener
}

// NewController builds a Controller over the given supervisor. cache may be
// nil when no schema cache is in play.
func NewController(sup SupervisorOps, cache CacheInvalidator) *Controller {
	return &Controller{sup: sup, cache: cache}
}

// Subscribe registers a reload-completed listener.
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Apply executes an analysis. newCfg is the complete target generation,
// needed when the analysis demands a full stop-then-start. The supervisor
// operations do not take ctx, so it bounds neither an individual operation
// nor the pass.
func (c *Controller) Apply(ctx context.Context, analysis *configdiff.Analysis, newCfg map[string]config.ServerDescriptor) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &Result{ID: uuid.NewString(), Started: time.Now()}
	if analysis.IsNoop() {
		return *res
	}

	if !analysis.CanPartialReload {
		c.fullReload(newCfg, res)
	} else {
		c.partialReload(ctx, analysis, res)
	}
	res.Duration = time.Since(res.Started)

	logging.Info("ReloadController", "reload %s applied %d operations with %d failures in %s",
		res.ID, len(res.Applied), len(res.Failures), res.Duration)
	for _, l := range c.listeners {
		l(*res)
	}
	return *res
}

func (c *Controller) partialReload(ctx context.Context, analysis *configdiff.Analysis, res *Result) {
	// A transport change arrives as a REMOVE+ADD pair under one name. Folding
	// the pair into a single replace keeps the name continuously registered,
	// instead of the ADD being skipped (name still present) and the trailing
	// REMOVE deleting the server outright.
	removedNames := make(map[string]struct{})
	addedNames := make(map[string]struct{})
	for _, imp := range analysis.Impacts {
		switch imp.Change {
		case configdiff.ChangeRemove:
			removedNames[imp.Name] = struct{}{}
		case configdiff.ChangeAdd:
			addedNames[imp.Name] = struct{}{}
		}
	}

	var tagOnly, adds, reconnects, removes []configdiff.ServerImpact
	for _, imp := range analysis.Impacts {
		switch {
		case imp.Change == configdiff.ChangeModify && imp.TagOnly:
			tagOnly = append(tagOnly, imp)
		case imp.Change == configdiff.ChangeAdd:
			if _, paired := removedNames[imp.Name]; paired {
				imp.Change = configdiff.ChangeModify
				reconnects = append(reconnects, imp)
				continue
			}
			adds = append(adds, imp)
		case imp.Change == configdiff.ChangeModify:
			reconnects = append(reconnects, imp)
		case imp.Change == configdiff.ChangeRemove:
			if _, paired := addedNames[imp.Name]; paired {
				continue
			}
			removes = append(removes, imp)
		}
	}

	// Category 1: in-place tag updates. No transport work, so these are the
	// cheapest wins and go first.
	for _, imp := range tagOnly {
		if c.sup.UpdateDescriptor(imp.Name, imp.Descriptor) {
			c.record(res, "MODIFY", imp.Name)
		} else {
			logging.Debug("ReloadController", "tag update for %s skipped, server not tracked", imp.Name)
		}
	}

	// Category 2: additions, concurrently.
	c.concurrently(ctx, adds, res, func(imp configdiff.ServerImpact) {
		if c.sup.Has(imp.Name) {
			return
		}
		c.sup.Add(imp.Descriptor)
		c.record(res, "ADD", imp.Name)
	})

	// Category 3: modifies that need a reconnect.
	c.concurrently(ctx, reconnects, res, func(imp configdiff.ServerImpact) {
		if !c.sup.Has(imp.Name) {
			c.sup.Add(imp.Descriptor)
			c.record(res, "ADD", imp.Name)
			return
		}
		c.sup.Replace(imp.Name, imp.Descriptor)
		if c.cache != nil {
			c.cache.InvalidateByServer(imp.Name)
		}
		c.record(res, "MODIFY", imp.Name)
	})

	// Category 4: removals last, so downstream requests keep succeeding for
	// as long as possible. Cached schemas for a removed server go with it.
	c.concurrently(ctx, removes, res, func(imp configdiff.ServerImpact) {
		if !c.sup.Has(imp.Name) {
			return
		}
		c.sup.Remove(imp.Name, true)
		if c.cache != nil {
			c.cache.InvalidateByServer(imp.Name)
		}
		c.record(res, "REMOVE", imp.Name)
	})
}

// concurrently runs one category's operations in parallel and waits for all
// of them; a panic in one operation becomes a Failure rather than tearing
// the whole pass down.
func (c *Controller) concurrently(ctx context.Context, impacts []configdiff.ServerImpact, res *Result, op func(configdiff.ServerImpact)) {
	if len(impacts) == 0 {
		return
	}
	g, _ := errgroup.WithContext(ctx)
	for _, imp := range impacts {
		imp := imp
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.resMu.Lock()
					res.Failures = append(res.Failures, Failure{
						Server: imp.Name,
						Op:     imp.Change,
						Err:    fmt.Errorf("reload operation panicked: %v", r),
					})
					c.resMu.Unlock()
				}
			}()
			op(imp)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) fullReload(newCfg map[string]config.ServerDescriptor, res *Result) {
	for _, snap := range c.sup.Entries() {
		c.sup.Remove(snap.Name, true)
		if c.cache != nil {
			c.cache.InvalidateByServer(snap.Name)
		}
		c.record(res, "REMOVE", snap.Name)
	}
	for _, desc := range newCfg {
		c.sup.Add(desc)
		c.record(res, "ADD", desc.Name)
	}
}

func (c *Controller) record(res *Result, op, server string) {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	res.Applied = append(res.Applied, op+" "+server)
}
