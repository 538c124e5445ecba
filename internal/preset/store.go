package preset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"onemcp/internal/apierr"
	"onemcp/internal/config"
	"onemcp/internal/serverindex"
	"onemcp/internal/tagquery"
	"onemcp/pkg/logging"
)

// NotFoundError reports an unknown preset name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("preset %q not found", e.Name) }
func (e *NotFoundError) Kind() apierr.Kind { return apierr.KindNotFound }

// PersistenceError reports that the presets file could not be written. The
// in-memory state is still updated; callers decide whether that is fatal.
type PersistenceError struct{ Err error }

func (e *PersistenceError) Error() string { return fmt.Sprintf("presets could not be persisted: %v", e.Err) }
func (e *PersistenceError) Kind() apierr.Kind { return apierr.KindPersistenceFailed }
func (e *PersistenceError) Unwrap() error { return e.Err }

// IndexLookup supplies the current server index so Save can warn about
// unknown server names and Test can resolve a preset to concrete servers.
// Injected as a thunk so the store never holds a stale index reference.
type IndexLookup func() *serverindex.Index

// subscriberBufferSize bounds each subscriber channel. A slow subscriber
// drops change notifications (with a log line) rather than blocking Save.
const subscriberBufferSize = 16

// TestResult is the outcome of evaluating a preset against the live index.
type TestResult struct {
	Servers []string
	Tags    []string
}

// Store is the durable mapping name -> Preset, serialized as a single JSON
// document {version, presets{}}. Writes are atomic (temp file + rename) and
// serialized; concurrent saves linearize. The backing file is watched, so
// external edits reload and notify subscribers the same way a Save does.
type Store struct {
	mu      sync.Mutex
	path    string
	presets map[string]*Preset
	lookup  IndexLookup
	subs    []chan string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	// now is swappable in tests.
	now func() time.Time
}

// NewStore loads (or initializes) the presets document at path. A missing
// file is not an error; the store starts empty and creates the file on the
// first Save.
func NewStore(path string, lookup IndexLookup) (*Store, error) {
	s := &Store{
		path:    path,
		presets: make(map[string]*Preset),
		lookup:  lookup,
		now:     time.Now,
	}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Err: err}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return &apierr.Error{K: apierr.KindConfigInvalid, Msg: fmt.Sprintf("presets file %s is malformed: %v", s.path, err)}
	}
	presets := make(map[string]*Preset, len(doc.Presets))
	for name, p := range doc.Presets {
		p.Name = name
		presets[name] = p
	}
	s.presets = presets
	return nil
}

// Get returns a copy of one preset.
func (s *Store) Get(name string) (Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[name]
	if !ok {
		return Preset{}, &NotFoundError{Name: name}
	}
	return *p, nil
}

// List returns every preset, sorted by name.
func (s *Store) List() []Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save validates and persists a preset, then notifies subscribers. The
// returned error is nil on full success; a *PersistenceError means the
// in-memory save took effect but the disk write failed.
func (s *Store) Save(name string, cfg Config) error {
	if err := config.ValidatePresetName(name); err != nil {
		return err
	}
	if err := validateConfig(name, cfg); err != nil {
		return err
	}
	s.warnUnknownServers(name, cfg.Servers)

	s.mu.Lock()
	now := s.now()
	p, exists := s.presets[name]
	if !exists {
		p = &Preset{Name: name, Created: now}
		s.presets[name] = p
	}
	p.Strategy = cfg.Strategy
	p.TagQuery = queryFromConfig(cfg)
	p.TagExpression = cfg.TagExpression
	p.DisplayName = cfg.DisplayName
	p.LastModified = now
	err := s.persistLocked()
	s.mu.Unlock()

	s.notify(name)
	return err
}

func validateConfig(name string, cfg Config) error {
	switch cfg.Strategy {
	case StrategySimpleOr, StrategySimpleAnd:
		if len(cfg.Tags) == 0 && cfg.TagQuery == nil {
			return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("preset %s: %s strategy needs tags", name, cfg.Strategy)}
		}
	case StrategyAdvanced:
		if _, err := tagquery.Parse(cfg.TagExpression); err != nil {
			return err
		}
	default:
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("preset %s: unknown strategy %q", name, cfg.Strategy)}
	}
	return nil
}

func queryFromConfig(cfg Config) *tagquery.StructuredQuery {
	if cfg.TagQuery != nil {
		return cfg.TagQuery
	}
	if len(cfg.Tags) == 0 {
		return nil
	}
	children := make([]*tagquery.StructuredQuery, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		children = append(children, &tagquery.StructuredQuery{Tag: t})
	}
	if cfg.Strategy == StrategySimpleAnd {
		return &tagquery.StructuredQuery{And: children}
	}
	return &tagquery.StructuredQuery{Or: children}
}

func (s *Store) warnUnknownServers(name string, servers []string) {
	if len(servers) == 0 || s.lookup == nil {
		return
	}
	idx := s.lookup()
	if idx == nil {
		return
	}
	known := idx.All()
	for _, srv := range servers {
		if _, ok := known[srv]; !ok {
			logging.Warn("PresetStore", "preset %s references server %s which is not currently configured", name, srv)
		}
	}
}

// Delete removes a preset and persists the change.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if _, ok := s.presets[name]; !ok {
		s.mu.Unlock()
		return &NotFoundError{Name: name}
	}
	delete(s.presets, name)
	err := s.persistLocked()
	s.mu.Unlock()

	s.notify(name)
	return err
}

// MarkUsed stamps a preset's lastUsed time. Persistence failures are logged
// rather than surfaced; usage bookkeeping must never fail a session create.
func (s *Store) MarkUsed(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	now := s.now()
	p.LastUsed = &now
	if err := s.persistLocked(); err != nil {
		logging.Warn("PresetStore", "could not persist lastUsed for %s: %v", name, err)
	}
	return nil
}

// ResolveToExpression renders a preset's query as an infix expression.
func (s *Store) ResolveToExpression(name string) (string, error) {
	s.mu.Lock()
	p, ok := s.presets[name]
	s.mu.Unlock()
	if !ok {
		return "", &NotFoundError{Name: name}
	}
	ast, err := p.ast()
	if err != nil {
		return "", err
	}
	return ast.String(), nil
}

// ResolveAST returns a preset's query as an evaluable AST.
func (s *Store) ResolveAST(name string) (*tagquery.AST, error) {
	s.mu.Lock()
	p, ok := s.presets[name]
	s.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return p.ast()
}

// Test evaluates a preset against the live server index, reporting which
// servers it admits and the union of their tags.
func (s *Store) Test(name string) (TestResult, error) {
	ast, err := s.ResolveAST(name)
	if err != nil {
		return TestResult{}, err
	}
	if s.lookup == nil {
		return TestResult{}, nil
	}
	idx := s.lookup()
	if idx == nil {
		return TestResult{}, nil
	}

	matched := idx.Evaluate(ast)
	servers := make([]string, 0, len(matched))
	tagSet := make(map[string]struct{})
	for srv := range matched {
		servers = append(servers, srv)
		if desc, ok := idx.Descriptor(srv); ok {
			for _, t := range desc.Tags {
				tagSet[tagquery.Normalize(t)] = struct{}{}
			}
		}
	}
	sort.Strings(servers)
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return TestResult{Servers: servers, Tags: tags}, nil
}

// Subscribe returns a channel receiving the name of every changed preset.
// Every version reaches each subscriber at least once, in save order, unless
// that subscriber's buffer is full.
func (s *Store) Subscribe() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, subscriberBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Store) notify(name string) {
	s.mu.Lock()
	subs := append([]chan string(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- name:
		default:
			logging.Warn("PresetStore", "subscriber buffer full, dropping change notification for %s", name)
		}
	}
}

// persistLocked writes the whole document atomically: temp sibling, sync,
// rename. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	doc := document{Version: documentVersion, Presets: s.presets}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return &PersistenceError{Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	return nil
}

// Watch begins observing the presets file for external edits. An edit
// reloads the document and fires a change notification for every preset
// whose content differs from the in-memory copy.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: atomic rename replaces the inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.watchLoop(watcher, stopCh)
	return nil
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, s.reloadFromDisk)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("PresetStore", "watch error on %s: %v", s.path, err)
		}
	}
}

func (s *Store) reloadFromDisk() {
	s.mu.Lock()
	before := make(map[string]string, len(s.presets))
	for name, p := range s.presets {
		raw, _ := json.Marshal(p)
		before[name] = string(raw)
	}
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		logging.Warn("PresetStore", "external edit of %s could not be loaded: %v", s.path, err)
		return
	}
	var changed []string
	for name, p := range s.presets {
		raw, _ := json.Marshal(p)
		if before[name] != string(raw) {
			changed = append(changed, name)
		}
	}
	for name := range before {
		if _, still := s.presets[name]; !still {
			changed = append(changed, name)
		}
	}
	s.mu.Unlock()

	for _, name := range changed {
		s.notify(name)
	}
}

// Close stops the file watch, if started.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
