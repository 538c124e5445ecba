// Package session owns the inbound side of the proxy: one InboundSession
// per downstream client, with restartable sessions. A session's initialize
// response is persisted at creation; when a client reconnects with a known
// id, a new transport is built and a virtual initialize replays the
// persisted response to bring it back to initialized state.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/ctxprop"
	"onemcp/pkg/logging"
)

// Config is the caller-supplied part of a session.
type Config struct {
	Tags             []string
	PresetName       string
	EnablePagination bool
}

// InboundSession is one downstream client's state. Owned exclusively by the
// Manager; callers hold it only through lookups by id.
type InboundSession struct {
	ID     string
	Config Config

	mu         sync.Mutex
	context    *ctxprop.ContextData
	transport  *Transport
	initResult *mcp.InitializeResult
	lastAccess time.Time
}

// Context returns the session's context snapshot.
func (s *InboundSession) Context() *ctxprop.ContextData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context
}

// Transport returns the session's current transport (nil between a close
// and a restore).
func (s *InboundSession) Transport() *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// LastAccess returns the last time the session was looked up or created.
func (s *InboundSession) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *InboundSession) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// CreateResult reports a session creation. PersistenceError being non-nil
// does not mean failure: the session exists and works, it just won't
// survive a process restart.
type CreateResult struct {
	Session          *InboundSession
	Transport        *Transport
	Persisted        bool
	PersistenceError error
}

// RestoreErrorType classifies a restoration failure.
type RestoreErrorType string

const (
	RestoreOK               RestoreErrorType = ""
	RestoreNotFound         RestoreErrorType = "not_found"
	RestoreConnectionFailed RestoreErrorType = "connection_failed"
)

// RestoreResult reports a restoration attempt.
type RestoreResult struct {
	Session   *InboundSession
	Transport *Transport
	ErrorType RestoreErrorType
}

// InitializeResultFunc supplies the initialize response handed to new
// sessions (protocol version, capabilities, server info).
type InitializeResultFunc func() *mcp.InitializeResult

// Manager creates, looks up, restores and deletes sessions. The session map
// uses fine-grained locking: the map itself is guarded briefly, per-session
// state by each session's own mutex, so operations on distinct sessions
// never block each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*InboundSession

	store      Store // nil disables persistence
	initResult InitializeResultFunc
}

// NewManager builds a Manager. store may be nil.
func NewManager(store Store, initResult InitializeResultFunc) *Manager {
	return &Manager{
		sessions:   make(map[string]*InboundSession),
		store:      store,
		initResult: initResult,
	}
}

// GenerateID returns a fresh "stream-<16-hex>" session id.
func GenerateID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a broken platform; fall back to a fixed id
		// rather than panicking in the serving path.
		return "stream-0000000000000000"
	}
	return "stream-" + hex.EncodeToString(buf[:])
}

func validID(id string) bool {
	return strings.TrimSpace(id) != ""
}

// GetSession looks a live session up and touches its last-access time.
func (m *Manager) GetSession(id string) (*InboundSession, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CreateSession builds a session plus its transport, initializes the
// transport, and persists the session record. id may be empty, in which
// case one is generated.
func (m *Manager) CreateSession(cfg Config, contextData *ctxprop.ContextData, id string) CreateResult {
	if !validID(id) {
		id = GenerateID()
	}

	initResult := m.initResult()
	transport := NewTransport(id)
	if err := transport.Initialize(initResult); err != nil {
		// Only possible with a nil initialize response; treat as a broken
		// deployment rather than a per-session condition.
		logging.Error("SessionManager", err, "could not initialize transport for new session %s", logging.TruncateSessionID(id))
	}

	s := &InboundSession{
		ID:         id,
		Config:     cfg,
		context:    contextData,
		transport:  transport,
		initResult: initResult,
		lastAccess: time.Now(),
	}
	m.installHooks(s, transport)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	res := CreateResult{Session: s, Transport: transport, Persisted: true}
	if m.store == nil {
		res.Persisted = false
		return res
	}
	if err := m.store.Save(&Record{
		SessionID:          id,
		Tags:               cfg.Tags,
		PresetName:         cfg.PresetName,
		EnablePagination:   cfg.EnablePagination,
		Context:            contextData,
		InitializeResponse: initResult,
	}); err != nil {
		logging.Warn("SessionManager", "session %s created but not persisted: %v", logging.TruncateSessionID(id), err)
		res.Persisted = false
		res.PersistenceError = err
	}
	return res
}

// RestoreSession brings a session back after a transport loss or a process
// restart. The live map wins; persistence is only consulted on a miss.
func (m *Manager) RestoreSession(id string) RestoreResult {
	if !validID(id) {
		return RestoreResult{ErrorType: RestoreNotFound}
	}

	if s, ok := m.GetSession(id); ok {
		s.mu.Lock()
		transport := s.transport
		initResult := s.initResult
		s.mu.Unlock()
		if transport != nil && !transport.Closed() {
			return RestoreResult{Session: s, Transport: transport}
		}
		// Live session whose transport went away: rebuild in place.
		return m.reviveSession(s, initResult)
	}

	if m.store == nil {
		return RestoreResult{ErrorType: RestoreNotFound}
	}
	rec, err := m.store.Load(id)
	if err != nil {
		return RestoreResult{ErrorType: RestoreNotFound}
	}

	s := &InboundSession{
		ID: rec.SessionID,
		Config: Config{
			Tags:             rec.Tags,
			PresetName:       rec.PresetName,
			EnablePagination: rec.EnablePagination,
		},
		context:    rec.Context,
		initResult: rec.InitializeResponse,
		lastAccess: time.Now(),
	}
	res := m.reviveSession(s, rec.InitializeResponse)
	if res.ErrorType == RestoreOK {
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
	}
	return res
}

// reviveSession constructs a fresh transport and replays the persisted
// initialize response onto it as a virtual initialize.
func (m *Manager) reviveSession(s *InboundSession, initResult *mcp.InitializeResult) RestoreResult {
	transport := NewTransport(s.ID)
	if err := transport.Initialize(initResult); err != nil {
		logging.Warn("SessionManager", "virtual initialize failed for session %s: %v", logging.TruncateSessionID(s.ID), err)
		return RestoreResult{ErrorType: RestoreConnectionFailed}
	}
	transport.MarkRestored()
	m.installHooks(s, transport)

	s.mu.Lock()
	s.transport = transport
	s.lastAccess = time.Now()
	s.mu.Unlock()
	return RestoreResult{Session: s, Transport: transport}
}

// installHooks wires transport lifecycle back into the manager: close drops
// the live session (the persisted record stays, so one reconnect cycle can
// revive it), errors only log.
func (m *Manager) installHooks(s *InboundSession, t *Transport) {
	t.SetOnClose(func() {
		m.mu.Lock()
		if current, ok := m.sessions[s.ID]; ok && current == s {
			delete(m.sessions, s.ID)
		}
		m.mu.Unlock()
		logging.Debug("SessionManager", "session %s removed on transport close", logging.TruncateSessionID(s.ID))
	})
	t.SetOnError(func(err error) {
		logging.Warn("SessionManager", "transport error on session %s (kept for resume): %v", logging.TruncateSessionID(s.ID), err)
	})
}

// DeleteSession removes a session everywhere: live map, transport, and the
// persisted record.
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		if t := s.Transport(); t != nil {
			t.Close()
		}
	}
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			logging.Warn("SessionManager", "could not delete persisted session %s: %v", logging.TruncateSessionID(id), err)
		}
	}
}
