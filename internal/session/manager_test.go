package session

import (
	"regexp"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/ctxprop"
)

func initResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.Implementation{Name: "onemcp", Version: "1.0.0"},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, initResult)
}

func TestGenerateIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^stream-[0-9a-f]{16}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := GenerateID()
		assert.Regexp(t, pattern, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100, "ids must not collide")
}

func TestCreateSessionDefaults(t *testing.T) {
	m := newTestManager(t)

	res := m.CreateSession(Config{Tags: []string{"files"}}, nil, "")
	require.NotNil(t, res.Session)
	require.NotNil(t, res.Transport)
	assert.True(t, res.Persisted)
	assert.NoError(t, res.PersistenceError)
	assert.True(t, res.Transport.Initialized())
	assert.False(t, res.Transport.Restored())

	got, ok := m.GetSession(res.Session.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"files"}, got.Config.Tags)
}

func TestCreateSessionWithSuppliedID(t *testing.T) {
	m := newTestManager(t)
	res := m.CreateSession(Config{}, nil, "stream-cafebabecafebabe")
	assert.Equal(t, "stream-cafebabecafebabe", res.Session.ID)
}

func TestCreateSessionPersistenceFailureStillSucceeds(t *testing.T) {
	m := NewManager(&failingStore{}, initResult)
	res := m.CreateSession(Config{}, nil, "")
	require.NotNil(t, res.Session)
	assert.False(t, res.Persisted)
	assert.Error(t, res.PersistenceError)

	_, ok := m.GetSession(res.Session.ID)
	assert.True(t, ok, "the session is live despite the persistence failure")
}

type failingStore struct{}

func (f *failingStore) Save(*Record) error           { return assert.AnError }
func (f *failingStore) Load(string) (*Record, error) { return nil, assert.AnError }
func (f *failingStore) Delete(string) error          { return nil }
func (f *failingStore) List() ([]string, error)      { return nil, nil }

func TestRestoreRejectsBlankIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "   ", "\t\n"} {
		res := m.RestoreSession(id)
		assert.Equal(t, RestoreNotFound, res.ErrorType)
	}
}

func TestRestoreUnknownSession(t *testing.T) {
	m := newTestManager(t)
	res := m.RestoreSession("stream-0000000000000001")
	assert.Equal(t, RestoreNotFound, res.ErrorType)
}

func TestRestoreLiveSessionReturnsExistingTransport(t *testing.T) {
	m := newTestManager(t)
	created := m.CreateSession(Config{}, nil, "")

	res := m.RestoreSession(created.Session.ID)
	assert.Equal(t, RestoreOK, res.ErrorType)
	assert.Same(t, created.Transport, res.Transport, "the live transport wins over persistence")
}

func TestRestoreFromPersistenceAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	m1 := NewManager(store, initResult)
	created := m1.CreateSession(Config{Tags: []string{"files"}, EnablePagination: true},
		&ctxprop.ContextData{SessionID: "x"}, "")
	id := created.Session.ID

	// A new manager over the same directory simulates a process restart.
	m2 := NewManager(store, initResult)
	res := m2.RestoreSession(id)
	require.Equal(t, RestoreOK, res.ErrorType)
	require.NotNil(t, res.Transport)
	assert.True(t, res.Transport.Initialized(), "virtual initialize replays the persisted response")
	assert.True(t, res.Transport.Restored())
	assert.Equal(t, []string{"files"}, res.Session.Config.Tags)
	assert.True(t, res.Session.Config.EnablePagination)
	assert.Equal(t, "2024-11-05", res.Transport.InitializeResult().ProtocolVersion)
}

func TestTransportCloseRemovesLiveSessionButKeepsRecord(t *testing.T) {
	m := newTestManager(t)
	created := m.CreateSession(Config{}, nil, "")
	id := created.Session.ID

	created.Transport.Close()
	_, ok := m.GetSession(id)
	assert.False(t, ok, "close drops the live session")

	// One reconnect cycle: the persisted record revives it.
	res := m.RestoreSession(id)
	assert.Equal(t, RestoreOK, res.ErrorType)
	assert.True(t, res.Transport.Restored())
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	m := newTestManager(t)
	created := m.CreateSession(Config{}, nil, "")
	id := created.Session.ID

	m.DeleteSession(id)
	_, ok := m.GetSession(id)
	assert.False(t, ok)
	res := m.RestoreSession(id)
	assert.Equal(t, RestoreNotFound, res.ErrorType, "deletion also removes the persisted record")
}

func TestConcurrentOperationsOnDistinctSessions(t *testing.T) {
	m := newTestManager(t)
	const n = 20
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = m.CreateSession(Config{}, nil, "").Session.ID
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, ok := m.GetSession(id)
				assert.True(t, ok)
			}
		}(ids[i])
	}
	wg.Wait()
	assert.Equal(t, n, m.Count())
}

func TestRestoreWithNilInitializeResponseIsConnectionFailed(t *testing.T) {
	store := &recordStore{rec: &Record{SessionID: "stream-aaaaaaaaaaaaaaaa"}}
	m := NewManager(store, initResult)
	res := m.RestoreSession("stream-aaaaaaaaaaaaaaaa")
	assert.Equal(t, RestoreConnectionFailed, res.ErrorType)
}

type recordStore struct{ rec *Record }

func (r *recordStore) Save(*Record) error { return nil }
func (r *recordStore) Load(id string) (*Record, error) {
	if r.rec != nil && r.rec.SessionID == id {
		return r.rec, nil
	}
	return nil, assert.AnError
}
func (r *recordStore) Delete(string) error     { return nil }
func (r *recordStore) List() ([]string, error) { return nil, nil }
