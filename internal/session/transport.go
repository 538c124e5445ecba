package session

import (
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/apierr"
)

// Transport is one session's downstream conduit. Messages for a session are
// delivered in order to a single consumer; the transport only tracks
// lifecycle here, the actual framing lives in the serving layer. A session
// may outlive its Transport across one reconnection cycle: restoration
// builds a fresh Transport and replays the persisted initialize response
// onto it.
type Transport struct {
	sessionID string

	mu          sync.Mutex
	initialized bool
	restored    bool
	initResult  *mcp.InitializeResult
	closed      bool
	onClose     func()
	onError     func(error)
}

// NewTransport creates an uninitialized transport bound to a session id.
func NewTransport(sessionID string) *Transport {
	return &Transport{sessionID: sessionID}
}

// SessionID returns the owning session's id.
func (t *Transport) SessionID() string { return t.sessionID }

// Initialize brings the transport to initialized state with the given
// response — either the freshly-negotiated one (creation) or the persisted
// one replayed as a virtual initialize (restoration).
func (t *Transport) Initialize(result *mcp.InitializeResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &apierr.Error{K: apierr.KindConnectionFailed, Msg: fmt.Sprintf("transport for session %s is closed", t.sessionID)}
	}
	if result == nil {
		return &apierr.Error{K: apierr.KindConnectionFailed, Msg: "initialize response missing"}
	}
	t.initResult = result
	t.initialized = true
	return nil
}

// Initialized reports whether the (possibly virtual) initialize completed.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// InitializeResult returns the response this transport was initialized with.
func (t *Transport) InitializeResult() *mcp.InitializeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initResult
}

// MarkRestored flags the transport as the product of a restoration.
func (t *Transport) MarkRestored() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restored = true
}

// Restored reports whether this transport was rebuilt from persisted state.
func (t *Transport) Restored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restored
}

// SetOnClose installs the close hook. The session manager uses it to drop
// the live session when the peer goes away.
func (t *Transport) SetOnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// SetOnError installs the error hook; errors keep the session alive for a
// potential resume.
func (t *Transport) SetOnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// Close tears the transport down and fires the close hook once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Closed reports whether Close has run.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ReportError routes a transport-level error to the error hook.
func (t *Transport) ReportError(err error) {
	t.mu.Lock()
	fn := t.onError
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
