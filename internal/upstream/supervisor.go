package upstream

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/pkg/logging"
)

// ClientFactory builds a transport Client for a descriptor. Supervisor uses
// the package-level transport constructors by default; tests inject a fake.
type ClientFactory func(config.ServerDescriptor) (Client, error)

// DefaultClientFactory builds the real mark3labs/mcp-go-backed transports.
func DefaultClientFactory(desc config.ServerDescriptor) (Client, error) {
	switch desc.Type {
	case config.TransportStdio:
		return NewStdioClient(desc.Command, desc.Args, desc.Env, desc.Cwd), nil
	case config.TransportSSE:
		return NewSSEClient(desc.URL, desc.Headers), nil
	case config.TransportHTTPStreamable:
		return NewStreamableHTTPClient(desc.URL, desc.Headers), nil
	default:
		return nil, &ConnectionFailedError{Name: desc.Name, Err: errUnknownTransport(desc.Type)}
	}
}

type errUnknownTransport config.TransportKind

func (e errUnknownTransport) Error() string { return "unknown transport " + string(e) }

type command struct {
	kind     commandKind
	graceful bool
	done     chan struct{}
}

type commandKind int

const (
	cmdDisconnect commandKind = iota
)

// managed bundles an OutboundConnection with its private control channel
// and goroutine lifecycle.
type managed struct {
	conn   *OutboundConnection
	cmdCh  chan command
	stopCh chan struct{}
	done   chan struct{}
}

// Supervisor owns the authoritative OutboundConnection map. At
// most one Connecting attempt is in flight per server at a time, and status
// transitions for a given server are serialized — enforced by giving each
// connection its own goroutine that is the sole writer of its state.
type Supervisor struct {
	mu      sync.RWMutex
	conns   map[string]*managed
	bus     eventBus
	factory ClientFactory

	healthInterval time.Duration
	dialTimeout    time.Duration
}

// NewSupervisor constructs an empty Supervisor. healthInterval is the
// default liveness-ping cadence used when a descriptor leaves
// HealthCheckInterval unset.
func NewSupervisor(factory ClientFactory, healthInterval time.Duration) *Supervisor {
	if factory == nil {
		factory = DefaultClientFactory
	}
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	return &Supervisor{
		conns:          make(map[string]*managed),
		factory:        factory,
		healthInterval: healthInterval,
		dialTimeout:    15 * time.Second,
	}
}

// Subscribe registers for capability/status events.
func (s *Supervisor) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.subscribe()
}

// Has reports whether a server name is currently tracked.
func (s *Supervisor) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[name]
	return ok
}

// Get returns a snapshot of one connection.
func (s *Supervisor) Get(name string) (Snapshot, bool) {
	s.mu.RLock()
	m, ok := s.conns[name]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return m.conn.snapshot(), true
}

// Client returns the live client for a Connected server, or nil otherwise.
func (s *Supervisor) Client(name string) (Client, bool) {
	s.mu.RLock()
	m, ok := s.conns[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c := m.conn.Client()
	return c, c != nil
}

// Entries returns a snapshot of every tracked connection, in no particular
// order; callers needing stable order should sort on Snapshot.Name.
func (s *Supervisor) Entries() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.conns))
	for _, m := range s.conns {
		out = append(out, m.conn.snapshot())
	}
	return out
}

// Add registers a new descriptor and begins connecting asynchronously,
// entering AwaitingConnection immediately.
func (s *Supervisor) Add(desc config.ServerDescriptor) {
	s.mu.Lock()
	if _, exists := s.conns[desc.Name]; exists {
		s.mu.Unlock()
		logging.Warn("UpstreamSupervisor", "Add called for already-tracked server %s, ignoring", desc.Name)
		return
	}
	m := &managed{
		conn:   &OutboundConnection{Name: desc.Name, Descriptor: desc, status: AwaitingConnection},
		cmdCh:  make(chan command, 4),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.conns[desc.Name] = m
	s.mu.Unlock()

	go s.run(m)
}

// Remove stops and deregisters a connection. When graceful, the transport is
// asked to close and given up to 5s before the goroutine is torn down
// forcibly.
func (s *Supervisor) Remove(name string, graceful bool) {
	s.mu.Lock()
	m, ok := s.conns[name]
	if ok {
		delete(s.conns, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.stopManaged(m, graceful)
}

// UpdateDescriptor swaps a connection's descriptor in place without touching
// the transport, then announces the capability change. Only safe for changes
// that don't affect how the connection was established (tag edits); anything
// else must go through Replace.
func (s *Supervisor) UpdateDescriptor(name string, desc config.ServerDescriptor) bool {
	s.mu.RLock()
	m, ok := s.conns[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	m.conn.mu.Lock()
	m.conn.Descriptor = desc
	m.conn.mu.Unlock()
	s.notifyCapabilities(m)
	return true
}

// Replace swaps a connection's descriptor, stopping the old transport and
// starting a new one under the same name.
func (s *Supervisor) Replace(name string, desc config.ServerDescriptor) {
	s.mu.Lock()
	old, ok := s.conns[name]
	s.mu.Unlock()
	if ok {
		s.stopManaged(old, true)
	}
	s.Add(desc)
}

func (s *Supervisor) stopManaged(m *managed, graceful bool) {
	if graceful {
		done := make(chan struct{})
		select {
		case m.cmdCh <- command{kind: cmdDisconnect, graceful: graceful, done: done}:
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				logging.Warn("UpstreamSupervisor", "%s did not disconnect within grace period, forcing", m.conn.Name)
			}
		default:
		}
	}
	close(m.stopCh)
	<-m.done
}

func (s *Supervisor) setStatus(m *managed, newStatus Status, err error) {
	m.conn.mu.Lock()
	old := m.conn.status
	m.conn.status = newStatus
	m.conn.lastError = err
	m.conn.mu.Unlock()
	if old != newStatus {
		s.mu.RLock()
		s.bus.publish(Event{Kind: EventStatusChanged, Server: m.conn.Name, Old: old, New: newStatus})
		s.mu.RUnlock()
	}
}

func (s *Supervisor) notifyCapabilities(m *managed) {
	m.conn.mu.Lock()
	m.conn.capabilityVers++
	m.conn.mu.Unlock()
	s.mu.RLock()
	s.bus.publish(Event{Kind: EventCapabilitiesUpdated, Server: m.conn.Name})
	s.mu.RUnlock()
}

// captureStderr tees a stdio subprocess's stderr into the logger, one debug
// line per line of output, attributed to the server. The pump goroutine
// exits when the subprocess closes its stderr.
func (s *Supervisor) captureStderr(name string, client Client) {
	sc, ok := client.(interface{ Stderr() (io.Reader, bool) })
	if !ok {
		return
	}
	r, ok := sc.Stderr()
	if !ok {
		return
	}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logging.Debug("UpstreamSupervisor", "%s stderr: %s", name, scanner.Text())
		}
	}()
}

// run is the single goroutine that owns all state transitions for one
// connection — this is what makes transitions "serialized per server"
// true by construction rather than by locking.
func (s *Supervisor) run(m *managed) {
	defer close(m.done)
	attempt := 0
	healthFailures := 0

	for {
		s.setStatus(m, Connecting, nil)
		ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
		client, err := s.factory(m.conn.Descriptor)
		if err == nil {
			err = client.Initialize(ctx)
		}
		cancel()

		if err != nil {
			s.setStatus(m, Error, &ConnectionFailedError{Name: m.conn.Name, Err: err})
			if !m.conn.Descriptor.Restart.Enabled {
				s.waitForStop(m)
				return
			}
			if max := m.conn.Descriptor.Restart.MaxAttempts; max > 0 && attempt >= max {
				logging.Warn("UpstreamSupervisor", "%s exhausted %d restart attempts, staying in Error", m.conn.Name, max)
				if s.waitForStopOrCommand(m) {
					return
				}
				continue
			}
			delay := backoffDelay(m.conn.Descriptor.Restart.InitialBackoff.Std(), m.conn.Descriptor.Restart.MaxBackoff.Std(), attempt)
			attempt++
			m.conn.mu.Lock()
			m.conn.retries = attempt
			m.conn.mu.Unlock()
			select {
			case <-m.stopCh:
				return
			case <-time.After(delay):
				continue
			case cmd := <-m.cmdCh:
				s.handleCommandWhileDown(m, cmd)
				if cmd.kind == cmdDisconnect {
					return
				}
			}
			continue
		}

		attempt = 0
		healthFailures = 0
		m.conn.mu.Lock()
		m.conn.client = client
		m.conn.retries = 0
		m.conn.mu.Unlock()
		s.setStatus(m, Connected, nil)
		s.notifyCapabilities(m)
		s.captureStderr(m.conn.Name, client)

		interval := m.conn.Descriptor.HealthCheckInterval.Std()
		if interval <= 0 {
			interval = s.healthInterval
		}
		ticker := time.NewTicker(interval)

	connectedLoop:
		for {
			select {
			case <-m.stopCh:
				ticker.Stop()
				client.Close()
				return
			case cmd := <-m.cmdCh:
				ticker.Stop()
				client.Close()
				s.setStatus(m, Disconnected, nil)
				if cmd.done != nil {
					close(cmd.done)
				}
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := client.Ping(pingCtx)
				cancel()
				if pingErr != nil {
					healthFailures++
					logging.Warn("UpstreamSupervisor", "health check failed for %s (%d/2): %v", m.conn.Name, healthFailures, pingErr)
					if healthFailures >= 2 {
						ticker.Stop()
						client.Close()
						s.setStatus(m, Error, &ConnectionFailedError{Name: m.conn.Name, Err: pingErr})
						break connectedLoop
					}
				} else {
					healthFailures = 0
				}
			}
		}
	}
}

func (s *Supervisor) waitForStop(m *managed) {
	<-m.stopCh
}

// waitForStopOrCommand blocks while a connection sits exhausted in Error,
// reacting only to an external stop or a disconnect command.
// Returns true if the goroutine should exit.
func (s *Supervisor) waitForStopOrCommand(m *managed) bool {
	select {
	case <-m.stopCh:
		return true
	case cmd := <-m.cmdCh:
		s.handleCommandWhileDown(m, cmd)
		return cmd.kind == cmdDisconnect
	}
}

func (s *Supervisor) handleCommandWhileDown(m *managed, cmd command) {
	if cmd.kind == cmdDisconnect {
		s.setStatus(m, Disconnected, nil)
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}
