package upstream

import (
	"sync"
	"time"

	"onemcp/internal/config"
)

// Status is a connection's position in the state machine.
type Status int

const (
	AwaitingConnection Status = iota
	Connecting
	Connected
	Error
	Disconnected
)

func (s Status) String() string {
	switch s {
	case AwaitingConnection:
		return "AwaitingConnection"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Error:
		return "Error"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// OutboundConnection is exclusively owned by the Supervisor. All
// mutation happens under the Supervisor's per-connection serialization; this
// struct's exported fields are read via Supervisor.Get snapshots only.
type OutboundConnection struct {
	Name       string
	Descriptor config.ServerDescriptor

	mu              sync.RWMutex
	client          Client
	status          Status
	lastError       error
	retries         int
	capabilityVers  int
	lastHealthCheck time.Time
	healthFailures  int
}

// Snapshot is an immutable, race-free view of an OutboundConnection at one
// instant, handed out to callers outside the Supervisor.
type Snapshot struct {
	Name           string
	Descriptor     config.ServerDescriptor
	Status         Status
	LastError      error
	Retries        int
	CapabilityVers int
}

func (c *OutboundConnection) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Name:           c.Name,
		Descriptor:     c.Descriptor,
		Status:         c.status,
		LastError:      c.lastError,
		Retries:        c.retries,
		CapabilityVers: c.capabilityVers,
	}
}

// Client returns the live client handle, or nil if not Connected. Callers
// must treat a nil return as "not currently usable" rather than retrying
// internally; the supervisor owns retry policy.
func (c *OutboundConnection) Client() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != Connected {
		return nil
	}
	return c.client
}
