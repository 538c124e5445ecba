package upstream

import (
	"fmt"

	"onemcp/internal/apierr"
)

// NotFoundError reports an unknown server name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("upstream: server %q not found", e.Name) }
func (e *NotFoundError) Kind() apierr.Kind { return apierr.KindNotFound }

// ConnectionFailedError reports a handshake or restoration failure.
type ConnectionFailedError struct {
	Name string
	Err  error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("upstream: %s: connection failed: %v", e.Name, e.Err)
}
func (e *ConnectionFailedError) Kind() apierr.Kind { return apierr.KindConnectionFailed }
func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// UpstreamError wraps a failure returned by a Connected upstream.
type UpstreamError struct {
	Name string
	Err  error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream: %s: %v", e.Name, e.Err) }
func (e *UpstreamError) Kind() apierr.Kind { return apierr.KindUpstream }
func (e *UpstreamError) Unwrap() error { return e.Err }
