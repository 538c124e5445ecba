package config

import (
	"fmt"

	"onemcp/internal/apierr"
)

// ValidationError reports a malformed configuration document. A reload that
// produces one is aborted and the previous generation is retained.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Kind implements apierr.Kinded.
func (e *ValidationError) Kind() apierr.Kind { return apierr.KindConfigInvalid }
