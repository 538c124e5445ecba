package tagquery

import (
	"fmt"

	"onemcp/internal/apierr"
)

// InvalidExpressionError is returned for any malformed infix or structured
// tag expression. The parser never partially succeeds: either it returns a
// complete AST or this error.
type InvalidExpressionError struct {
	Input  string
	Offset int
	Reason string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid tag expression at offset %d: %s (in %q)", e.Offset, e.Reason, e.Input)
}

// Kind implements apierr.Kinded.
func (e *InvalidExpressionError) Kind() apierr.Kind { return apierr.KindValidation }
