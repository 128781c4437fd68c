// Package faults defines the error taxonomy shared by every pipeline stage.
// A run aborts on the first error of any kind; the kind tells the caller
// whether the problem was the input data (IO), the requested parameters
// (Configuration) or the numerics (Numerical).
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// IO covers unreadable or malformed rasters and unwritable outputs.
	IO Kind = iota
	// Configuration covers missing bands, empty masks and inconsistent
	// parameter combinations.
	Configuration
	// Numerical covers singular covariances, degenerate partitions and
	// insufficient points for hull construction.
	Numerical
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Configuration:
		return "configuration"
	case Numerical:
		return "numerical"
	}
	return "unknown"
}

// Error is a classified pipeline error. Op names the failing operation,
// typically "package.Function".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IOf returns an IO-kind error.
func IOf(op, format string, args ...interface{}) error {
	return &Error{Kind: IO, Op: op, Err: fmt.Errorf(format, args...)}
}

// Configf returns a Configuration-kind error.
func Configf(op, format string, args ...interface{}) error {
	return &Error{Kind: Configuration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Numf returns a Numerical-kind error.
func Numf(op, format string, args ...interface{}) error {
	return &Error{Kind: Numerical, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err or any error it wraps is a faults.Error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
