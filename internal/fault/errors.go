// Package fault classifies errors crossing component boundaries.
//
// Components wrap the underlying cause with one of the constructors below so
// callers can decide propagation by kind (errors.As / fault.Is) instead of by
// message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the error class.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed schedule expression, missing required arguments.
	KindValidation
	// KindPersistence: store read/write failure.
	KindPersistence
	// KindLock: mutex backend unavailable or acquire/release I/O failure.
	KindLock
	// KindExecution: child process failed to start or its pid could not be captured.
	KindExecution
	// KindStaleRun: detected only by the stale-run sweep.
	KindStaleRun
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindLock:
		return "lock"
	case KindExecution:
		return "execution"
	case KindStaleRun:
		return "stale_run"
	default:
		return "unknown"
	}
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrRunNotFound  = errors.New("run not found")
)

// Error carries a Kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation marks err as a validation failure.
func Validation(err error) error { return wrap(KindValidation, "", err) }

// Validationf is Validation(fmt.Errorf(...)).
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Persistence marks err as a store failure in op.
//
// Example:
//
//	return fault.Persistence("record execution", err)
func Persistence(op string, err error) error { return wrap(KindPersistence, op, err) }

// Lock marks err as a mutex backend failure in op.
func Lock(op string, err error) error { return wrap(KindLock, op, err) }

// Execution marks err as a process start/tracking failure in op.
func Execution(op string, err error) error { return wrap(KindExecution, op, err) }

// StaleRun marks err as a stale-run detection.
func StaleRun(op string, err error) error { return wrap(KindStaleRun, op, err) }

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
