package resilience

import (
	"errors"
	"fmt"
)

// Kind classifies a failed dependency call.
type Kind int

const (
	KindDependency Kind = iota
	KindTimeout
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "dependency_error"
	}
}

// Sentinels for errors.Is against a *CallError.
var (
	ErrTimeout     = errors.New("dependency timeout")
	ErrDependency  = errors.New("dependency error")
	ErrCircuitOpen = errors.New("circuit open")
)

// CallError is the only failure shape returned by Client. It never carries
// a partial result.
type CallError struct {
	Dependency string
	Kind       Kind
	Attempts   int
	Err        error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s after %d attempt(s)", e.Dependency, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Dependency, e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDependency:
		return e.Kind == KindDependency
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return false
}

// KindOf reports the Kind of err if it is (or wraps) a *CallError.
func KindOf(err error) (Kind, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying, e.g. a 4xx from the dependency.
// Permanent failures are not counted against the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
