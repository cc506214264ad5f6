package progress

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStateNotReady means no user or pet has been loaded into the engine.
	ErrStateNotReady = errors.New("state not ready")
	// ErrPersistence marks results whose local state advanced but whose
	// durable writes did not all succeed.
	ErrPersistence       = errors.New("persistence failure")
	ErrInsufficientCoins = errors.New("insufficient coins")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// PersistenceError lists the gateway operations that failed during one
// engine call. Failed writes remain queued for RetryPending.
type PersistenceError struct {
	Ops []string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", strings.Join(e.Ops, ", "), e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

type persistErrors struct {
	ops  []string
	errs []error
}

func (p *persistErrors) add(op string, err error) {
	p.ops = append(p.ops, op)
	p.errs = append(p.errs, fmt.Errorf("%s: %w", op, err))
}

func (p *persistErrors) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return &PersistenceError{Ops: p.ops, Err: errors.Join(p.errs...)}
}
