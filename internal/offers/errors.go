package offers

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrorClass is the retry taxonomy applied to page failures.
type ErrorClass int

const (
	// ClassPermanent failures are recorded immediately and never retried.
	ClassPermanent ErrorClass = iota
	// ClassTransient failures are retried within the policy budget.
	ClassTransient
	// ClassFatal failures abort the whole session.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive reports an offer that was enrolled before this attempt.
	ErrAlreadyActive = eris.New("offer already active")
	// ErrStaleElement reports an element reference detached from the document.
	ErrStaleElement = eris.New("element is stale or detached from the document")
	// ErrOffersPageUnreachable reports that the session is not on the offers page.
	ErrOffersPageUnreachable = eris.New("offers page unreachable")
	// ErrNotConfirmed reports a click whose effect never showed up on the page.
	ErrNotConfirmed = eris.New("activation not confirmed")
)

// TransientError wraps an error that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// FatalError wraps an error that ends the session.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Fatal marks err as session-ending. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

var transientPatterns = []string{
	"context deadline exceeded",
	"timeout",
	"timed out",
	"stale",
	"detached",
	"node with given id does not exist",
	"cannot find context with specified id",
	"could not find node",
	"execution context was destroyed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"unable to enroll",
}

// Classify is the default transient-error classifier. Explicit wrappers win;
// otherwise timeouts, stale references and network hiccups are transient,
// and everything else is permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	var fe *FatalError
	if errors.As(err, &fe) || errors.Is(err, ErrOffersPageUnreachable) {
		return ClassFatal
	}
	var pe *PermanentError
	if errors.As(err, &pe) || errors.Is(err, ErrAlreadyActive) {
		return ClassPermanent
	}
	var te *TransientError
	if errors.As(err, &te) || errors.Is(err, ErrStaleElement) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassPermanent
}
