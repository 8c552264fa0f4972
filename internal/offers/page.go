package offers

import "context"

// ElementRef is an opaque handle to a rendered element. Only the PageSession
// that returned it knows how to use it.
type ElementRef any

// ElementInfo is the text and attribute snapshot of an element, read at the
// time of the call.
type ElementInfo struct {
	Text       string
	Attributes map[string]string
}

// Attr returns the named attribute, or "" when it is absent.
func (i ElementInfo) Attr(name string) string {
	if i.Attributes == nil {
		return ""
	}
	return i.Attributes[name]
}

// PageSession is an authenticated browser page positioned on the offers page.
// Any method may fail with a TransientError, PermanentError or FatalError;
// unwrapped errors are classified by the policy's classifier.
type PageSession interface {
	CurrentPageIsOffersPage(ctx context.Context) (bool, error)
	QueryOfferElements(ctx context.Context) ([]ElementRef, error)
	IsElementVisible(ctx context.Context, ref ElementRef) (bool, error)
	IsElementEnabled(ctx context.Context, ref ElementRef) (bool, error)
	Describe(ctx context.Context, ref ElementRef) (ElementInfo, error)
	Click(ctx context.Context, ref ElementRef) error
}

// LedgerWriter receives every outcome exactly once. Implementations must be
// safe for concurrent use and write each outcome atomically.
type LedgerWriter interface {
	Append(ctx context.Context, outcome ActivationOutcome) error
}

// LedgerFunc adapts a function to LedgerWriter.
type LedgerFunc func(ctx context.Context, outcome ActivationOutcome) error

func (f LedgerFunc) Append(ctx context.Context, outcome ActivationOutcome) error {
	return f(ctx, outcome)
}
