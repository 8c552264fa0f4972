package portal

import (
	"context"
	"errors"
	"strings"

	"github.com/go-rod/rod"
	"github.com/rotisserie/eris"

	"offerclip/internal/offers"
)

var fatalPatterns = []string{
	"target closed",
	"browser has disconnected",
	"use of closed network connection",
	"websocket: close",
	"session closed",
}

// classify maps rod failures onto the offers error taxonomy. The class
// wrapper is always outermost so errors.As finds it directly.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := eris.Wrapf(err, "portal: %s", op)

	if errors.Is(err, context.Canceled) {
		return offers.Fatal(wrapped)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return offers.Transient(wrapped)
	}

	var (
		notFound     *rod.ObjectNotFoundError
		notInteract  *rod.NotInteractableError
		invisible    *rod.InvisibleShapeError
		covered      *rod.CoveredError
		navigation   *rod.NavigationError
		elemNotFound *rod.ElementNotFoundError
	)
	switch {
	case errors.As(err, &notFound):
		return offers.Transient(eris.Wrapf(offers.ErrStaleElement, "portal: %s", op))
	case errors.As(err, &notInteract), errors.As(err, &invisible), errors.As(err, &covered):
		return offers.Transient(wrapped)
	case errors.As(err, &navigation):
		return offers.Transient(wrapped)
	case errors.As(err, &elemNotFound):
		return offers.Permanent(wrapped)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return offers.Fatal(wrapped)
		}
	}
	return wrapped
}
