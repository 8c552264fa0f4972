// Package offers implements offer discovery and activation against a portal
// page: the detector, the retry policy and the activation engine.
package offers

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one activation attempt.
type OutcomeKind string

const (
	OutcomeActivated       OutcomeKind = "ACTIVATED"
	OutcomeAlreadyActive   OutcomeKind = "ALREADY_ACTIVE"
	OutcomeFailed          OutcomeKind = "FAILED"
	OutcomeSkippedNoOffers OutcomeKind = "SKIPPED_NO_OFFERS"
)

// TerminalState is the state a session ends in.
type TerminalState string

const (
	StateDone    TerminalState = "DONE"
	StateAborted TerminalState = "ABORTED"
)

// OfferDetails holds the fields parsed from an offer card's text. Every field
// is optional.
type OfferDetails struct {
	Merchant    string
	Discount    string
	MaxDiscount string
	MinSpend    string
	Expiration  *time.Time
}

// OfferHandle identifies one offer discovered by a single scan. Handles are
// only valid for the cycle that produced them.
type OfferHandle struct {
	ID           string
	Label        string
	Ref          ElementRef
	Details      OfferDetails
	DiscoveredAt time.Time
}

func (h OfferHandle) String() string {
	return fmt.Sprintf("%s (%s)", h.Label, h.ID)
}

// SessionContext identifies the account/card a session runs for.
type SessionContext struct {
	RunID        string
	AccountLabel string
	StartedAt    time.Time
}

// ActivationOutcome is the immutable record of one activation attempt.
type ActivationOutcome struct {
	Timestamp    time.Time
	RunID        string
	AccountLabel string
	OfferID      string
	OfferLabel   string
	Kind         OutcomeKind
	Detail       string
	Offer        OfferDetails
}

// SessionSummary is what RunSession reports back to its caller.
type SessionSummary struct {
	AccountLabel       string
	ActivatedCount     int
	AlreadyActiveCount int
	FailedCount        int
	SkippedCount       int
	Cycles             int
	TerminalState      TerminalState
	Diagnostic         string
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Total is the number of outcomes the session produced.
func (s SessionSummary) Total() int {
	return s.ActivatedCount + s.AlreadyActiveCount + s.FailedCount + s.SkippedCount
}

func (s *SessionSummary) count(kind OutcomeKind) {
	switch kind {
	case OutcomeActivated:
		s.ActivatedCount++
	case OutcomeAlreadyActive:
		s.AlreadyActiveCount++
	case OutcomeFailed:
		s.FailedCount++
	case OutcomeSkippedNoOffers:
		s.SkippedCount++
	}
}
