package offers

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type engineState string

const (
	stateScanning   engineState = "SCANNING"
	stateActivating engineState = "ACTIVATING"
	stateVerifying  engineState = "VERIFYING"
)

// Engine drives detect -> activate -> verify cycles for one session at a
// time. An Engine holds no per-session state and may be shared by
// concurrent sessions.
type Engine struct {
	detector *Detector
	pace     rate.Limit
	burst    int
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPacing limits page actions (clicks) to perSecond with the given burst.
// Each session gets its own limiter.
func WithPacing(perSecond float64, burst int) EngineOption {
	return func(e *Engine) {
		if perSecond > 0 {
			e.pace = rate.Limit(perSecond)
			e.burst = max(burst, 1)
		}
	}
}

// WithEngineClock overrides the outcome timestamp source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine scanning with detector.
func NewEngine(detector *Detector, opts ...EngineOption) *Engine {
	e := &Engine{
		detector: detector,
		pace:     rate.Inf,
		burst:    1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunSession runs a session with a default detector: the CapabilityPredicate
// with DefaultMarkers.
func RunSession(ctx context.Context, sc SessionContext, page PageSession, ledger LedgerWriter, cfg RetryPolicyConfig) SessionSummary {
	detector := NewDetector(CapabilityPredicate{ActivatedMarkers: DefaultMarkers()}, WithClassifier(cfg.withDefaults().TransientErrorClassifier))
	return NewEngine(detector).RunSession(ctx, sc, page, ledger, cfg)
}

// RunSession activates every eligible offer on page and records each outcome
// in ledger. It always returns a summary; offer-level failures only show up
// as FAILED outcomes.
func (e *Engine) RunSession(ctx context.Context, sc SessionContext, page PageSession, ledger LedgerWriter, cfg RetryPolicyConfig) SessionSummary {
	if sc.StartedAt.IsZero() {
		sc.StartedAt = e.now()
	}
	s := &session{
		engine:   e,
		sc:       sc,
		page:     page,
		ledger:   ledger,
		policy:   newPolicy(cfg),
		pacer:    rate.NewLimiter(e.pace, e.burst),
		resolved: make(map[string]bool),
		log:      zap.L().With(zap.String("account", sc.AccountLabel), zap.String("run_id", sc.RunID)),
		summary: SessionSummary{
			AccountLabel: sc.AccountLabel,
			StartedAt:    sc.StartedAt,
		},
	}
	return s.run(ctx)
}

type session struct {
	engine   *Engine
	sc       SessionContext
	page     PageSession
	ledger   LedgerWriter
	policy   *policy
	pacer    *rate.Limiter
	resolved map[string]bool
	log      *zap.Logger
	summary  SessionSummary
}

func (s *session) run(ctx context.Context) SessionSummary {
	maxCycles := s.policy.cfg.MaxScanCycles
	s.log.Info("session started", zap.Int("max_scan_cycles", maxCycles))

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return s.abort(eris.Wrap(err, "session stopped"))
		}
		if cycle > maxCycles {
			return s.abort(eris.Errorf("offers still eligible after %d scan cycles", maxCycles))
		}
		s.summary.Cycles = cycle
		log := s.log.With(zap.Int("cycle", cycle))

		if err := s.ensureOffersPage(ctx); err != nil {
			return s.abort(err)
		}

		log.Debug("state", zap.String("state", string(stateScanning)))
		scan, class, err := s.scan(ctx)
		if err != nil {
			return s.abort(eris.Wrapf(err, "offer scan failed (%s)", class))
		}

		for scan.Next() {
			handle := scan.Handle()
			outcome, fatal := s.resolve(ctx, handle, log)
			s.record(ctx, outcome)
			if fatal != nil {
				return s.abort(fatal)
			}
		}
		if err := scan.Err(); err != nil {
			return s.abort(eris.Wrap(err, "scan interrupted"))
		}

		if scan.Yielded() == 0 {
			if scan.Skipped() > 0 {
				log.Warn("offer elements unreadable, rescanning", zap.Int("skipped", scan.Skipped()))
				continue
			}
			log.Info("no eligible offers left")
			return s.noOffers(ctx)
		}
		log.Info("scan cycle complete", zap.Int("handles", scan.Yielded()))
	}
}

func (s *session) ensureOffersPage(ctx context.Context) error {
	class, err := s.policy.do(ctx, "offers-page", func(ctx context.Context) error {
		ok, err := s.page.CurrentPageIsOffersPage(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return Fatal(ErrOffersPageUnreachable)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "offers page check failed (%s)", class)
	}
	return nil
}

func (s *session) scan(ctx context.Context) (*Scan, ErrorClass, error) {
	var scan *Scan
	class, err := s.policy.do(ctx, "scan", func(ctx context.Context) error {
		var err error
		scan, err = s.engine.detector.Scan(ctx, s.page, s.isResolved)
		return err
	})
	if err != nil {
		return nil, class, err
	}
	scan.retry = s.policy.do
	return scan, class, nil
}

func (s *session) isResolved(id string) bool {
	return s.resolved[id]
}

// resolve takes one handle through ACTIVATING and VERIFYING. The returned
// error is non-nil only when the session must abort.
func (s *session) resolve(ctx context.Context, h OfferHandle, log *zap.Logger) (ActivationOutcome, error) {
	s.resolved[h.ID] = true
	log = log.With(zap.String("offer_id", h.ID), zap.String("offer", h.Label))

	log.Debug("state", zap.String("state", string(stateActivating)))
	if err := s.pacer.Wait(ctx); err != nil {
		return s.outcome(h, OutcomeFailed, err), eris.Wrap(err, "session stopped")
	}

	class, err := s.policy.do(ctx, "click", func(ctx context.Context) error {
		return s.page.Click(ctx, h.Ref)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			log.Info("offer already active")
			return s.outcome(h, OutcomeAlreadyActive, ""), nil
		}
		log.Warn("activation failed", zap.Stringer("class", class), zap.Error(err))
		if class == ClassFatal {
			return s.outcome(h, OutcomeFailed, err.Error()), err
		}
		return s.outcome(h, OutcomeFailed, err.Error()), nil
	}

	log.Debug("state", zap.String("state", string(stateVerifying)))
	predicate := s.engine.detector.Predicate()
	class, err = s.policy.do(ctx, "verify", func(ctx context.Context) error {
		verdict, err := predicate.Evaluate(ctx, s.page, h.Ref)
		if err != nil {
			return err
		}
		if verdict != VerdictActivated {
			return Transient(ErrNotConfirmed)
		}
		return nil
	})
	if err != nil {
		log.Warn("verification failed", zap.Stringer("class", class), zap.Error(err))
		if class == ClassFatal {
			return s.outcome(h, OutcomeFailed, err.Error()), err
		}
		return s.outcome(h, OutcomeFailed, err.Error()), nil
	}

	log.Info("offer activated")
	return s.outcome(h, OutcomeActivated, ""), nil
}

func (s *session) outcome(h OfferHandle, kind OutcomeKind, detail any) ActivationOutcome {
	o := ActivationOutcome{
		Timestamp:    s.engine.now(),
		RunID:        s.sc.RunID,
		AccountLabel: s.sc.AccountLabel,
		OfferID:      h.ID,
		OfferLabel:   h.Label,
		Kind:         kind,
		Offer:        h.Details,
	}
	switch d := detail.(type) {
	case string:
		o.Detail = d
	case error:
		o.Detail = d.Error()
	}
	return o
}

// record forwards outcome to the ledger before the engine moves on. Ledger
// failures are logged and otherwise ignored.
func (s *session) record(ctx context.Context, outcome ActivationOutcome) {
	s.summary.count(outcome.Kind)
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Append(context.WithoutCancel(ctx), outcome); err != nil {
		s.log.Error("ledger append failed",
			zap.String("offer_id", outcome.OfferID),
			zap.String("kind", string(outcome.Kind)),
			zap.Error(err),
		)
	}
}

func (s *session) noOffers(ctx context.Context) SessionSummary {
	if s.summary.Total() == 0 {
		s.record(ctx, s.outcome(OfferHandle{}, OutcomeSkippedNoOffers, ""))
	}
	return s.finish(StateDone)
}

func (s *session) abort(err error) SessionSummary {
	s.summary.Diagnostic = err.Error()
	s.log.Error("session aborted", zap.Error(err))
	return s.finish(StateAborted)
}

func (s *session) finish(state TerminalState) SessionSummary {
	s.summary.TerminalState = state
	s.summary.FinishedAt = s.engine.now()
	s.log.Info("session finished",
		zap.String("state", string(state)),
		zap.Int("activated", s.summary.ActivatedCount),
		zap.Int("already_active", s.summary.AlreadyActiveCount),
		zap.Int("failed", s.summary.FailedCount),
		zap.Int("cycles", s.summary.Cycles),
	)
	return s.summary
}
