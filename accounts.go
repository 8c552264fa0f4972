package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offerclip/internal/offers"
	"offerclip/internal/portal"
)

// cardPage is the logged-in offers page of one account.
type cardPage interface {
	offers.PageSession
	Cards(ctx context.Context) ([]string, error)
	SelectCard(ctx context.Context, label string) error
	OpenOffers(ctx context.Context, nav portal.Navigation) error
}

// browserSession is one account's browser lifetime.
type browserSession interface {
	Open(ctx context.Context) (cardPage, error)
	Close()
}

// sessionStore persists session summaries.
type sessionStore interface {
	RecordSession(ctx context.Context, runID string, sum offers.SessionSummary) error
}

// ScanResult is what a dry-run scan found for one card.
type ScanResult struct {
	Label  string
	Offers []offers.OfferHandle
	Err    error
}

// Orchestrator runs one engine session per card across all accounts.
type Orchestrator struct {
	config     *Config
	runID      string
	engine     *offers.Engine
	detector   *offers.Detector
	ledger     offers.LedgerWriter
	sessions   sessionStore
	newBrowser func(AccountConfig) browserSession
	now        func() time.Time
}

func NewOrchestrator(config *Config, ledger offers.LedgerWriter, sessions sessionStore) *Orchestrator {
	var detectorOpts []offers.DetectorOption
	if len(config.KeyAttributes) > 0 {
		detectorOpts = append(detectorOpts, offers.WithKeyAttributes(config.KeyAttributes...))
	}
	detector := offers.NewDetector(offers.CapabilityPredicate{ActivatedMarkers: config.ActivatedMarkers}, detectorOpts...)

	return &Orchestrator{
		config:   config,
		runID:    uuid.NewString(),
		engine:   offers.NewEngine(detector, offers.WithPacing(config.ClicksPerSecond, config.ClickBurst)),
		detector: detector,
		ledger:   ledger,
		sessions: sessions,
		newBrowser: func(a AccountConfig) browserSession {
			return NewAutomation(config, a)
		},
		now: time.Now,
	}
}

// RunID identifies every outcome and session of this orchestration.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run activates offers on every card of every account. Accounts run
// concurrently up to MaxConcurrentAccounts; a failing account never stops
// the others. Summaries are returned in account, then card, order.
func (o *Orchestrator) Run(ctx context.Context) ([]offers.SessionSummary, error) {
	perAccount := make([][]offers.SessionSummary, len(o.config.Accounts))

	err := o.forEachAccount(ctx, func(ctx context.Context, i int, acct AccountConfig) {
		perAccount[i] = o.runAccount(ctx, acct)
	})

	var all []offers.SessionSummary
	for _, sums := range perAccount {
		all = append(all, sums...)
	}
	return all, err
}

// Scan lists the eligible offers of every card without clicking anything.
func (o *Orchestrator) Scan(ctx context.Context) ([]ScanResult, error) {
	perAccount := make([][]ScanResult, len(o.config.Accounts))

	err := o.forEachAccount(ctx, func(ctx context.Context, i int, acct AccountConfig) {
		perAccount[i] = o.scanAccount(ctx, acct)
	})

	var all []ScanResult
	for _, res := range perAccount {
		all = append(all, res...)
	}
	return all, err
}

func (o *Orchestrator) forEachAccount(ctx context.Context, fn func(ctx context.Context, i int, acct AccountConfig)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.config.MaxConcurrentAccounts, 1))

	for i, acct := range o.config.Accounts {
		i, acct := i, acct
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			fn(gctx, i, acct)
			return nil
		})
	}
	return eris.Wrap(g.Wait(), "account run interrupted")
}

func (o *Orchestrator) runAccount(ctx context.Context, acct AccountConfig) []offers.SessionSummary {
	log := zap.L().With(zap.String("account", acct.Name), zap.String("run_id", o.runID))
	started := o.now()

	browser := o.newBrowser(acct)
	defer browser.Close()

	page, err := browser.Open(ctx)
	if err != nil {
		log.Error("account unavailable", zap.Error(err))
		return []offers.SessionSummary{o.aborted(ctx, acct.Name, started, err)}
	}

	cards, err := o.cards(ctx, page, acct)
	if err != nil {
		log.Error("card list unavailable", zap.Error(err))
		return []offers.SessionSummary{o.aborted(ctx, acct.Name, started, err)}
	}

	var summaries []offers.SessionSummary
	for _, card := range cards {
		label := sessionLabel(acct.Name, card)
		if ctx.Err() != nil {
			break
		}
		cardStarted := o.now()

		if err := o.openCard(ctx, page, card); err != nil {
			log.Error("card offers unavailable", zap.String("card", card), zap.Error(err))
			summaries = append(summaries, o.aborted(ctx, label, cardStarted, err))
			continue
		}

		fmt.Println(T("session_starting", label))
		sc := offers.SessionContext{RunID: o.runID, AccountLabel: label, StartedAt: cardStarted}
		sum := o.engine.RunSession(ctx, sc, page, o.ledger, o.config.RetryPolicy(label))
		o.recordSession(ctx, sum)
		printSessionResult(sum)
		summaries = append(summaries, sum)
	}
	return summaries
}

func (o *Orchestrator) scanAccount(ctx context.Context, acct AccountConfig) []ScanResult {
	browser := o.newBrowser(acct)
	defer browser.Close()

	page, err := browser.Open(ctx)
	if err != nil {
		return []ScanResult{{Label: acct.Name, Err: err}}
	}
	cards, err := o.cards(ctx, page, acct)
	if err != nil {
		return []ScanResult{{Label: acct.Name, Err: err}}
	}

	var results []ScanResult
	for _, card := range cards {
		res := ScanResult{Label: sessionLabel(acct.Name, card)}
		if res.Err = o.openCard(ctx, page, card); res.Err == nil {
			res.Offers, res.Err = o.listOffers(ctx, page)
		}
		results = append(results, res)
	}
	return results
}

func (o *Orchestrator) listOffers(ctx context.Context, page cardPage) ([]offers.OfferHandle, error) {
	scan, err := o.detector.Scan(ctx, page, nil)
	if err != nil {
		return nil, err
	}
	var handles []offers.OfferHandle
	for scan.Next() {
		handles = append(handles, scan.Handle())
	}
	return handles, scan.Err()
}

// cards returns the card labels to process. A portal without a card
// dropdown is a single unnamed card.
func (o *Orchestrator) cards(ctx context.Context, page cardPage, acct AccountConfig) ([]string, error) {
	listed, err := page.Cards(ctx)
	if err != nil {
		return nil, err
	}
	if len(listed) == 0 {
		return []string{""}, nil
	}
	if len(acct.Cards) == 0 {
		return listed, nil
	}

	var picked []string
	for _, c := range listed {
		if slices.Contains(acct.Cards, c) {
			picked = append(picked, c)
		}
	}
	if len(picked) == 0 {
		return nil, eris.Errorf("none of the configured cards %v are listed on the portal", acct.Cards)
	}
	return picked, nil
}

// openCard lands on the offers page, then switches it to card.
func (o *Orchestrator) openCard(ctx context.Context, page cardPage, card string) error {
	if err := page.OpenOffers(ctx, o.config.Navigation()); err != nil {
		return err
	}
	if card == "" {
		return nil
	}
	return page.SelectCard(ctx, card)
}

// aborted records a session that never reached the engine.
func (o *Orchestrator) aborted(ctx context.Context, label string, started time.Time, err error) offers.SessionSummary {
	sum := offers.SessionSummary{
		AccountLabel:  label,
		TerminalState: offers.StateAborted,
		Diagnostic:    err.Error(),
		StartedAt:     started,
		FinishedAt:    o.now(),
	}
	o.recordSession(ctx, sum)
	printSessionResult(sum)
	return sum
}

func (o *Orchestrator) recordSession(ctx context.Context, sum offers.SessionSummary) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.RecordSession(context.WithoutCancel(ctx), o.runID, sum); err != nil {
		zap.L().Error("failed to record session", zap.String("account", sum.AccountLabel), zap.Error(err))
	}
}

func sessionLabel(holder, card string) string {
	if card == "" {
		return holder
	}
	return holder + " / " + card
}

// summaryLock guards console output from concurrent accounts.
var summaryLock sync.Mutex

func printSessionResult(sum offers.SessionSummary) {
	summaryLock.Lock()
	defer summaryLock.Unlock()

	if sum.TerminalState == offers.StateAborted {
		fmt.Println(T("session_aborted", sum.AccountLabel, sum.Diagnostic))
		return
	}
	fmt.Println(T("session_done", sum.AccountLabel, sum.ActivatedCount, sum.AlreadyActiveCount, sum.FailedCount))
}
