package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offerclip/internal/offers"
	"offerclip/internal/portal"
)

// tile is one offer on a stubPage.
type tile struct {
	id        string
	text      string
	activated bool
}

// stubPage is a minimal portal with a card dropdown. Each card has its own
// offers.
type stubPage struct {
	mu       sync.Mutex
	cards    []string
	offers   map[string][]*tile
	current  string
	opened   int
	openErr  error
	cardsErr error
}

func (p *stubPage) Cards(context.Context) ([]string, error) {
	return p.cards, p.cardsErr
}

func (p *stubPage) SelectCard(_ context.Context, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.offers[label]; !ok {
		return offers.Permanent(errors.New("card not found"))
	}
	p.current = label
	return nil
}

func (p *stubPage) OpenOffers(context.Context, portal.Navigation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	return p.openErr
}

func (p *stubPage) CurrentPageIsOffersPage(context.Context) (bool, error) {
	return true, nil
}

func (p *stubPage) QueryOfferElements(context.Context) ([]offers.ElementRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var refs []offers.ElementRef
	for _, t := range p.offers[p.current] {
		refs = append(refs, t)
	}
	return refs, nil
}

func (p *stubPage) IsElementVisible(context.Context, offers.ElementRef) (bool, error) {
	return true, nil
}

func (p *stubPage) IsElementEnabled(context.Context, offers.ElementRef) (bool, error) {
	return true, nil
}

func (p *stubPage) Describe(_ context.Context, ref offers.ElementRef) (offers.ElementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := ref.(*tile)
	class := "offer-tile"
	if t.activated {
		class += " enrolled"
	}
	return offers.ElementInfo{Text: t.text, Attributes: map[string]string{"data-offer-id": t.id, "class": class}}, nil
}

func (p *stubPage) Click(_ context.Context, ref offers.ElementRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref.(*tile).activated = true
	return nil
}

type stubBrowser struct {
	page    *stubPage
	openErr error
	closed  bool
}

func (b *stubBrowser) Open(context.Context) (cardPage, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.page, nil
}

func (b *stubBrowser) Close() { b.closed = true }

type memLedger struct {
	mu       sync.Mutex
	outcomes []offers.ActivationOutcome
	sessions []offers.SessionSummary
}

func (l *memLedger) Append(_ context.Context, o offers.ActivationOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *memLedger) RecordSession(_ context.Context, _ string, sum offers.SessionSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, sum)
	return nil
}

func testConfig(accounts ...AccountConfig) *Config {
	c := DefaultConfig()
	c.OffersURL = "https://online.bank.example/offers"
	c.Accounts = accounts
	c.ClicksPerSecond = 0
	c.Retry.BackoffMs = 1
	c.Retry.MaxBackoffMs = 5
	c.MaxConcurrentAccounts = 2
	return c
}

func newTestOrchestrator(t *testing.T, c *Config, browsers map[string]*stubBrowser) (*Orchestrator, *memLedger) {
	t.Helper()
	l := &memLedger{}
	o := NewOrchestrator(c, l, l)
	o.newBrowser = func(a AccountConfig) browserSession {
		b, ok := browsers[a.Name]
		require.True(t, ok, "no browser for %s", a.Name)
		return b
	}
	o.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	return o, l
}

func TestOrchestrator_RunsEveryCard(t *testing.T) {
	alex := &stubBrowser{page: &stubPage{
		cards: []string{"Rewards ...1234", "Premier ...9876"},
		offers: map[string][]*tile{
			"Rewards ...1234": {{id: "a", text: "Acme Coffee\n10% back"}, {id: "b", text: "Bolt Books\n$5 off"}},
			"Premier ...9876": {{id: "c", text: "Corner Deli\n5% back"}},
		},
	}}
	sam := &stubBrowser{page: &stubPage{
		offers: map[string][]*tile{"": {{id: "d", text: "Daily Gym"}}},
	}}
	o, l := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Alex"}, AccountConfig{Name: "Sam"}),
		map[string]*stubBrowser{"Alex": alex, "Sam": sam})

	summaries, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summaries, 3)
	assert.Equal(t, "Alex / Rewards ...1234", summaries[0].AccountLabel)
	assert.Equal(t, 2, summaries[0].ActivatedCount)
	assert.Equal(t, "Alex / Premier ...9876", summaries[1].AccountLabel)
	assert.Equal(t, 1, summaries[1].ActivatedCount)
	assert.Equal(t, "Sam", summaries[2].AccountLabel)
	assert.Equal(t, 1, summaries[2].ActivatedCount)
	for _, s := range summaries {
		assert.Equal(t, offers.StateDone, s.TerminalState)
	}

	assert.Len(t, l.outcomes, 4)
	assert.Len(t, l.sessions, 3)
	for _, out := range l.outcomes {
		assert.Equal(t, o.RunID(), out.RunID)
	}
	assert.True(t, alex.closed)
	assert.True(t, sam.closed)
}

func TestOrchestrator_CardFilter(t *testing.T) {
	page := &stubPage{
		cards: []string{"Rewards ...1234", "Premier ...9876"},
		offers: map[string][]*tile{
			"Rewards ...1234": {{id: "a", text: "Acme"}},
			"Premier ...9876": {{id: "c", text: "Corner Deli"}},
		},
	}
	o, _ := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Alex", Cards: []string{"Premier ...9876"}}),
		map[string]*stubBrowser{"Alex": {page: page}})

	summaries, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Alex / Premier ...9876", summaries[0].AccountLabel)
}

func TestOrchestrator_FailingAccountDoesNotStopOthers(t *testing.T) {
	broken := &stubBrowser{openErr: errors.New("browser profile already in use")}
	ok := &stubBrowser{page: &stubPage{offers: map[string][]*tile{"": {{id: "a", text: "Acme"}}}}}
	o, l := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Broken"}, AccountConfig{Name: "Ok"}),
		map[string]*stubBrowser{"Broken": broken, "Ok": ok})

	summaries, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, offers.StateAborted, summaries[0].TerminalState)
	assert.Contains(t, summaries[0].Diagnostic, "already in use")
	assert.Equal(t, offers.StateDone, summaries[1].TerminalState)
	assert.Equal(t, 1, summaries[1].ActivatedCount)
	assert.Len(t, l.sessions, 2)
	assert.True(t, broken.closed)
}

func TestOrchestrator_UnreachableCardIsAborted(t *testing.T) {
	page := &stubPage{
		offers:  map[string][]*tile{"": {{id: "a", text: "Acme"}}},
		openErr: offers.Fatal(offers.ErrOffersPageUnreachable),
	}
	o, l := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Alex"}), map[string]*stubBrowser{"Alex": {page: page}})

	summaries, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, offers.StateAborted, summaries[0].TerminalState)
	assert.Empty(t, l.outcomes)
}

func TestOrchestrator_Scan(t *testing.T) {
	page := &stubPage{
		cards: []string{"Rewards ...1234"},
		offers: map[string][]*tile{
			"Rewards ...1234": {{id: "a", text: "Acme Coffee\n10% back\nExpires Apr 30, 2025"}, {id: "b", text: "Bolt", activated: true}},
		},
	}
	o, l := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Alex"}), map[string]*stubBrowser{"Alex": {page: page}})

	results, err := o.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Offers, 1)
	assert.Equal(t, "Acme Coffee", results[0].Offers[0].Label)
	assert.Equal(t, "10% back", results[0].Offers[0].Details.Discount)

	assert.False(t, page.offers["Rewards ...1234"][0].activated, "scan never clicks")
	assert.Empty(t, l.outcomes)
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	page := &stubPage{offers: map[string][]*tile{"": {{id: "a", text: "Acme"}}}}
	o, l := newTestOrchestrator(t, testConfig(AccountConfig{Name: "Alex"}), map[string]*stubBrowser{"Alex": {page: page}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, l.outcomes)
}

func TestSessionLabel(t *testing.T) {
	assert.Equal(t, "Alex", sessionLabel("Alex", ""))
	assert.Equal(t, "Alex / Rewards", sessionLabel("Alex", "Rewards"))
}
