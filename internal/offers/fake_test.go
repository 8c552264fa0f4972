package offers

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeOffer struct {
	id        string
	text      string
	visible   bool
	enabled   bool
	activated bool

	// clickErrs are returned by successive clicks before a click succeeds.
	clickErrs []error
	// stuck offers accept clicks without ever showing as activated.
	stuck bool
	// reveals are appended to the page when this offer is activated.
	reveals []*fakeOffer

	clicks int
}

func newOffer(id, text string) *fakeOffer {
	return &fakeOffer{id: id, text: text, visible: true, enabled: true}
}

type fakePage struct {
	mu sync.Mutex

	offers       []*fakeOffer
	notOnOffers  bool
	pageCheckErr error
	queryErrs    []error
	queries      int
	// describeErrs are returned by successive Describe calls on any offer.
	describeErrs []error
}

func newPage(offers ...*fakeOffer) *fakePage {
	return &fakePage{offers: offers}
}

func (p *fakePage) CurrentPageIsOffersPage(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pageCheckErr != nil {
		return false, p.pageCheckErr
	}
	return !p.notOnOffers, nil
}

func (p *fakePage) QueryOfferElements(_ context.Context) ([]ElementRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	if len(p.queryErrs) > 0 {
		err := p.queryErrs[0]
		p.queryErrs = p.queryErrs[1:]
		return nil, err
	}
	refs := make([]ElementRef, 0, len(p.offers))
	for _, o := range p.offers {
		refs = append(refs, o)
	}
	return refs, nil
}

func (p *fakePage) offer(ref ElementRef) (*fakeOffer, error) {
	o, ok := ref.(*fakeOffer)
	if !ok {
		return nil, errors.New("foreign element reference")
	}
	return o, nil
}

func (p *fakePage) IsElementVisible(_ context.Context, ref ElementRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.offer(ref)
	if err != nil {
		return false, err
	}
	return o.visible, nil
}

func (p *fakePage) IsElementEnabled(_ context.Context, ref ElementRef) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.offer(ref)
	if err != nil {
		return false, err
	}
	return o.enabled, nil
}

func (p *fakePage) Describe(_ context.Context, ref ElementRef) (ElementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.offer(ref)
	if err != nil {
		return ElementInfo{}, err
	}
	if len(p.describeErrs) > 0 {
		err := p.describeErrs[0]
		p.describeErrs = p.describeErrs[1:]
		return ElementInfo{}, err
	}
	class := "offer-tile"
	if o.activated {
		class += " enrolled"
	}
	return ElementInfo{
		Text: o.text,
		Attributes: map[string]string{
			"data-offer-id": o.id,
			"class":         class,
		},
	}, nil
}

func (p *fakePage) Click(_ context.Context, ref ElementRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.offer(ref)
	if err != nil {
		return err
	}
	o.clicks++
	if len(o.clickErrs) > 0 {
		err := o.clickErrs[0]
		o.clickErrs = o.clickErrs[1:]
		return err
	}
	if o.stuck {
		return nil
	}
	if !o.activated {
		o.activated = true
		p.offers = append(p.offers, o.reveals...)
	}
	return nil
}

type memLedger struct {
	mu       sync.Mutex
	outcomes []ActivationOutcome
	err      error
}

func (l *memLedger) Append(_ context.Context, o ActivationOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *memLedger) kinds() []OutcomeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]OutcomeKind, len(l.outcomes))
	for i, o := range l.outcomes {
		kinds[i] = o.Kind
	}
	return kinds
}

func (l *memLedger) labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	labels := make([]string, len(l.outcomes))
	for i, o := range l.outcomes {
		labels[i] = o.OfferLabel
	}
	return labels
}

func fastPolicy(retries int) RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxRetriesPerOffer: retries,
		MaxScanCycles:      8,
		RetryBackoff:       time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}
}

func testSession(account string) SessionContext {
	return SessionContext{RunID: "run-1", AccountLabel: account, StartedAt: time.Now()}
}
