package portal

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"offerclip/internal/offers"
)

// Navigation controls how OpenOffers heals a page that does not load.
type Navigation struct {
	HomeURL     string
	MaxAttempts int
	Delay       time.Duration
	// BounceAfter is the attempt after which a reload is replaced by a
	// home-then-back round trip.
	BounceAfter int
}

func (n Navigation) withDefaults() Navigation {
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 8
	}
	if n.Delay <= 0 {
		n.Delay = 2 * time.Second
	}
	if n.BounceAfter <= 0 {
		n.BounceAfter = 3
	}
	return n
}

// navStep is what OpenOffers does on a given attempt.
type navStep int

const (
	stepNavigate navStep = iota
	stepReload
	stepBounce
)

func (n Navigation) step(attempt int) navStep {
	switch {
	case attempt <= 1:
		return stepNavigate
	case attempt > n.BounceAfter && n.HomeURL != "":
		return stepBounce
	default:
		return stepReload
	}
}

// OpenOffers navigates to the offers page, healing with reloads and a
// home-then-back bounce. Exhausting the attempts is fatal for the session.
func (p *Page) OpenOffers(ctx context.Context, nav Navigation) error {
	nav = nav.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= nav.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return offers.Fatal(eris.Wrap(err, "portal: open offers page"))
		}

		step := nav.step(attempt)
		if err := p.navigate(ctx, step, nav.HomeURL); err != nil {
			lastErr = err
			p.log.Warn("offers page navigation failed", zap.Int("attempt", attempt), zap.Error(err))
		} else if ok, err := p.CurrentPageIsOffersPage(ctx); err != nil {
			lastErr = err
		} else if ok {
			if attempt > 1 {
				p.log.Info("offers page recovered", zap.Int("attempts", attempt))
			}
			p.DismissPopups(ctx)
			return nil
		} else {
			lastErr = eris.New("page loaded but is not the offers page")
		}

		if attempt < nav.MaxAttempts {
			if err := sleepContext(ctx, nav.Delay); err != nil {
				return offers.Fatal(eris.Wrap(err, "portal: open offers page"))
			}
		}
	}
	return offers.Fatal(eris.Wrapf(offers.ErrOffersPageUnreachable,
		"portal: %s after %d attempts: %v", p.opts.OffersURL, nav.MaxAttempts, lastErr))
}

func (p *Page) navigate(ctx context.Context, step navStep, homeURL string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()

	switch step {
	case stepReload:
		if err := page.Reload(); err != nil {
			return classify(err, "reload")
		}
	case stepBounce:
		if err := page.Navigate(homeURL); err != nil {
			return classify(err, "navigate home")
		}
		if err := page.WaitLoad(); err != nil {
			return classify(err, "wait home load")
		}
		fallthrough
	default:
		if err := page.Navigate(p.opts.OffersURL); err != nil {
			return classify(err, "navigate offers")
		}
	}
	return classify(page.WaitLoad(), "wait offers load")
}

// Cards lists the labels of the card dropdown. Without a configured dropdown
// it returns nil and the account is treated as a single card.
func (p *Page) Cards(ctx context.Context) ([]string, error) {
	sel := p.opts.Selectors
	if sel.CardOption == "" {
		return nil, nil
	}
	if err := p.toggleDropdown(ctx); err != nil {
		return nil, err
	}

	page, cancel := p.bounded(ctx)
	defer cancel()
	res, err := page.Eval(`(sel) => Array.from(document.querySelectorAll(sel)).map(o => (o.innerText || '').trim()).filter(Boolean)`, sel.CardOption)
	if err != nil {
		return nil, classify(err, "list cards")
	}

	var cards []string
	seen := map[string]bool{}
	for _, v := range res.Value.Arr() {
		label := v.Str()
		if !seen[label] {
			seen[label] = true
			cards = append(cards, label)
		}
	}

	if err := p.toggleDropdown(ctx); err != nil {
		return nil, err
	}
	return cards, nil
}

// SelectCard picks label from the card dropdown and waits for the offers to
// reload.
func (p *Page) SelectCard(ctx context.Context, label string) error {
	sel := p.opts.Selectors
	if sel.CardOption == "" {
		return nil
	}
	if err := p.toggleDropdown(ctx); err != nil {
		return err
	}

	page, cancel := p.bounded(ctx)
	defer cancel()
	options, err := page.Elements(sel.CardOption)
	if err != nil {
		return classify(err, "list cards")
	}
	for _, opt := range options {
		text, err := opt.Text()
		if err != nil || strings.TrimSpace(text) != label {
			continue
		}
		if err := opt.ScrollIntoView(); err != nil {
			return classify(err, "scroll to card")
		}
		if err := opt.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return classify(err, "select card")
		}
		if err := page.WaitLoad(); err != nil {
			return classify(err, "wait card offers")
		}
		p.DismissPopups(ctx)
		return nil
	}
	return offers.Permanent(eris.Errorf("portal: card %q not found in dropdown", label))
}

func (p *Page) toggleDropdown(ctx context.Context) error {
	sel := p.opts.Selectors.CardDropdown
	if sel == "" {
		return nil
	}
	page, cancel := p.bounded(ctx)
	defer cancel()

	dropdown, err := page.Element(sel)
	if err != nil {
		return classify(err, "find card dropdown")
	}
	if err := dropdown.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err, "open card dropdown")
	}
	return nil
}
