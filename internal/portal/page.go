// Package portal drives a card portal's offers page through go-rod and
// implements offers.PageSession on top of it.
package portal

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"offerclip/internal/offers"
)

// Selectors locate the parts of the offers page. Only OfferTile is required.
type Selectors struct {
	OfferTile    string   `yaml:"offer_tile"`
	EnrollButton string   `yaml:"enroll_button"`
	ErrorBanner  string   `yaml:"error_banner"`
	NotFound     string   `yaml:"not_found"`
	Popups       []string `yaml:"popups"`
	// ModalClose are the close controls of the offer details modal that
	// opens after an enrollment.
	ModalClose   []string `yaml:"modal_close"`
	ShowMore     string   `yaml:"show_more"`
	CardDropdown string   `yaml:"card_dropdown"`
	CardOption   string   `yaml:"card_option"`
}

// DefaultSelectors matches the common card-portal markup.
func DefaultSelectors() Selectors {
	return Selectors{
		OfferTile:    "[data-testid='offer-tile'], .offer-tile, .merchant-offer",
		EnrollButton: "button[aria-label*='Enroll' i], button.enroll, [role='button'][data-action='enroll']",
		ErrorBanner:  "[role='alert'], .enroll-error",
		NotFound:     ".page-not-found, #error-404",
		Popups: []string{
			"button[aria-label='No thanks']",
			"button[aria-label='Not now']",
		},
		ModalClose: []string{
			"button[aria-label='Close']",
			"button.cds-modal-close",
			".modal [aria-label='Close']",
		},
		ShowMore: "button.show-more, button[data-action='load-more']",
	}
}

// Options configures a Page.
type Options struct {
	OffersURL       string
	Selectors       Selectors
	ActionTimeout   time.Duration
	BannerWait      time.Duration
	ActivatedMarker []offers.Marker
	// MaxExpandRounds bounds the "show more" clicks of one ExpandOffers call.
	MaxExpandRounds int
	ExpandWait      time.Duration
}

// Page is an offers.PageSession over a rod page. Element references are
// *rod.Element offer tiles.
type Page struct {
	page *rod.Page
	opts Options
	log  *zap.Logger
}

// New wraps page. The page is expected to be logged in already.
func New(page *rod.Page, opts Options) *Page {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.BannerWait <= 0 {
		opts.BannerWait = 600 * time.Millisecond
	}
	if opts.ActivatedMarker == nil {
		opts.ActivatedMarker = offers.DefaultMarkers()
	}
	if opts.MaxExpandRounds <= 0 {
		opts.MaxExpandRounds = 20
	}
	if opts.ExpandWait <= 0 {
		opts.ExpandWait = 300 * time.Millisecond
	}
	return &Page{page: page, opts: opts, log: zap.L().Named("portal")}
}

// Rod returns the underlying rod page.
func (p *Page) Rod() *rod.Page {
	return p.page
}

func (p *Page) bounded(ctx context.Context) (*rod.Page, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ActionTimeout)
	return p.page.Context(ctx), cancel
}

func (p *Page) CurrentPageIsOffersPage(ctx context.Context) (bool, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()

	info, err := page.Info()
	if err != nil {
		return false, classify(err, "read page info")
	}
	if !SameLocation(info.URL, p.opts.OffersURL) {
		p.log.Debug("not on offers page", zap.String("url", info.URL))
		return false, nil
	}

	if p.opts.Selectors.NotFound != "" {
		has, _, err := page.Has(p.opts.Selectors.NotFound)
		if err != nil {
			return false, classify(err, "check not-found marker")
		}
		if has {
			return false, nil
		}
	}

	status, err := page.Eval(`() => window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200`)
	if err == nil && status.Value.Int() == 404 {
		return false, nil
	}
	return true, nil
}

func (p *Page) QueryOfferElements(ctx context.Context) ([]offers.ElementRef, error) {
	p.DismissPopups(ctx)
	p.ExpandOffers(ctx)

	page, cancel := p.bounded(ctx)
	defer cancel()

	els, err := page.Elements(p.opts.Selectors.OfferTile)
	if err != nil {
		return nil, classify(err, "query offer tiles")
	}
	refs := make([]offers.ElementRef, 0, len(els))
	for _, el := range els {
		refs = append(refs, el)
	}
	return refs, nil
}

func (p *Page) IsElementVisible(ctx context.Context, ref offers.ElementRef) (bool, error) {
	el, cancel, err := p.element(ctx, ref)
	if err != nil {
		return false, err
	}
	defer cancel()

	visible, err := el.Visible()
	if err != nil {
		return false, classify(err, "check visibility")
	}
	return visible, nil
}

const enabledJS = `(sel) => {
	const target = (sel && this.querySelector(sel)) || this;
	return !(target.disabled || target.getAttribute('aria-disabled') === 'true');
}`

func (p *Page) IsElementEnabled(ctx context.Context, ref offers.ElementRef) (bool, error) {
	el, cancel, err := p.element(ctx, ref)
	if err != nil {
		return false, err
	}
	defer cancel()

	res, err := el.Eval(enabledJS, p.opts.Selectors.EnrollButton)
	if err != nil {
		return false, classify(err, "check enabled")
	}
	return res.Value.Bool(), nil
}

// describeJS returns the tile text and attributes. Attributes of the enroll
// control are merged in so markers on the button are seen on the tile.
const describeJS = `(sel) => {
	const attrs = {};
	const merge = (el) => {
		for (const a of el.attributes) {
			attrs[a.name] = attrs[a.name] ? attrs[a.name] + ' ' + a.value : a.value;
		}
	};
	merge(this);
	const btn = sel ? this.querySelector(sel) : null;
	if (btn) merge(btn);
	return { text: this.innerText || '', attrs: attrs };
}`

func (p *Page) Describe(ctx context.Context, ref offers.ElementRef) (offers.ElementInfo, error) {
	el, cancel, err := p.element(ctx, ref)
	if err != nil {
		return offers.ElementInfo{}, err
	}
	defer cancel()

	res, err := el.Eval(describeJS, p.opts.Selectors.EnrollButton)
	if err != nil {
		return offers.ElementInfo{}, classify(err, "describe offer")
	}

	info := offers.ElementInfo{
		Text:       res.Value.Get("text").Str(),
		Attributes: map[string]string{},
	}
	for k, v := range res.Value.Get("attrs").Map() {
		info.Attributes[k] = v.Str()
	}
	return info, nil
}

// Click presses the tile's enroll control and reports an enrollment error
// banner as a transient failure. The details modal the portal opens after an
// enrollment is closed before returning.
func (p *Page) Click(ctx context.Context, ref offers.ElementRef) error {
	el, cancel, err := p.element(ctx, ref)
	if err != nil {
		return err
	}
	defer cancel()

	p.DismissPopups(ctx)

	target := el
	if sel := p.opts.Selectors.EnrollButton; sel != "" {
		found, err := el.Elements(sel)
		if err != nil {
			return classify(err, "find enroll control")
		}
		if len(found) == 0 {
			return offers.Permanent(eris.New("portal: offer has no enroll control"))
		}
		target = found[0]
	}

	if active, err := p.showsActivated(target); err == nil && active {
		return offers.ErrAlreadyActive
	}

	if err := target.ScrollIntoView(); err != nil {
		return classify(err, "scroll to enroll control")
	}
	if err := target.Click(proto.InputMouseButtonLeft, 1); err != nil {
		var covered *rod.CoveredError
		if errors.As(err, &covered) {
			p.CloseModal(ctx)
		}
		return classify(err, "click enroll control")
	}

	err = p.checkBanner(ctx)
	p.CloseModal(ctx)
	return err
}

func (p *Page) showsActivated(el *rod.Element) (bool, error) {
	res, err := el.Eval(describeJS, "")
	if err != nil {
		return false, err
	}
	info := offers.ElementInfo{Text: res.Value.Get("text").Str(), Attributes: map[string]string{}}
	for k, v := range res.Value.Get("attrs").Map() {
		info.Attributes[k] = v.Str()
	}
	for _, m := range p.opts.ActivatedMarker {
		if m.Matches(info) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) checkBanner(ctx context.Context) error {
	sel := p.opts.Selectors.ErrorBanner
	if sel == "" {
		return nil
	}
	if err := sleepContext(ctx, p.opts.BannerWait); err != nil {
		return err
	}

	page, cancel := p.bounded(ctx)
	defer cancel()
	banners, err := page.Elements(sel)
	if err != nil {
		return nil
	}
	for _, b := range banners {
		visible, err := b.Visible()
		if err != nil || !visible {
			continue
		}
		text, err := b.Text()
		if err != nil {
			continue
		}
		if isEnrollError(text) {
			return offers.Transient(eris.Errorf("portal: enrollment rejected: %s", strings.TrimSpace(text)))
		}
	}
	return nil
}

func isEnrollError(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "unable to enroll") ||
		strings.Contains(t, "something went wrong") ||
		strings.Contains(t, "try again")
}

// DismissPopups clicks every visible popup or modal close control and returns
// how many it closed. Failures are ignored.
func (p *Page) DismissPopups(ctx context.Context) int {
	page, cancel := p.bounded(ctx)
	defer cancel()

	closed := 0
	for _, sel := range append(slices.Clone(p.opts.Selectors.Popups), p.opts.Selectors.ModalClose...) {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if visible, err := el.Visible(); err != nil || !visible {
				continue
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
				closed++
				p.log.Debug("dismissed popup", zap.String("selector", sel))
			}
		}
	}
	return closed
}

// CloseModal closes whatever overlay is open: a close control when one is
// visible, the Escape key otherwise.
func (p *Page) CloseModal(ctx context.Context) {
	if p.DismissPopups(ctx) > 0 {
		return
	}
	page, cancel := p.bounded(ctx)
	defer cancel()
	if err := page.KeyActions().Press(input.Escape).Do(); err != nil {
		p.log.Debug("escape key failed", zap.Error(err))
	}
}

// expandJS clicks every visible "show more" control and returns how many it
// clicked. Buttons are matched by selector or by their text.
const expandJS = `(sel) => {
	const found = new Set(sel ? document.querySelectorAll(sel) : []);
	for (const b of document.querySelectorAll('button, [role="button"]')) {
		const t = (b.innerText || '').trim().toLowerCase();
		if (t.includes('show more') || t.includes('load more')) found.add(b);
	}
	let clicked = 0;
	for (const b of found) {
		if (!b.offsetParent || b.disabled) continue;
		b.scrollIntoView({block: 'center'});
		b.click();
		clicked++;
	}
	return clicked;
}`

// ExpandOffers clicks "show more" until the whole offer list is rendered or
// MaxExpandRounds is reached. It returns the number of clicks.
func (p *Page) ExpandOffers(ctx context.Context) int {
	total := 0
	for round := 0; round < p.opts.MaxExpandRounds; round++ {
		page, cancel := p.bounded(ctx)
		res, err := page.Eval(expandJS, p.opts.Selectors.ShowMore)
		cancel()
		if err != nil {
			p.log.Debug("expand offers failed", zap.Error(err))
			return total
		}
		n := res.Value.Int()
		if n == 0 {
			break
		}
		total += n
		if err := sleepContext(ctx, p.opts.ExpandWait); err != nil {
			return total
		}
	}
	if total > 0 {
		p.log.Debug("expanded offer list", zap.Int("clicks", total))
	}
	return total
}

func (p *Page) element(ctx context.Context, ref offers.ElementRef) (*rod.Element, context.CancelFunc, error) {
	el, ok := ref.(*rod.Element)
	if !ok || el == nil {
		return nil, nil, offers.Permanent(eris.Errorf("portal: unexpected element reference %T", ref))
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.ActionTimeout)
	return el.Context(ctx), cancel, nil
}

// SameLocation reports whether current points at the same host and path as
// want. Query strings and fragments are ignored.
func SameLocation(current, want string) bool {
	if want == "" {
		return true
	}
	cu, err := url.Parse(current)
	if err != nil {
		return false
	}
	wu, err := url.Parse(want)
	if err != nil {
		return false
	}
	return strings.EqualFold(cu.Host, wu.Host) &&
		strings.TrimRight(cu.Path, "/") == strings.TrimRight(wu.Path, "/")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
