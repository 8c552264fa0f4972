package offers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Verdict is what a Predicate decides about one element.
type Verdict int

const (
	// VerdictIneligible elements are not offered for activation (hidden,
	// disabled, or not an offer at all).
	VerdictIneligible Verdict = iota
	// VerdictEligible elements can be activated now.
	VerdictEligible
	// VerdictActivated elements already show an activated marker.
	VerdictActivated
)

func (v Verdict) String() string {
	switch v {
	case VerdictEligible:
		return "eligible"
	case VerdictActivated:
		return "activated"
	default:
		return "ineligible"
	}
}

// Predicate decides whether an element is an offer that can be activated.
// The same predicate is used for detection and for verification after a
// click, so layout drift is confined to one replaceable object.
type Predicate interface {
	Evaluate(ctx context.Context, page PageSession, ref ElementRef) (Verdict, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context, page PageSession, ref ElementRef) (Verdict, error)

func (f PredicateFunc) Evaluate(ctx context.Context, page PageSession, ref ElementRef) (Verdict, error) {
	return f(ctx, page, ref)
}

// Marker matches an "activated" indicator on an element. An empty Attribute
// matches against the element text. Matching is case-insensitive.
type Marker struct {
	Attribute string `yaml:"attribute"`
	Contains  string `yaml:"contains"`
}

func (m Marker) Matches(info ElementInfo) bool {
	if m.Contains == "" {
		return false
	}
	haystack := info.Text
	if m.Attribute != "" {
		haystack = info.Attr(m.Attribute)
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(m.Contains))
}

// CapabilityPredicate is the default Predicate: an element is activated when
// any marker matches, eligible when it is visible and enabled.
type CapabilityPredicate struct {
	ActivatedMarkers []Marker
}

// DefaultMarkers covers the common "enrolled" renderings of offer tiles.
func DefaultMarkers() []Marker {
	return []Marker{
		{Attribute: "class", Contains: "enrolled"},
		{Attribute: "aria-label", Contains: "enrolled"},
		{Attribute: "data-state", Contains: "activated"},
		{Attribute: "aria-pressed", Contains: "true"},
	}
}

func (p CapabilityPredicate) Evaluate(ctx context.Context, page PageSession, ref ElementRef) (Verdict, error) {
	info, err := page.Describe(ctx, ref)
	if err != nil {
		return VerdictIneligible, err
	}
	for _, m := range p.ActivatedMarkers {
		if m.Matches(info) {
			return VerdictActivated, nil
		}
	}

	visible, err := page.IsElementVisible(ctx, ref)
	if err != nil {
		return VerdictIneligible, err
	}
	if !visible {
		return VerdictIneligible, nil
	}

	enabled, err := page.IsElementEnabled(ctx, ref)
	if err != nil {
		return VerdictIneligible, err
	}
	if !enabled {
		return VerdictIneligible, nil
	}
	return VerdictEligible, nil
}

var offerNamespace = uuid.MustParse("5b0e6c1c-7c55-4c3e-9d8f-2f1f0e4b9a61")

// Detector turns the page's current offer elements into OfferHandles.
type Detector struct {
	predicate Predicate
	keyAttrs  []string
	classify  func(error) ErrorClass
	now       func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithKeyAttributes sets the attributes tried, in order, as the source of an
// offer's stable ID before falling back to its text.
func WithKeyAttributes(attrs ...string) DetectorOption {
	return func(d *Detector) { d.keyAttrs = attrs }
}

// WithClassifier overrides the error classifier used while scanning.
func WithClassifier(fn func(error) ErrorClass) DetectorOption {
	return func(d *Detector) { d.classify = fn }
}

// WithClock overrides the discovery timestamp source.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector returns a Detector using pred for eligibility.
func NewDetector(pred Predicate, opts ...DetectorOption) *Detector {
	d := &Detector{
		predicate: pred,
		keyAttrs:  []string{"data-offer-id", "data-testid", "id"},
		classify:  Classify,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Predicate returns the eligibility predicate the detector scans with.
func (d *Detector) Predicate() Predicate {
	return d.predicate
}

// Scan queries the page's offer elements once and returns a cursor over the
// eligible ones. Eligibility is evaluated lazily as the cursor advances.
// exclude, when non-nil, hides offers by stable ID. A missing offer container
// yields an empty scan, not an error.
func (d *Detector) Scan(ctx context.Context, page PageSession, exclude func(id string) bool) (*Scan, error) {
	refs, err := page.QueryOfferElements(ctx)
	if err != nil {
		return nil, err
	}
	return &Scan{
		ctx:      ctx,
		page:     page,
		detector: d,
		refs:     refs,
		exclude:  exclude,
		seen:     make(map[string]bool, len(refs)),
	}, nil
}

// Scan is a single-use cursor over the offers found by one Detector.Scan call.
type Scan struct {
	ctx      context.Context
	page     PageSession
	detector *Detector
	refs     []ElementRef
	exclude  func(id string) bool
	seen     map[string]bool
	// retry, when set, reruns an element's inspection on transient errors.
	retry func(ctx context.Context, op string, fn func(ctx context.Context) error) (ErrorClass, error)

	pos     int
	current OfferHandle
	yielded int
	skipped int
	err     error
}

// Next advances to the next eligible offer. It returns false when the scan is
// exhausted or a fatal error occurred; check Err afterwards.
func (s *Scan) Next() bool {
	for s.err == nil && s.pos < len(s.refs) {
		ref := s.refs[s.pos]
		s.pos++

		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}

		var (
			handle OfferHandle
			ok     bool
		)
		inspect := func(ctx context.Context) error {
			var err error
			handle, ok, err = s.detector.inspect(ctx, s.page, ref)
			return err
		}
		var err error
		if s.retry != nil {
			_, err = s.retry(s.ctx, "inspect", inspect)
		} else {
			err = inspect(s.ctx)
		}
		if err != nil {
			switch s.detector.classify(err) {
			case ClassFatal:
				s.err = err
				return false
			case ClassTransient:
				s.skipped++
			}
			zap.L().Debug("skipping offer element", zap.Int("index", s.pos-1), zap.Error(err))
			continue
		}
		if !ok || s.seen[handle.ID] {
			continue
		}
		if s.exclude != nil && s.exclude(handle.ID) {
			continue
		}

		s.seen[handle.ID] = true
		s.current = handle
		s.yielded++
		return true
	}
	return false
}

// Handle returns the offer the last successful Next advanced to.
func (s *Scan) Handle() OfferHandle {
	return s.current
}

// Yielded is the number of handles returned so far.
func (s *Scan) Yielded() int {
	return s.yielded
}

// Skipped is the number of elements passed over because of transient errors.
// A scan that yielded nothing but skipped elements has not shown the page to
// be empty.
func (s *Scan) Skipped() int {
	return s.skipped
}

// Err returns the error that stopped the scan, if any.
func (s *Scan) Err() error {
	return s.err
}

func (d *Detector) inspect(ctx context.Context, page PageSession, ref ElementRef) (OfferHandle, bool, error) {
	verdict, err := d.predicate.Evaluate(ctx, page, ref)
	if err != nil {
		return OfferHandle{}, false, err
	}
	if verdict != VerdictEligible {
		return OfferHandle{}, false, nil
	}

	info, err := page.Describe(ctx, ref)
	if err != nil {
		return OfferHandle{}, false, err
	}

	details := ParseDetails(info.Text)
	label := info.Attr("aria-label")
	if label == "" {
		label = details.Merchant
	}
	if label == "" {
		label = "Unnamed offer"
	}

	return OfferHandle{
		ID:           d.stableID(info),
		Label:        label,
		Ref:          ref,
		Details:      details,
		DiscoveredAt: d.now(),
	}, true, nil
}

func (d *Detector) stableID(info ElementInfo) string {
	key := ""
	for _, attr := range d.keyAttrs {
		if v := strings.TrimSpace(info.Attr(attr)); v != "" {
			key = attr + "=" + v
			break
		}
	}
	if key == "" {
		key = "text=" + strings.Join(strings.Fields(strings.ToLower(info.Text)), " ")
	}
	return uuid.NewSHA1(offerNamespace, []byte(key)).String()
}
