package offers

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicyConfig controls retries at the offer and scan granularity.
type RetryPolicyConfig struct {
	// MaxRetriesPerOffer is the number of retries after the first attempt of
	// a click, a verification or a scan. Zero means a single attempt.
	MaxRetriesPerOffer int

	// MaxScanCycles bounds the number of scan cycles in one session.
	MaxScanCycles int

	// RetryBackoff is the delay before the first retry. It doubles on each
	// following retry up to MaxBackoff.
	RetryBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 10s.
	MaxBackoff time.Duration

	// JitterFraction adds ±fraction random jitter to each delay.
	JitterFraction float64

	// TransientErrorClassifier overrides Classify when set.
	TransientErrorClassifier func(err error) ErrorClass

	// OnRetry is called before each retry sleep.
	OnRetry func(op string, attempt int, err error)
}

// DefaultRetryPolicyConfig mirrors the values the CLI ships with.
func DefaultRetryPolicyConfig() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxRetriesPerOffer: 3,
		MaxScanCycles:      8,
		RetryBackoff:       750 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		JitterFraction:     0.2,
	}
}

func (c RetryPolicyConfig) withDefaults() RetryPolicyConfig {
	if c.MaxRetriesPerOffer < 0 {
		c.MaxRetriesPerOffer = 0
	}
	if c.MaxScanCycles <= 0 {
		c.MaxScanCycles = 8
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.TransientErrorClassifier == nil {
		c.TransientErrorClassifier = Classify
	}
	return c
}

// policy is the per-session instance of a RetryPolicyConfig.
type policy struct {
	cfg   RetryPolicyConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func newPolicy(cfg RetryPolicyConfig) *policy {
	return &policy{cfg: cfg.withDefaults(), sleep: sleepContext}
}

func (p *policy) classify(err error) ErrorClass {
	return p.cfg.TransientErrorClassifier(err)
}

// do runs fn until it succeeds, returns a non-transient error, or the retry
// budget is spent. It returns the last error and its class.
func (p *policy) do(ctx context.Context, op string, fn func(ctx context.Context) error) (ErrorClass, error) {
	var (
		lastErr error
		class   ErrorClass
	)
	for attempt := 0; attempt <= p.cfg.MaxRetriesPerOffer; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return ClassPermanent, nil
		}
		if ctx.Err() != nil {
			return ClassFatal, ctx.Err()
		}

		class = p.classify(lastErr)
		if class != ClassTransient {
			return class, lastErr
		}
		if attempt == p.cfg.MaxRetriesPerOffer {
			break
		}

		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry(op, attempt+1, lastErr)
		}
		if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
			return ClassFatal, err
		}
	}
	return class, lastErr
}

func (p *policy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.RetryBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxBackoff) {
		delay = float64(p.cfg.MaxBackoff)
	}
	if p.cfg.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.cfg.JitterFraction
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry for an account.
func RetryLogger(account string) func(string, int, error) {
	return func(op string, attempt int, err error) {
		zap.L().Warn("retrying page operation",
			zap.String("account", account),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
