package ledger

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"offerclip/internal/offers"
)

// LogWriter writes every outcome as one structured log entry.
type LogWriter struct {
	Logger *zap.Logger
}

func (w LogWriter) Append(_ context.Context, o offers.ActivationOutcome) error {
	log := w.Logger
	if log == nil {
		log = zap.L()
	}
	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.String("account", o.AccountLabel),
		zap.String("offer_id", o.OfferID),
		zap.String("offer", o.OfferLabel),
		zap.String("kind", string(o.Kind)),
		zap.Time("at", o.Timestamp),
	}
	if o.Offer.Discount != "" {
		fields = append(fields, zap.String("discount", o.Offer.Discount))
	}
	if exp := offers.FormatExpiration(o.Offer.Expiration); exp != "" {
		fields = append(fields, zap.String("expires", exp))
	}
	if o.Detail != "" {
		fields = append(fields, zap.String("detail", o.Detail))
	}

	if o.Kind == offers.OutcomeFailed {
		log.Warn("ledger outcome", fields...)
	} else {
		log.Info("ledger outcome", fields...)
	}
	return nil
}

// Multi fans an outcome out to every writer. All writers are attempted; their
// errors are combined.
func Multi(writers ...offers.LedgerWriter) offers.LedgerWriter {
	return multiWriter(writers)
}

type multiWriter []offers.LedgerWriter

func (m multiWriter) Append(ctx context.Context, o offers.ActivationOutcome) error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Append(ctx, o))
	}
	return err
}
