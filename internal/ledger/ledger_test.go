package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"offerclip/internal/offers"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func outcome(account, offerID string, kind offers.OutcomeKind) offers.ActivationOutcome {
	return offers.ActivationOutcome{
		Timestamp:    time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		RunID:        "run-1",
		AccountLabel: account,
		OfferID:      offerID,
		OfferLabel:   "Offer " + offerID,
		Kind:         kind,
	}
}

func TestSQLite_AppendAndRecords(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	o := outcome("Alex / Rewards", "a", offers.OutcomeActivated)
	o.Offer = offers.OfferDetails{Merchant: "Acme", Discount: "10% back", MaxDiscount: "$25", MinSpend: "$50", Expiration: date(2025, 4, 30)}
	require.NoError(t, st.Append(ctx, o))

	failed := outcome("Alex / Rewards", "b", offers.OutcomeFailed)
	failed.Detail = "activation not confirmed"
	require.NoError(t, st.Append(ctx, failed))

	records, err := st.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[0]
	assert.Equal(t, o.Timestamp, got.Timestamp)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, offers.OutcomeActivated, got.Kind)
	assert.Equal(t, "Acme", got.Offer.Merchant)
	assert.Equal(t, "$25", got.Offer.MaxDiscount)
	require.NotNil(t, got.Offer.Expiration)
	assert.Equal(t, "Apr 30, 2025", offers.FormatExpiration(got.Offer.Expiration))

	assert.Nil(t, records[1].Offer.Expiration)
	assert.Equal(t, "activation not confirmed", records[1].Detail)

	onlyFailed, err := st.Records(ctx, Filter{Kind: offers.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, "b", onlyFailed[0].OfferID)
}

func TestSQLite_ConcurrentAppends(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, st.Append(ctx, outcome(fmt.Sprintf("card-%d", a), fmt.Sprintf("%d", i), offers.OutcomeActivated)))
			}
		}(a)
	}
	wg.Wait()

	records, err := st.Records(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 40)

	perCard, err := st.Records(ctx, Filter{Account: "card-2"})
	require.NoError(t, err)
	require.Len(t, perCard, 10)
	for i, r := range perCard {
		assert.Equal(t, fmt.Sprintf("%d", i), r.OfferID, "appends from one session keep their order")
	}
}

func TestSQLite_Prune(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	expired := outcome("card", "old", offers.OutcomeActivated)
	expired.Offer.Expiration = date(2025, 2, 1)
	current := outcome("card", "new", offers.OutcomeActivated)
	current.Offer.Expiration = date(2025, 3, 10)
	dup := current
	dup.Timestamp = dup.Timestamp.Add(time.Hour)
	otherKind := outcome("card", "new", offers.OutcomeAlreadyActive)
	skipped := outcome("card", "", offers.OutcomeSkippedNoOffers)

	for _, o := range []offers.ActivationOutcome{expired, current, dup, otherKind, skipped, skipped} {
		require.NoError(t, st.Append(ctx, o))
	}

	res, err := st.Prune(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, int64(1), res.Duplicates)

	records, err := st.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, current.Timestamp, records[0].Timestamp, "earliest duplicate is kept")
	assert.Equal(t, offers.OutcomeAlreadyActive, records[1].Kind)
}

func TestSQLite_SessionsAndSummary(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	sum := offers.SessionSummary{
		AccountLabel:   "card",
		ActivatedCount: 1,
		FailedCount:    1,
		Cycles:         2,
		TerminalState:  offers.StateDone,
		StartedAt:      started,
		FinishedAt:     started.Add(time.Minute),
	}
	require.NoError(t, st.RecordSession(ctx, "run-1", sum))
	sum.ActivatedCount = 2
	require.NoError(t, st.RecordSession(ctx, "run-1", sum))

	sessions, err := st.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].ActivatedCount)
	assert.Equal(t, offers.StateDone, sessions[0].TerminalState)
	assert.Equal(t, started, sessions[0].StartedAt)

	require.NoError(t, st.Append(ctx, outcome("card", "a", offers.OutcomeActivated)))
	require.NoError(t, st.Append(ctx, outcome("card", "b", offers.OutcomeActivated)))
	require.NoError(t, st.Append(ctx, outcome("other", "a", offers.OutcomeFailed)))

	counts, err := st.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []KindCount{
		{Account: "card", Kind: offers.OutcomeActivated, Count: 2},
		{Account: "other", Kind: offers.OutcomeFailed, Count: 1},
	}, counts)
}

func TestExportXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offers.xlsx")
	o := outcome("card", "a", offers.OutcomeActivated)
	o.Offer = offers.OfferDetails{Merchant: "Acme", Discount: "10% back", MaxDiscount: "$25", MinSpend: "$50", Expiration: date(2025, 4, 30)}
	records := []Record{{Seq: 1, ActivationOutcome: o}}
	sessions := []SessionRecord{{RunID: "run-1", SessionSummary: offers.SessionSummary{AccountLabel: "card", ActivatedCount: 1, TerminalState: offers.StateDone}}}

	require.NoError(t, ExportXLSX(path, records, sessions))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	sheet, ok := f.Sheet[offersSheet]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "Card", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "Acme", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "Apr 30, 2025", sheet.Rows[1].Cells[6].String())
	assert.Equal(t, "ACTIVATED", sheet.Rows[1].Cells[7].String())

	log, ok := f.Sheet[logSheet]
	require.True(t, ok)
	require.Len(t, log.Rows, 2)
	assert.Equal(t, "run-1", log.Rows[1].Cells[0].String())
	assert.Equal(t, "DONE", log.Rows[1].Cells[7].String())
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	RenderSummary(&buf, []KindCount{
		{Account: "zeta", Kind: offers.OutcomeFailed, Count: 2},
		{Account: "alpha", Kind: offers.OutcomeActivated, Count: 3},
	})

	out := buf.String()
	assert.Contains(t, out, "ACTIVATED")
	assert.Contains(t, out, "alpha")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("alpha")), bytes.Index(buf.Bytes(), []byte("zeta")))
}

func TestMulti_AttemptsEveryWriter(t *testing.T) {
	var got []string
	first := offers.LedgerFunc(func(context.Context, offers.ActivationOutcome) error {
		got = append(got, "first")
		return errors.New("disk full")
	})
	second := offers.LedgerFunc(func(context.Context, offers.ActivationOutcome) error {
		got = append(got, "second")
		return nil
	})

	err := Multi(first, second).Append(context.Background(), outcome("card", "a", offers.OutcomeActivated))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := LogWriter{Logger: zap.New(core)}

	o := outcome("card", "a", offers.OutcomeFailed)
	o.Detail = "timeout"
	require.NoError(t, w.Append(context.Background(), o))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "timeout", entries[0].ContextMap()["detail"])
	assert.Equal(t, "FAILED", entries[0].ContextMap()["kind"])
}
