// Package ledger persists activation outcomes and session summaries.
package ledger

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"offerclip/internal/offers"
)

const dateLayout = "2006-01-02"

// Record is one stored activation outcome.
type Record struct {
	Seq int64
	offers.ActivationOutcome
}

// SessionRecord is one stored session summary.
type SessionRecord struct {
	RunID string
	offers.SessionSummary
}

// Filter narrows Records. Zero values match everything.
type Filter struct {
	RunID   string
	Account string
	Kind    offers.OutcomeKind
}

// PruneResult reports how many rows Prune removed.
type PruneResult struct {
	Expired    int64
	Duplicates int64
}

// KindCount is one row of Summary.
type KindCount struct {
	Account string
	Kind    offers.OutcomeKind
	Count   int
}

// SQLite is the append-only outcome store backed by modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens a SQLite database at path and configures WAL mode.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS activations (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at  TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	account      TEXT NOT NULL,
	offer_id     TEXT NOT NULL DEFAULT '',
	offer_label  TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	merchant     TEXT NOT NULL DEFAULT '',
	discount     TEXT NOT NULL DEFAULT '',
	max_discount TEXT NOT NULL DEFAULT '',
	min_spend    TEXT NOT NULL DEFAULT '',
	expires_on   TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
	run_id         TEXT NOT NULL,
	account        TEXT NOT NULL,
	activated      INTEGER NOT NULL DEFAULT 0,
	already_active INTEGER NOT NULL DEFAULT 0,
	failed         INTEGER NOT NULL DEFAULT 0,
	skipped        INTEGER NOT NULL DEFAULT 0,
	cycles         INTEGER NOT NULL DEFAULT 0,
	terminal_state TEXT NOT NULL,
	diagnostic     TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	finished_at    TEXT NOT NULL,
	PRIMARY KEY (run_id, account)
);

CREATE INDEX IF NOT EXISTS idx_activations_account ON activations(account);
CREATE INDEX IF NOT EXISTS idx_activations_run_id ON activations(run_id);
CREATE INDEX IF NOT EXISTS idx_activations_expires_on ON activations(expires_on);
`

func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Append stores one outcome as a single row. Concurrent sessions are
// serialized so rows never interleave.
func (s *SQLite) Append(ctx context.Context, o offers.ActivationOutcome) error {
	var expires any
	if o.Offer.Expiration != nil {
		expires = o.Offer.Expiration.Format(dateLayout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activations (recorded_at, run_id, account, offer_id, offer_label, kind, detail,
			merchant, discount, max_discount, min_spend, expires_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(o.Timestamp), o.RunID, o.AccountLabel, o.OfferID, o.OfferLabel, string(o.Kind), o.Detail,
		o.Offer.Merchant, o.Offer.Discount, o.Offer.MaxDiscount, o.Offer.MinSpend, expires,
	)
	return eris.Wrapf(err, "sqlite: append %s outcome for %s", o.Kind, o.AccountLabel)
}

// RecordSession upserts the summary of one session.
func (s *SQLite) RecordSession(ctx context.Context, runID string, sum offers.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (run_id, account, activated, already_active, failed, skipped, cycles,
			terminal_state, diagnostic, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, account) DO UPDATE SET
			activated = excluded.activated,
			already_active = excluded.already_active,
			failed = excluded.failed,
			skipped = excluded.skipped,
			cycles = excluded.cycles,
			terminal_state = excluded.terminal_state,
			diagnostic = excluded.diagnostic,
			finished_at = excluded.finished_at`,
		runID, sum.AccountLabel, sum.ActivatedCount, sum.AlreadyActiveCount, sum.FailedCount, sum.SkippedCount,
		sum.Cycles, string(sum.TerminalState), sum.Diagnostic, formatTime(sum.StartedAt), formatTime(sum.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: record session %s/%s", runID, sum.AccountLabel)
}

// Records returns stored outcomes in append order.
func (s *SQLite) Records(ctx context.Context, f Filter) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, recorded_at, run_id, account, offer_id, offer_label, kind, detail,
			merchant, discount, max_discount, min_spend, expires_on
		FROM activations
		WHERE (? = '' OR run_id = ?) AND (? = '' OR account = ?) AND (? = '' OR kind = ?)
		ORDER BY seq`,
		f.RunID, f.RunID, f.Account, f.Account, string(f.Kind), string(f.Kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query activations")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			recorded  string
			kind      string
			expiresOn sql.NullString
		)
		if err := rows.Scan(&r.Seq, &recorded, &r.RunID, &r.AccountLabel, &r.OfferID, &r.OfferLabel, &kind, &r.Detail,
			&r.Offer.Merchant, &r.Offer.Discount, &r.Offer.MaxDiscount, &r.Offer.MinSpend, &expiresOn); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activation")
		}
		r.Kind = offers.OutcomeKind(kind)
		if r.Timestamp, err = parseTime(recorded); err != nil {
			return nil, err
		}
		if expiresOn.Valid {
			t, err := time.Parse(dateLayout, expiresOn.String)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: parse expiration %q", expiresOn.String)
			}
			r.Offer.Expiration = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate activations")
}

// Sessions returns stored session summaries, oldest first.
func (s *SQLite) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, account, activated, already_active, failed, skipped, cycles,
			terminal_state, diagnostic, started_at, finished_at
		FROM sessions ORDER BY started_at, account`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query sessions")
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r                 SessionRecord
			state             string
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &r.AccountLabel, &r.ActivatedCount, &r.AlreadyActiveCount, &r.FailedCount,
			&r.SkippedCount, &r.Cycles, &state, &r.Diagnostic, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		r.TerminalState = offers.TerminalState(state)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sessions")
}

// Prune deletes outcomes whose offer expired before today and duplicate
// outcomes (same account, offer and kind), keeping the earliest row.
func (s *SQLite) Prune(ctx context.Context, today time.Time) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, eris.Wrap(err, "sqlite: begin prune")
	}
	defer tx.Rollback() //nolint:errcheck

	var res PruneResult
	expired, err := tx.ExecContext(ctx,
		`DELETE FROM activations WHERE expires_on IS NOT NULL AND expires_on < ?`,
		today.Format(dateLayout),
	)
	if err != nil {
		return PruneResult{}, eris.Wrap(err, "sqlite: delete expired")
	}
	res.Expired, _ = expired.RowsAffected()

	dups, err := tx.ExecContext(ctx,
		`DELETE FROM activations
		WHERE offer_id != '' AND seq NOT IN (
			SELECT MIN(seq) FROM activations WHERE offer_id != '' GROUP BY account, offer_id, kind
		)`,
	)
	if err != nil {
		return PruneResult{}, eris.Wrap(err, "sqlite: delete duplicates")
	}
	res.Duplicates, _ = dups.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PruneResult{}, eris.Wrap(err, "sqlite: commit prune")
	}
	return res, nil
}

// Summary counts outcomes per account and kind.
func (s *SQLite) Summary(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, kind, COUNT(*) FROM activations GROUP BY account, kind ORDER BY account, kind`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query summary")
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var (
			c    KindCount
			kind string
		)
		if err := rows.Scan(&c.Account, &kind, &c.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		c.Kind = offers.OutcomeKind(kind)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate summary")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}
