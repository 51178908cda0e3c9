package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"pricewatch/models"
)

// Fixed width so that lexical order in TEXT columns is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		search_term TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		item_count INTEGER NOT NULL,
		truncated INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshot_items (
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
		item_id TEXT NOT NULL,
		title TEXT,
		price INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		search_term TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		url TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS item_states (
		search_term TEXT NOT NULL,
		item_id TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL,
		price INTEGER NOT NULL,
		currency TEXT NOT NULL,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		last_changed TEXT NOT NULL,
		absence_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (search_term, item_id)
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		search_term TEXT NOT NULL,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		at TEXT NOT NULL,
		old_status TEXT,
		new_status TEXT NOT NULL,
		old_price INTEGER,
		new_price INTEGER,
		currency TEXT
	);

	CREATE TABLE IF NOT EXISTS term_status (
		search_term TEXT PRIMARY KEY,
		empty_streak INTEGER NOT NULL DEFAULT 0,
		last_success_at TEXT,
		last_attempt_at TEXT,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		search_term TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,
		listings_found INTEGER DEFAULT 0,
		duplicates INTEGER DEFAULT 0,
		items_new INTEGER DEFAULT 0,
		items_updated INTEGER DEFAULT 0,
		items_sold INTEGER DEFAULT 0,
		items_removed INTEGER DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS ingest_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT,
		search_term TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_term ON snapshots(search_term, observed_at);
	CREATE INDEX IF NOT EXISTS idx_snapshot_items_term ON snapshot_items(search_term, observed_at);
	CREATE INDEX IF NOT EXISTS idx_transitions_term ON transitions(search_term, at);
	CREATE INDEX IF NOT EXISTS idx_runs_term ON ingest_runs(search_term, started_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON ingest_logs(run_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Snapshot log
// =============================================================================

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return wrap("append snapshot", err)
	}
	return wrap("append snapshot", s.inTx(ctx, func(tx *sql.Tx) error {
		return insertSnapshot(ctx, tx, snap)
	}))
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap *models.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, search_term, observed_at, item_count, truncated)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.SearchTerm, fmtTime(snap.ObservedAt), len(snap.Listings), snap.Truncated); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_items (snapshot_id, item_id, title, price, currency, status, search_term, observed_at, url, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, l := range snap.Listings {
		if _, err := stmt.ExecContext(ctx, snap.ID.String(), l.ItemID, l.Title, l.Price.Amount, l.Price.Currency,
			l.Status, snap.SearchTerm, fmtTime(snap.ObservedAt), l.URL, i); err != nil {
			return fmt.Errorf("item %s: %w", l.ItemID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, term string, from, to time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, title, price, currency, status, search_term, observed_at, url
		FROM snapshot_items
		WHERE search_term = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at, item_id`,
		term, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *SQLiteStore) Snapshots(ctx context.Context, term string) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, observed_at, truncated FROM snapshots
		WHERE search_term = ? ORDER BY observed_at, id`, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.Snapshot
	index := make(map[string]int)
	for rows.Next() {
		var id, observedAt string
		var truncated bool
		if err := rows.Scan(&id, &observedAt, &truncated); err != nil {
			return nil, err
		}
		snapID, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		at, err := parseTime(observedAt)
		if err != nil {
			return nil, err
		}
		index[id] = len(snapshots)
		snapshots = append(snapshots, models.Snapshot{ID: snapID, SearchTerm: term, ObservedAt: at, Truncated: truncated})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, item_id, title, price, currency, status, search_term, observed_at, url
		FROM snapshot_items
		WHERE search_term = ? ORDER BY snapshot_id, position`, term)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var snapID string
		var l models.Listing
		var title, url sql.NullString
		var observedAt string
		if err := itemRows.Scan(&snapID, &l.ItemID, &title, &l.Price.Amount, &l.Price.Currency,
			&l.Status, &l.SearchTerm, &observedAt, &url); err != nil {
			return nil, err
		}
		if l.ObservedAt, err = parseTime(observedAt); err != nil {
			return nil, err
		}
		l.Title = title.String
		l.URL = url.String
		if i, ok := index[snapID]; ok {
			snapshots[i].Listings = append(snapshots[i].Listings, l)
		}
	}
	return snapshots, itemRows.Err()
}

// =============================================================================
// Item state
// =============================================================================

func (s *SQLiteStore) UpsertItemStates(ctx context.Context, term string, states []models.ItemState) error {
	if err := validateStates(term, states); err != nil {
		return wrap("upsert item states", err)
	}
	return wrap("upsert item states", s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertStates(ctx, tx, states)
	}))
}

func upsertStates(ctx context.Context, tx *sql.Tx, states []models.ItemState) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO item_states (search_term, item_id, title, status, price, currency,
			first_seen, last_seen, last_changed, absence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(search_term, item_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			price = excluded.price,
			currency = excluded.currency,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			last_changed = excluded.last_changed,
			absence_count = excluded.absence_count`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, st.SearchTerm, st.ItemID, st.Title, st.Status, st.Price.Amount, st.Price.Currency,
			fmtTime(st.FirstSeen), fmtTime(st.LastSeen), fmtTime(st.LastChanged), st.AbsenceCount); err != nil {
			return fmt.Errorf("item %s: %w", st.ItemID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CurrentStates(ctx context.Context, term string) (map[string]models.ItemState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT search_term, item_id, title, status, price, currency, first_seen, last_seen, last_changed, absence_count
		FROM item_states WHERE search_term = ?`, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]models.ItemState)
	for rows.Next() {
		var st models.ItemState
		var title sql.NullString
		var firstSeen, lastSeen, lastChanged string
		if err := rows.Scan(&st.SearchTerm, &st.ItemID, &title, &st.Status, &st.Price.Amount, &st.Price.Currency,
			&firstSeen, &lastSeen, &lastChanged, &st.AbsenceCount); err != nil {
			return nil, err
		}
		st.Title = title.String
		if st.FirstSeen, err = parseTime(firstSeen); err != nil {
			return nil, err
		}
		if st.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		if st.LastChanged, err = parseTime(lastChanged); err != nil {
			return nil, err
		}
		states[st.ItemID] = st
	}
	return states, rows.Err()
}

func (s *SQLiteStore) ReplaceItemStates(ctx context.Context, term string, states []models.ItemState, status *models.TermStatus) error {
	if err := validateStates(term, states); err != nil {
		return wrap("replace item states", err)
	}
	return wrap("replace item states", s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_states WHERE search_term = ?`, term); err != nil {
			return err
		}
		if err := upsertStates(ctx, tx, states); err != nil {
			return err
		}
		if status != nil {
			return saveTermStatus(ctx, tx, status)
		}
		return nil
	}))
}

// =============================================================================
// Cycle commit
// =============================================================================

func (s *SQLiteStore) CommitCycle(ctx context.Context, c *CycleCommit) error {
	if err := validateSnapshot(c.Snapshot); err != nil {
		return wrap("commit cycle", err)
	}
	if err := validateStates(c.Snapshot.SearchTerm, c.States); err != nil {
		return wrap("commit cycle", err)
	}
	return wrap("commit cycle", s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertSnapshot(ctx, tx, c.Snapshot); err != nil {
			return err
		}
		if err := insertTransitions(ctx, tx, c.Transitions); err != nil {
			return err
		}
		if err := upsertStates(ctx, tx, c.States); err != nil {
			return err
		}
		if c.Status != nil {
			return saveTermStatus(ctx, tx, c.Status)
		}
		return nil
	}))
}

func insertTransitions(ctx context.Context, tx *sql.Tx, transitions []models.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transitions (snapshot_id, search_term, item_id, kind, at, old_status, new_status, old_price, new_price, currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range transitions {
		oldPrice, newPrice, currency := priceColumns(t)
		if _, err := stmt.ExecContext(ctx, t.SnapshotID, t.SearchTerm, t.ItemID, t.Kind, fmtTime(t.At),
			nullString(string(t.OldStatus)), t.NewStatus, oldPrice, newPrice, currency); err != nil {
			return fmt.Errorf("transition %s/%s: %w", t.ItemID, t.Kind, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Transitions(ctx context.Context, term string, from, to time.Time) ([]models.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, search_term, item_id, kind, at, old_status, new_status, old_price, new_price, currency
		FROM transitions
		WHERE search_term = ? AND at >= ? AND at <= ?
		ORDER BY at, id`,
		term, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		var at string
		var oldStatus, currency sql.NullString
		var oldPrice, newPrice sql.NullInt64
		if err := rows.Scan(&t.SnapshotID, &t.SearchTerm, &t.ItemID, &t.Kind, &at, &oldStatus, &t.NewStatus,
			&oldPrice, &newPrice, &currency); err != nil {
			return nil, err
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		t.OldStatus = models.ListingStatus(oldStatus.String)
		if oldPrice.Valid {
			t.OldPrice = &models.Money{Amount: oldPrice.Int64, Currency: currency.String}
		}
		if newPrice.Valid {
			t.NewPrice = &models.Money{Amount: newPrice.Int64, Currency: currency.String}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// Term status
// =============================================================================

func (s *SQLiteStore) TermStatus(ctx context.Context, term string) (*models.TermStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT empty_streak, last_success_at, last_attempt_at, last_error
		FROM term_status WHERE search_term = ?`, term)

	status := &models.TermStatus{SearchTerm: term}
	var lastSuccess, lastAttempt, lastError sql.NullString
	err := row.Scan(&status.EmptyStreak, &lastSuccess, &lastAttempt, &lastError)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if status.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return nil, err
	}
	if status.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	status.LastError = lastError.String
	return status, nil
}

func (s *SQLiteStore) SaveTermStatus(ctx context.Context, status *models.TermStatus) error {
	return wrap("save term status", s.inTx(ctx, func(tx *sql.Tx) error {
		return saveTermStatus(ctx, tx, status)
	}))
}

func saveTermStatus(ctx context.Context, tx *sql.Tx, status *models.TermStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO term_status (search_term, empty_streak, last_success_at, last_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(search_term) DO UPDATE SET
			empty_streak = excluded.empty_streak,
			last_success_at = excluded.last_success_at,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error`,
		status.SearchTerm, status.EmptyStreak, fmtNullTime(status.LastSuccessAt), fmtNullTime(status.LastAttemptAt),
		nullString(status.LastError))
	return err
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.IngestRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, search_term, started_at, status)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.SearchTerm, fmtTime(run.StartedAt), run.Status)
	return wrap("create run", err)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.IngestRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET finished_at = ?, status = ?, listings_found = ?, duplicates = ?,
			items_new = ?, items_updated = ?, items_sold = ?, items_removed = ?, error = ?
		WHERE id = ?`,
		fmtNullTime(run.FinishedAt), run.Status, run.ListingsFound, run.Duplicates,
		run.ItemsNew, run.ItemsUpdated, run.ItemsSold, run.ItemsRemoved, nullString(run.Error), run.ID)
	return wrap("finish run", err)
}

func (s *SQLiteStore) Log(ctx context.Context, runID string, level models.LogLevel, message, term string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_logs (run_id, timestamp, level, message, search_term)
		VALUES (?, ?, ?, ?, ?)`,
		runID, fmtTime(time.Now()), level, message, term)
	return wrap("log", err)
}

// RunLogs returns the log lines of one run in the order they were written.
func (s *SQLiteStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, COALESCE(message, ''), COALESCE(search_term, '')
		FROM ingest_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		var ts string
		if err := rows.Scan(&l.ID, &l.RunID, &ts, &l.Level, &l.Message, &l.SearchTerm); err != nil {
			return nil, err
		}
		if l.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Runs returns the most recent runs for a term, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, term string, limit int) ([]models.IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, search_term, started_at, finished_at, status, listings_found, duplicates,
			items_new, items_updated, items_sold, items_removed, error
		FROM ingest_runs WHERE search_term = ? ORDER BY started_at DESC LIMIT ?`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		var r models.IngestRun
		var startedAt string
		var finishedAt, runErr sql.NullString
		if err := rows.Scan(&r.ID, &r.SearchTerm, &startedAt, &finishedAt, &r.Status, &r.ListingsFound, &r.Duplicates,
			&r.ItemsNew, &r.ItemsUpdated, &r.ItemsSold, &r.ItemsRemoved, &runErr); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
			return nil, err
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (models.Listing, error) {
	var l models.Listing
	var title, url sql.NullString
	var observedAt string
	if err := row.Scan(&l.ItemID, &title, &l.Price.Amount, &l.Price.Currency, &l.Status,
		&l.SearchTerm, &observedAt, &url); err != nil {
		return l, err
	}
	at, err := parseTime(observedAt)
	if err != nil {
		return l, err
	}
	l.ObservedAt = at
	l.Title = title.String
	l.URL = url.String
	return l, nil
}

func priceColumns(t models.Transition) (oldPrice, newPrice sql.NullInt64, currency sql.NullString) {
	if t.OldPrice != nil {
		oldPrice = sql.NullInt64{Int64: t.OldPrice.Amount, Valid: true}
		currency = sql.NullString{String: t.OldPrice.Currency, Valid: true}
	}
	if t.NewPrice != nil {
		newPrice = sql.NullInt64{Int64: t.NewPrice.Amount, Valid: true}
		currency = sql.NullString{String: t.NewPrice.Currency, Valid: true}
	}
	return oldPrice, newPrice, currency
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func fmtNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
