package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id UUID PRIMARY KEY,
		search_term TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		item_count INTEGER NOT NULL,
		truncated BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS snapshot_items (
		snapshot_id UUID NOT NULL REFERENCES snapshots(id),
		item_id TEXT NOT NULL,
		title TEXT,
		price BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		search_term TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		url TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS item_states (
		search_term TEXT NOT NULL,
		item_id TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL,
		price BIGINT NOT NULL,
		currency TEXT NOT NULL,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		last_changed TIMESTAMPTZ NOT NULL,
		absence_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (search_term, item_id)
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id BIGSERIAL PRIMARY KEY,
		snapshot_id UUID NOT NULL,
		search_term TEXT NOT NULL,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		old_status TEXT,
		new_status TEXT NOT NULL,
		old_price BIGINT,
		new_price BIGINT,
		currency TEXT
	);

	CREATE TABLE IF NOT EXISTS term_status (
		search_term TEXT PRIMARY KEY,
		empty_streak INTEGER NOT NULL DEFAULT 0,
		last_success_at TIMESTAMPTZ,
		last_attempt_at TIMESTAMPTZ,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id UUID PRIMARY KEY,
		search_term TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
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
		id BIGSERIAL PRIMARY KEY,
		run_id UUID,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Snapshot log
// =============================================================================

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return wrap("append snapshot", err)
	}
	return wrap("append snapshot", pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return copySnapshot(ctx, tx, snap)
	}))
}

// copySnapshot writes the header row, then bulk loads the items with COPY.
func copySnapshot(ctx context.Context, tx pgx.Tx, snap *models.Snapshot) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO snapshots (id, search_term, observed_at, item_count, truncated)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.SearchTerm, snap.ObservedAt, len(snap.Listings), snap.Truncated); err != nil {
		return err
	}
	if len(snap.Listings) == 0 {
		return nil
	}

	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"snapshot_items"},
		[]string{"snapshot_id", "item_id", "title", "price", "currency", "status", "search_term", "observed_at", "url", "position"},
		pgx.CopyFromSlice(len(snap.Listings), func(i int) ([]any, error) {
			l := snap.Listings[i]
			return []any{snap.ID, l.ItemID, l.Title, l.Price.Amount, l.Price.Currency, string(l.Status),
				snap.SearchTerm, snap.ObservedAt, l.URL, i}, nil
		}),
	)
	return err
}

func (s *PostgresStore) QueryRange(ctx context.Context, term string, from, to time.Time) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, COALESCE(title, ''), price, currency, status, search_term, observed_at, COALESCE(url, '')
		FROM snapshot_items
		WHERE search_term = $1 AND observed_at >= $2 AND observed_at <= $3
		ORDER BY observed_at, item_id`,
		term, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		if err := rows.Scan(&l.ItemID, &l.Title, &l.Price.Amount, &l.Price.Currency, &l.Status,
			&l.SearchTerm, &l.ObservedAt, &l.URL); err != nil {
			return nil, err
		}
		l.ObservedAt = l.ObservedAt.UTC()
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) Snapshots(ctx context.Context, term string) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, observed_at, truncated FROM snapshots
		WHERE search_term = $1 ORDER BY observed_at, id`, term)
	if err != nil {
		return nil, err
	}

	var snapshots []models.Snapshot
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.ID, &snap.ObservedAt, &snap.Truncated); err != nil {
			rows.Close()
			return nil, err
		}
		snap.SearchTerm = term
		snap.ObservedAt = snap.ObservedAt.UTC()
		index[snap.ID] = len(snapshots)
		snapshots = append(snapshots, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := s.pool.Query(ctx, `
		SELECT snapshot_id, item_id, COALESCE(title, ''), price, currency, status, search_term, observed_at, COALESCE(url, '')
		FROM snapshot_items
		WHERE search_term = $1 ORDER BY snapshot_id, position`, term)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var snapID uuid.UUID
		var l models.Listing
		if err := itemRows.Scan(&snapID, &l.ItemID, &l.Title, &l.Price.Amount, &l.Price.Currency, &l.Status,
			&l.SearchTerm, &l.ObservedAt, &l.URL); err != nil {
			return nil, err
		}
		l.ObservedAt = l.ObservedAt.UTC()
		if i, ok := index[snapID]; ok {
			snapshots[i].Listings = append(snapshots[i].Listings, l)
		}
	}
	return snapshots, itemRows.Err()
}

// =============================================================================
// Item state
// =============================================================================

const upsertStateSQL = `
	INSERT INTO item_states (search_term, item_id, title, status, price, currency,
		first_seen, last_seen, last_changed, absence_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (search_term, item_id) DO UPDATE SET
		title = EXCLUDED.title,
		status = EXCLUDED.status,
		price = EXCLUDED.price,
		currency = EXCLUDED.currency,
		first_seen = EXCLUDED.first_seen,
		last_seen = EXCLUDED.last_seen,
		last_changed = EXCLUDED.last_changed,
		absence_count = EXCLUDED.absence_count`

func (s *PostgresStore) UpsertItemStates(ctx context.Context, term string, states []models.ItemState) error {
	if err := validateStates(term, states); err != nil {
		return wrap("upsert item states", err)
	}
	return wrap("upsert item states", pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return batchStates(ctx, tx, states)
	}))
}

func batchStates(ctx context.Context, tx pgx.Tx, states []models.ItemState) error {
	if len(states) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range states {
		batch.Queue(upsertStateSQL, st.SearchTerm, st.ItemID, st.Title, string(st.Status), st.Price.Amount,
			st.Price.Currency, st.FirstSeen, st.LastSeen, st.LastChanged, st.AbsenceCount)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) CurrentStates(ctx context.Context, term string) (map[string]models.ItemState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT search_term, item_id, COALESCE(title, ''), status, price, currency,
			first_seen, last_seen, last_changed, absence_count
		FROM item_states WHERE search_term = $1`, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]models.ItemState)
	for rows.Next() {
		var st models.ItemState
		if err := rows.Scan(&st.SearchTerm, &st.ItemID, &st.Title, &st.Status, &st.Price.Amount, &st.Price.Currency,
			&st.FirstSeen, &st.LastSeen, &st.LastChanged, &st.AbsenceCount); err != nil {
			return nil, err
		}
		st.FirstSeen = st.FirstSeen.UTC()
		st.LastSeen = st.LastSeen.UTC()
		st.LastChanged = st.LastChanged.UTC()
		states[st.ItemID] = st
	}
	return states, rows.Err()
}

func (s *PostgresStore) ReplaceItemStates(ctx context.Context, term string, states []models.ItemState, status *models.TermStatus) error {
	if err := validateStates(term, states); err != nil {
		return wrap("replace item states", err)
	}
	return wrap("replace item states", pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM item_states WHERE search_term = $1`, term); err != nil {
			return err
		}
		if err := batchStates(ctx, tx, states); err != nil {
			return err
		}
		if status != nil {
			return pgSaveTermStatus(ctx, tx, status)
		}
		return nil
	}))
}

// =============================================================================
// Cycle commit
// =============================================================================

func (s *PostgresStore) CommitCycle(ctx context.Context, c *CycleCommit) error {
	if err := validateSnapshot(c.Snapshot); err != nil {
		return wrap("commit cycle", err)
	}
	if err := validateStates(c.Snapshot.SearchTerm, c.States); err != nil {
		return wrap("commit cycle", err)
	}
	return wrap("commit cycle", pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := copySnapshot(ctx, tx, c.Snapshot); err != nil {
			return err
		}
		if len(c.Transitions) > 0 {
			batch := &pgx.Batch{}
			for _, t := range c.Transitions {
				oldPrice, newPrice, currency := priceColumns(t)
				batch.Queue(`
					INSERT INTO transitions (snapshot_id, search_term, item_id, kind, at, old_status, new_status, old_price, new_price, currency)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					t.SnapshotID, t.SearchTerm, t.ItemID, string(t.Kind), t.At,
					nullString(string(t.OldStatus)), string(t.NewStatus), oldPrice, newPrice, currency)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		if err := batchStates(ctx, tx, c.States); err != nil {
			return err
		}
		if c.Status != nil {
			return pgSaveTermStatus(ctx, tx, c.Status)
		}
		return nil
	}))
}

func (s *PostgresStore) Transitions(ctx context.Context, term string, from, to time.Time) ([]models.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_id::text, search_term, item_id, kind, at, COALESCE(old_status, ''), new_status,
			old_price, new_price, COALESCE(currency, '')
		FROM transitions
		WHERE search_term = $1 AND at >= $2 AND at <= $3
		ORDER BY at, id`,
		term, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		var oldPrice, newPrice *int64
		var currency string
		if err := rows.Scan(&t.SnapshotID, &t.SearchTerm, &t.ItemID, &t.Kind, &t.At, &t.OldStatus, &t.NewStatus,
			&oldPrice, &newPrice, &currency); err != nil {
			return nil, err
		}
		t.At = t.At.UTC()
		if oldPrice != nil {
			t.OldPrice = &models.Money{Amount: *oldPrice, Currency: currency}
		}
		if newPrice != nil {
			t.NewPrice = &models.Money{Amount: *newPrice, Currency: currency}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// Term status
// =============================================================================

func (s *PostgresStore) TermStatus(ctx context.Context, term string) (*models.TermStatus, error) {
	status := &models.TermStatus{SearchTerm: term}
	var lastError *string
	err := s.pool.QueryRow(ctx, `
		SELECT empty_streak, last_success_at, last_attempt_at, last_error
		FROM term_status WHERE search_term = $1`, term).
		Scan(&status.EmptyStreak, &status.LastSuccessAt, &status.LastAttemptAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		status.LastError = *lastError
	}
	return status, nil
}

func (s *PostgresStore) SaveTermStatus(ctx context.Context, status *models.TermStatus) error {
	return wrap("save term status", pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return pgSaveTermStatus(ctx, tx, status)
	}))
}

func pgSaveTermStatus(ctx context.Context, tx pgx.Tx, status *models.TermStatus) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO term_status (search_term, empty_streak, last_success_at, last_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (search_term) DO UPDATE SET
			empty_streak = EXCLUDED.empty_streak,
			last_success_at = EXCLUDED.last_success_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_error = EXCLUDED.last_error`,
		status.SearchTerm, status.EmptyStreak, status.LastSuccessAt, status.LastAttemptAt, nullString(status.LastError))
	return err
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.IngestRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, search_term, started_at, status)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.SearchTerm, run.StartedAt, string(run.Status))
	return wrap("create run", err)
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *models.IngestRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs SET finished_at = $1, status = $2, listings_found = $3, duplicates = $4,
			items_new = $5, items_updated = $6, items_sold = $7, items_removed = $8, error = $9
		WHERE id = $10`,
		run.FinishedAt, string(run.Status), run.ListingsFound, run.Duplicates,
		run.ItemsNew, run.ItemsUpdated, run.ItemsSold, run.ItemsRemoved, nullString(run.Error), run.ID)
	return wrap("finish run", err)
}

func (s *PostgresStore) Runs(ctx context.Context, term string, limit int) ([]models.IngestRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, search_term, started_at, finished_at, status, listings_found, duplicates,
			items_new, items_updated, items_sold, items_removed, COALESCE(error, '')
		FROM ingest_runs WHERE search_term = $1 ORDER BY started_at DESC LIMIT $2`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		var r models.IngestRun
		if err := rows.Scan(&r.ID, &r.SearchTerm, &r.StartedAt, &r.FinishedAt, &r.Status, &r.ListingsFound,
			&r.Duplicates, &r.ItemsNew, &r.ItemsUpdated, &r.ItemsSold, &r.ItemsRemoved, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		// Not a run id this store ever issued.
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id::text, timestamp, level, COALESCE(message, ''), COALESCE(search_term, '')
		FROM ingest_logs WHERE run_id = $1 ORDER BY timestamp, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		var level string
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &level, &l.Message, &l.SearchTerm); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) Log(ctx context.Context, runID string, level models.LogLevel, message, term string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_logs (run_id, level, message, search_term)
		VALUES ($1, $2, $3, $4)`,
		runID, string(level), message, term)
	return wrap("log", err)
}
