package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"lifelog/api/internal/engine"
)

// PostgresStore persists datasets, entities and client cursors. Writers of a
// dataset are serialized by a row lock on sync_datasets held for the whole
// push transaction.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ engine.Store    = (*PostgresStore)(nil)
	_ engine.Datasets = (*PostgresStore)(nil)
)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable(s.db.PingContext(ctx))
}

func (s *PostgresStore) View(ctx context.Context, ds engine.DatasetID, fn func(engine.ReadTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	var version, horizon int64
	err = tx.QueryRowContext(ctx, `
		SELECT version, horizon FROM sync_datasets WHERE subject=$1 AND kind=$2
	`, ds.Subject, string(ds.Kind)).Scan(&version, &horizon)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read dataset %s: %w", ds, unavailable(err))
	}

	if err := fn(&pgTx{tx: tx, ds: ds, version: engine.Version(version), horizon: engine.Version(horizon)}); err != nil {
		return err
	}
	return unavailable(tx.Commit())
}

func (s *PostgresStore) Update(ctx context.Context, ds engine.DatasetID, fn func(engine.WriteTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_datasets (subject, kind) VALUES ($1, $2)
		ON CONFLICT (subject, kind) DO NOTHING
	`, ds.Subject, string(ds.Kind)); err != nil {
		return fmt.Errorf("ensure dataset %s: %w", ds, unavailable(err))
	}

	var version, horizon int64
	if err := tx.QueryRowContext(ctx, `
		SELECT version, horizon FROM sync_datasets WHERE subject=$1 AND kind=$2 FOR UPDATE
	`, ds.Subject, string(ds.Kind)).Scan(&version, &horizon); err != nil {
		return fmt.Errorf("lock dataset %s: %w", ds, unavailable(err))
	}

	if err := fn(&pgTx{tx: tx, ds: ds, version: engine.Version(version), horizon: engine.Version(horizon)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dataset %s: %w", ds, unavailable(err))
	}
	return nil
}

func (s *PostgresStore) Compact(ctx context.Context, ds engine.DatasetID, horizon engine.Version) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin compact tx: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT horizon FROM sync_datasets WHERE subject=$1 AND kind=$2 FOR UPDATE
	`, ds.Subject, string(ds.Kind)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock dataset %s: %w", ds, unavailable(err))
	}
	if int64(horizon) <= current {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM sync_entities
		WHERE subject=$1 AND kind=$2 AND deleted AND version <= $3
	`, ds.Subject, string(ds.Kind), int64(horizon))
	if err != nil {
		return 0, fmt.Errorf("delete tombstones: %w", unavailable(err))
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_datasets SET horizon=$3, updated_at=NOW() WHERE subject=$1 AND kind=$2
	`, ds.Subject, string(ds.Kind), int64(horizon)); err != nil {
		return 0, fmt.Errorf("raise horizon: %w", unavailable(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit compact: %w", unavailable(err))
	}
	return int(removed), nil
}

func (s *PostgresStore) Datasets(ctx context.Context) ([]engine.DatasetID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject, kind FROM sync_datasets ORDER BY subject, kind`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", unavailable(err))
	}
	defer rows.Close()

	var out []engine.DatasetID
	for rows.Next() {
		var ds engine.DatasetID
		var kind string
		if err := rows.Scan(&ds.Subject, &kind); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		ds.Kind = engine.Kind(kind)
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datasets: %w", unavailable(err))
	}
	return out, nil
}

// pgTx is both the read snapshot and the write transaction; which one it is
// depends on how the enclosing sql.Tx was opened.
type pgTx struct {
	tx      *sql.Tx
	ds      engine.DatasetID
	version engine.Version
	horizon engine.Version
}

func (t *pgTx) Version() engine.Version { return t.version }

func (t *pgTx) Horizon() engine.Version { return t.horizon }

func (t *pgTx) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT value FROM sync_entities
		WHERE subject=$1 AND kind=$2 AND key=$3 AND NOT deleted
	`, t.ds.Subject, string(t.ds.Kind), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, unavailable(err))
	}
	return json.RawMessage(value), true, nil
}

func (t *pgTx) Scan(ctx context.Context, prefix string) ([]engine.Entity, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key, value, version, deleted FROM sync_entities
		WHERE subject=$1 AND kind=$2 AND NOT deleted AND ($3 = '' OR starts_with(key, $3))
		ORDER BY key COLLATE "C"
	`, t.ds.Subject, string(t.ds.Kind), prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, unavailable(err))
	}
	return scanEntities(rows)
}

func (t *pgTx) Changes(ctx context.Context, since engine.Version) ([]engine.Entity, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key, value, version, deleted FROM sync_entities
		WHERE subject=$1 AND kind=$2 AND version > $3
		ORDER BY key COLLATE "C"
	`, t.ds.Subject, string(t.ds.Kind), int64(since))
	if err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, unavailable(err))
	}
	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]engine.Entity, error) {
	defer rows.Close()
	var out []engine.Entity
	for rows.Next() {
		var (
			e       engine.Entity
			value   []byte
			version int64
		)
		if err := rows.Scan(&e.Key, &value, &version, &e.Deleted); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if !e.Deleted {
			e.Value = json.RawMessage(value)
		}
		e.Version = engine.Version(version)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", unavailable(err))
	}
	return out, nil
}

func (t *pgTx) Cursor(ctx context.Context, clientGroupID, clientID string) (int64, error) {
	var last int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT last_mutation_id FROM sync_clients
		WHERE subject=$1 AND client_group_id=$2 AND client_id=$3
	`, t.ds.Subject, clientGroupID, clientID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return last, nil
}

func (t *pgTx) Cursors(ctx context.Context, clientGroupID string, since engine.Version) ([]engine.Cursor, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT client_id, last_mutation_id, version FROM sync_clients
		WHERE subject=$1 AND client_group_id=$2 AND version > $3
		ORDER BY client_id COLLATE "C"
	`, t.ds.Subject, clientGroupID, int64(since))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []engine.Cursor
	for rows.Next() {
		var (
			c       engine.Cursor
			version int64
		)
		if err := rows.Scan(&c.ClientID, &c.LastMutationID, &version); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.Version = engine.Version(version)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (t *pgTx) Put(ctx context.Context, key string, value json.RawMessage, at engine.Version) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_entities (subject, kind, key, value, version, deleted)
		VALUES ($1, $2, $3, $4::jsonb, $5, FALSE)
		ON CONFLICT (subject, kind, key) DO UPDATE
		SET value=EXCLUDED.value, version=EXCLUDED.version, deleted=FALSE
	`, t.ds.Subject, string(t.ds.Kind), key, string(value), int64(at))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, unavailable(err))
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, key string, at engine.Version) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_entities (subject, kind, key, value, version, deleted)
		VALUES ($1, $2, $3, NULL, $4, TRUE)
		ON CONFLICT (subject, kind, key) DO UPDATE
		SET value=NULL, version=EXCLUDED.version, deleted=TRUE
	`, t.ds.Subject, string(t.ds.Kind), key, int64(at))
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, unavailable(err))
	}
	return nil
}

func (t *pgTx) SetVersion(ctx context.Context, v engine.Version) error {
	if v < t.version {
		return fmt.Errorf("dataset %s version cannot decrease (%d -> %d)", t.ds, t.version, v)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_datasets SET version=$3, updated_at=NOW() WHERE subject=$1 AND kind=$2
	`, t.ds.Subject, string(t.ds.Kind), int64(v))
	if err != nil {
		return unavailable(err)
	}
	t.version = v
	return nil
}

func (t *pgTx) SetCursor(ctx context.Context, clientGroupID string, c engine.Cursor) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_clients (subject, kind, client_group_id, client_id, last_mutation_id, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject, client_group_id, client_id) DO UPDATE
		SET last_mutation_id=EXCLUDED.last_mutation_id, version=EXCLUDED.version
	`, t.ds.Subject, string(t.ds.Kind), clientGroupID, c.ClientID, c.LastMutationID, int64(c.Version))
	if err != nil {
		return unavailable(err)
	}
	return nil
}
