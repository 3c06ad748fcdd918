// Package pgstore keeps one row per instance in PostgreSQL. The instance
// document is stored as JSONB next to a few indexed columns; updates lock
// the row with SELECT ... FOR UPDATE inside a transaction.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS stepgate_instances (
	id          TEXT PRIMARY KEY,
	definition  TEXT NOT NULL,
	status      TEXT NOT NULL,
	record      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stepgate_instances_status_idx ON stepgate_instances (status);
`

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	*store.Documents
	backend *backend
}

type backend struct {
	db *pgxpool.Pool
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Backend = (*backend)(nil)
)

// New creates a PostgreSQL-backed store. The caller owns the pool.
func New(db *pgxpool.Pool, opts ...store.Option) *Store {
	b := &backend{db: db}
	return &Store{Documents: store.NewDocuments(b, opts...), backend: b}
}

// Migrate creates the instances table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.backend.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.db.Ping(ctx)
}

func (b *backend) Insert(ctx context.Context, inst *model.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("pgstore: encoding %s: %w", inst.ID, err)
	}
	_, err = b.db.Exec(ctx,
		"INSERT INTO stepgate_instances (id, definition, status, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		string(inst.ID), inst.Definition, string(inst.Status), data, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", store.ErrExists, inst.ID)
		}
		return fmt.Errorf("pgstore: insert %s: %w", inst.ID, err)
	}
	return nil
}

func (b *backend) Get(ctx context.Context, id model.InstanceID) (*model.Instance, error) {
	var data []byte
	err := b.db.QueryRow(ctx, "SELECT record FROM stepgate_instances WHERE id = $1", string(id)).Scan(&data)
	return decode(id, data, err)
}

func (b *backend) Update(ctx context.Context, id model.InstanceID, fn func(*model.Instance) error) error {
	return pgx.BeginFunc(ctx, b.db, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, "SELECT record FROM stepgate_instances WHERE id = $1 FOR UPDATE", string(id)).Scan(&data)
		inst, err := decode(id, data, err)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
		out, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("pgstore: encoding %s: %w", id, err)
		}
		_, err = tx.Exec(ctx,
			"UPDATE stepgate_instances SET status = $1, record = $2, updated_at = $3 WHERE id = $4",
			string(inst.Status), out, inst.UpdatedAt, string(id))
		if err != nil {
			return fmt.Errorf("pgstore: update %s: %w", id, err)
		}
		return nil
	})
}

func (b *backend) Summaries(ctx context.Context) ([]model.InstanceSummary, error) {
	rows, err := b.db.Query(ctx, "SELECT id, record FROM stepgate_instances")
	if err != nil {
		return nil, fmt.Errorf("pgstore: listing: %w", err)
	}
	defer rows.Close()

	var out []model.InstanceSummary
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("pgstore: listing: %w", err)
		}
		inst, err := decode(model.InstanceID(id), data, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, inst.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: listing: %w", err)
	}
	return out, nil
}

func decode(id model.InstanceID, data []byte, err error) (*model.Instance, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s: %w", id, err)
	}
	var inst model.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("pgstore: decoding %s: %w", id, err)
	}
	return &inst, nil
}
