// Package db is the Postgres backend of storage.Gateway.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

type DB struct {
	Pool *pgxpool.Pool
}

var _ storage.Gateway = (*DB)(nil)

func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

func (d *DB) Migrate(ctx context.Context) error {
	sql := `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  coin_balance BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_active TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pets (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  current_level INT NOT NULL DEFAULT 1,
  total_experience BIGINT NOT NULL DEFAULT 0,
  appearance TEXT NOT NULL DEFAULT 'default',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  version BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  cat_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  experience_gained BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  day TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS interactions_user_day_idx ON interactions(user_id, day);

CREATE TABLE IF NOT EXISTS coin_transactions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  amount BIGINT NOT NULL,
  source_type TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  day TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS coin_transactions_user_idx ON coin_transactions(user_id, created_at);
`
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

func (d *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (d *DB) LoadUser(ctx context.Context, id string) (types.User, error) {
	var u types.User
	row := d.Pool.QueryRow(ctx, `
SELECT id, email, name, coin_balance, created_at, last_active
FROM users
WHERE id=$1
`, id)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CoinBalance, &u.CreatedAt, &u.LastActive); err != nil {
		return types.User{}, notFound(err)
	}
	return u, nil
}

func (d *DB) CreateUser(ctx context.Context, u types.User) error {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO users (id, email, name, coin_balance, created_at, last_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, u.ID, u.Email, u.Name, u.CoinBalance, u.CreatedAt, u.LastActive)
	return err
}

func (d *DB) LoadPet(ctx context.Context) (types.Cat, error) {
	var c types.Cat
	row := d.Pool.QueryRow(ctx, `
SELECT id, name, current_level, total_experience, appearance, created_at, version
FROM pets
WHERE id=$1
`, types.TheCatID)
	if err := row.Scan(&c.ID, &c.Name, &c.CurrentLevel, &c.TotalExperience, &c.Appearance, &c.CreatedAt, &c.Version); err != nil {
		return types.Cat{}, notFound(err)
	}
	return c, nil
}

func (d *DB) InitializePet(ctx context.Context, c types.Cat) (types.Cat, error) {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO pets (id, name, current_level, total_experience, appearance, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (id) DO NOTHING
`, types.TheCatID, c.Name, c.CurrentLevel, c.TotalExperience, c.Appearance, c.CreatedAt)
	if err != nil {
		return types.Cat{}, err
	}
	return d.LoadPet(ctx)
}

func (d *DB) LoadInteractions(ctx context.Context, userID, day string) ([]types.Interaction, error) {
	rows, err := d.Pool.Query(ctx, `
SELECT id, user_id, cat_id, kind, experience_gained, created_at, day
FROM interactions
WHERE user_id=$1 AND day=$2
ORDER BY created_at, id
`, userID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Interaction
	for rows.Next() {
		var ix types.Interaction
		var kind string
		if err := rows.Scan(&ix.ID, &ix.UserID, &ix.CatID, &kind, &ix.ExperienceGained, &ix.CreatedAt, &ix.Day); err != nil {
			return nil, err
		}
		ix.Kind = types.InteractionKind(kind)
		out = append(out, ix)
	}
	return out, rows.Err()
}

func (d *DB) AppendInteraction(ctx context.Context, ix types.Interaction) error {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO interactions (id, user_id, cat_id, kind, experience_gained, created_at, day)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`, ix.ID, ix.UserID, ix.CatID, string(ix.Kind), ix.ExperienceGained, ix.CreatedAt, ix.Day)
	return err
}

func (d *DB) UpdatePetProgress(ctx context.Context, p storage.PetProgress) (types.Cat, error) {
	var c types.Cat
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		var version int64
		if err := tx.QueryRow(ctx, `SELECT version FROM pets WHERE id=$1 FOR UPDATE`, types.TheCatID).Scan(&version); err != nil {
			return notFound(err)
		}
		if version != p.ExpectedVersion {
			return storage.ErrStaleProgress
		}
		row := tx.QueryRow(ctx, `
UPDATE pets
SET total_experience=$2, current_level=$3, version=version+1
WHERE id=$1
RETURNING id, name, current_level, total_experience, appearance, created_at, version
`, types.TheCatID, p.TotalExperience, p.CurrentLevel)
		return row.Scan(&c.ID, &c.Name, &c.CurrentLevel, &c.TotalExperience, &c.Appearance, &c.CreatedAt, &c.Version)
	})
	if err != nil {
		return types.Cat{}, err
	}
	return c, nil
}

func (d *DB) UpdateUserCoinBalance(ctx context.Context, userID string, balance int64) error {
	tag, err := d.Pool.Exec(ctx, `
UPDATE users SET coin_balance=$2, last_active=now()
WHERE id=$1
`, userID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (d *DB) AppendCoinTransaction(ctx context.Context, tx types.CoinTransaction) error {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO coin_transactions (id, user_id, amount, source_type, created_at, day)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, tx.ID, tx.UserID, tx.Amount, tx.SourceType, tx.CreatedAt, tx.Day)
	return err
}

// ArchiveCoinTransactions inserts a batch drained from the Redis coin stream.
// Entries already present are skipped, so a redelivered batch is harmless.
func (d *DB) ArchiveCoinTransactions(ctx context.Context, txs []types.CoinTransaction) (int64, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(txs))
	uids := make([]string, 0, len(txs))
	amounts := make([]int64, 0, len(txs))
	sources := make([]string, 0, len(txs))
	created := make([]time.Time, 0, len(txs))
	days := make([]string, 0, len(txs))
	for _, tx := range txs {
		if strings.TrimSpace(tx.ID) == "" || strings.TrimSpace(tx.UserID) == "" || tx.Amount == 0 {
			continue
		}
		ids = append(ids, tx.ID)
		uids = append(uids, tx.UserID)
		amounts = append(amounts, tx.Amount)
		sources = append(sources, tx.SourceType)
		created = append(created, tx.CreatedAt)
		days = append(days, tx.Day)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := d.Pool.Exec(ctx, `
INSERT INTO coin_transactions (id, user_id, amount, source_type, created_at, day)
SELECT * FROM UNNEST($1::text[], $2::text[], $3::bigint[], $4::text[], $5::timestamptz[], $6::text[])
ON CONFLICT (id) DO NOTHING
`, ids, uids, amounts, sources, created, days)
	if err != nil {
		return 0, fmt.Errorf("archive %d coin transactions: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}
