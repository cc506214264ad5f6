// Package report holds the operator queries behind cmd/admin. It reads the
// Postgres tables written by internal/db and the coin ledger archive.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/types"
)

type Reporter struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Reporter { return &Reporter{db: db} }

// Open connects through lib/pq; callers import the driver.
func Open(ctx context.Context, databaseURL string) (*Reporter, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (r *Reporter) Close() error { return r.db.Close() }

type KindCount struct {
	Kind  string `db:"kind" json:"kind"`
	Count int64  `db:"n" json:"count"`
}

type DailyStats struct {
	Day          string      `json:"day"`
	ActiveUsers  int64       `json:"activeUsers"`
	Interactions int64       `json:"interactions"`
	Experience   int64       `json:"experience"`
	ByKind       []KindCount `json:"byKind"`
	CoinsAwarded int64       `json:"coinsAwarded"`
	CoinsSpent   int64       `json:"coinsSpent"`
}

func (r *Reporter) DailyStats(ctx context.Context, day string) (DailyStats, error) {
	out := DailyStats{Day: day}

	var totals struct {
		Users      int64 `db:"users"`
		Count      int64 `db:"n"`
		Experience int64 `db:"xp"`
	}
	if err := r.db.GetContext(ctx, &totals, `
SELECT count(DISTINCT user_id) AS users, count(*) AS n, COALESCE(sum(experience_gained), 0) AS xp
FROM interactions
WHERE day=$1
`, day); err != nil {
		return DailyStats{}, fmt.Errorf("interaction totals: %w", err)
	}
	out.ActiveUsers, out.Interactions, out.Experience = totals.Users, totals.Count, totals.Experience

	if err := r.db.SelectContext(ctx, &out.ByKind, `
SELECT kind, count(*) AS n
FROM interactions
WHERE day=$1
GROUP BY kind
ORDER BY n DESC, kind
`, day); err != nil {
		return DailyStats{}, fmt.Errorf("interactions by kind: %w", err)
	}

	var coins struct {
		Awarded int64 `db:"awarded"`
		Spent   int64 `db:"spent"`
	}
	if err := r.db.GetContext(ctx, &coins, `
SELECT COALESCE(sum(amount) FILTER (WHERE amount > 0), 0) AS awarded,
       COALESCE(-sum(amount) FILTER (WHERE amount < 0), 0) AS spent
FROM coin_transactions
WHERE day=$1
`, day); err != nil {
		return DailyStats{}, fmt.Errorf("coin totals: %w", err)
	}
	out.CoinsAwarded, out.CoinsSpent = coins.Awarded, coins.Spent
	return out, nil
}

type Earner struct {
	UserID  string `db:"id" json:"userId"`
	Name    string `db:"name" json:"name"`
	Balance int64  `db:"coin_balance" json:"balance"`
	Earned  int64  `db:"earned" json:"earned"`
}

// TopEarners ranks users by coins earned from interactions.
func (r *Reporter) TopEarners(ctx context.Context, limit int) ([]Earner, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Earner
	err := r.db.SelectContext(ctx, &out, `
SELECT u.id, u.name, u.coin_balance, COALESCE(sum(t.amount), 0) AS earned
FROM users u
LEFT JOIN coin_transactions t ON t.user_id=u.id AND t.amount > 0
GROUP BY u.id, u.name, u.coin_balance
ORDER BY earned DESC, u.id
LIMIT $1
`, limit)
	return out, err
}

// Drift is a user whose stored balance disagrees with the ledger sum.
type Drift struct {
	UserID  string `db:"id" json:"userId"`
	Balance int64  `db:"coin_balance" json:"balance"`
	Ledger  int64  `db:"ledger" json:"ledger"`
}

func (r *Reporter) BalanceDrift(ctx context.Context) ([]Drift, error) {
	var out []Drift
	err := r.db.SelectContext(ctx, &out, `
SELECT u.id, u.coin_balance, COALESCE(sum(t.amount), 0) AS ledger
FROM users u
LEFT JOIN coin_transactions t ON t.user_id=u.id
GROUP BY u.id, u.coin_balance
HAVING u.coin_balance <> COALESCE(sum(t.amount), 0)
ORDER BY u.id
`)
	return out, err
}

type Repair struct {
	TotalExperience int64 `json:"totalExperience"`
	From            int   `json:"from"`
	To              int   `json:"to"`
	Changed         bool  `json:"changed"`
}

var ErrNoPet = errors.New("pet has not been created")

// RepairPetLevel recomputes the shared pet's level from its experience and
// stores it when it differs. The version is bumped so live engines re-read
// the pet on their next write.
func (r *Reporter) RepairPetLevel(ctx context.Context, table rewards.Table) (Repair, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Repair{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var pet struct {
		Level int   `db:"current_level"`
		Total int64 `db:"total_experience"`
	}
	err = tx.GetContext(ctx, &pet, `SELECT current_level, total_experience FROM pets WHERE id=$1 FOR UPDATE`, types.TheCatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Repair{}, ErrNoPet
	}
	if err != nil {
		return Repair{}, err
	}

	rep := Repair{TotalExperience: pet.Total, From: pet.Level, To: rewards.LevelForExperience(pet.Total, table.Thresholds)}
	if rep.To == rep.From {
		return rep, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pets SET current_level=$2, version=version+1 WHERE id=$1`, types.TheCatID, rep.To); err != nil {
		return Repair{}, err
	}
	rep.Changed = true
	return rep, tx.Commit()
}
