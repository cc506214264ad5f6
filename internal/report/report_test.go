package report

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/types"
)

func newMock(t *testing.T) (*Reporter, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return New(sqlx.NewDb(raw, "postgres")), mock
}

func TestDailyStats(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(DISTINCT user_id)")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"users", "n", "xp"}).AddRow(2, 7, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, count(*) AS n")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "n"}).AddRow("feed", 4).AddRow("pet", 3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM coin_transactions")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"awarded", "spent"}).AddRow(24, 10))

	st, err := r.DailyStats(context.Background(), "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, DailyStats{
		Day:          "2026-03-01",
		ActiveUsers:  2,
		Interactions: 7,
		Experience:   2,
		ByKind:       []KindCount{{Kind: "feed", Count: 4}, {Kind: "pet", Count: 3}},
		CoinsAwarded: 24,
		CoinsSpent:   10,
	}, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopEarnersDefaultsLimit(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY earned DESC")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "coin_balance", "earned"}).
			AddRow("tg:1", "小明", 40, 55))

	got, err := r.TopEarners(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []Earner{{UserID: "tg:1", Name: "小明", Balance: 40, Earned: 55}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceDrift(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("HAVING u.coin_balance <>")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "coin_balance", "ledger"}).AddRow("anon:x", 9, 5))

	got, err := r.BalanceDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Drift{{UserID: "anon:x", Balance: 9, Ledger: 5}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepairPetLevel(t *testing.T) {
	t.Run("fixes a stale level", func(t *testing.T) {
		r, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT current_level, total_experience FROM pets")).
			WithArgs(types.TheCatID).
			WillReturnRows(sqlmock.NewRows([]string{"current_level", "total_experience"}).AddRow(2, 35))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE pets SET current_level=$2")).
			WithArgs(types.TheCatID, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rep, err := r.RepairPetLevel(context.Background(), rewards.Default())
		require.NoError(t, err)
		assert.Equal(t, Repair{TotalExperience: 35, From: 2, To: 3, Changed: true}, rep)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaves a correct level alone", func(t *testing.T) {
		r, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM pets")).
			WillReturnRows(sqlmock.NewRows([]string{"current_level", "total_experience"}).AddRow(4, 40))
		mock.ExpectCommit()

		rep, err := r.RepairPetLevel(context.Background(), rewards.Default())
		require.NoError(t, err)
		assert.False(t, rep.Changed)
		assert.Equal(t, 4, rep.To)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no pet", func(t *testing.T) {
		r, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM pets")).
			WillReturnRows(sqlmock.NewRows([]string{"current_level", "total_experience"}))
		mock.ExpectRollback()

		_, err := r.RepairPetLevel(context.Background(), rewards.Default())
		assert.ErrorIs(t, err, ErrNoPet)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
