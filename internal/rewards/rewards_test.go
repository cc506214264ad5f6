package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinReward(t *testing.T) {
	tests := []struct {
		ordinal int
		want    int64
	}{
		{-3, 0},
		{0, 0},
		{1, 5},
		{2, 4},
		{3, 3},
		{4, 2},
		{5, 1},
		{6, 0},
		{100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CoinReward(tt.ordinal), "ordinal %d", tt.ordinal)
	}
}

func TestCoinRewardStrictlyDecreasing(t *testing.T) {
	for n := 2; n <= 5; n++ {
		assert.Less(t, CoinReward(n), CoinReward(n-1))
	}
}

func TestLevelForExperience(t *testing.T) {
	tests := []struct {
		total int64
		want  int
	}{
		{0, 1},
		{9, 1},
		{10, 2},
		{29, 2},
		{30, 3},
		{40, 4},
		{69, 4},
		{70, 5},
		{100, 6},
		{210, 7},
		{320, 8},
		{430, 9},
		{539, 9},
		{540, 10},
		{10_000, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForExperience(tt.total, LevelThresholds), "total %d", tt.total)
	}
}

func TestLevelForExperienceMonotonic(t *testing.T) {
	prev := LevelForExperience(0, LevelThresholds)
	for total := int64(1); total <= 700; total++ {
		got := LevelForExperience(total, LevelThresholds)
		require.GreaterOrEqual(t, got, prev, "total %d", total)
		prev = got
	}
}

func TestLevelFromNeverMovesBackward(t *testing.T) {
	// A level above what the experience supports is kept, not recomputed.
	assert.Equal(t, 5, LevelFrom(3, 5, LevelThresholds))
	// A level past the end of the table is kept as well.
	assert.Equal(t, 12, LevelFrom(0, 12, LevelThresholds))
	assert.Equal(t, 1, LevelFrom(0, 0, LevelThresholds))
	assert.Equal(t, 4, LevelFrom(45, 2, LevelThresholds))
}

func TestUnlockedContent(t *testing.T) {
	assert.Equal(t, []string{"新食物：小鱼干"}, UnlockedContent(1, 2, Unlocks))
	assert.Equal(t, []string{"新装饰：蝴蝶结", "新互动：梳毛", "新食物：猫罐头"}, UnlockedContent(2, 5, Unlocks))
	assert.Empty(t, UnlockedContent(3, 3, Unlocks))
	assert.Empty(t, UnlockedContent(4, 2, Unlocks))
	assert.Equal(t, []string{"终极奖励：猫城堡"}, UnlockedContent(9, 15, Unlocks))
}

func TestDefaultTableValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, 10, Default().MaxLevel())

	bad := Table{Thresholds: []int64{0, 10, 10}, Unlocks: []string{"a", "b", "c"}}
	assert.ErrorIs(t, bad.Validate(), ErrBadTable)

	bad = Table{Thresholds: []int64{5, 10}, Unlocks: []string{"a", "b"}}
	assert.ErrorIs(t, bad.Validate(), ErrBadTable)

	bad = Table{Thresholds: []int64{0, 10}, Unlocks: []string{"a"}}
	assert.ErrorIs(t, bad.Validate(), ErrBadTable)
}

func TestProgress(t *testing.T) {
	tbl := Default()

	p := tbl.Progress(15, 2)
	assert.Equal(t, LevelProgress{Level: 2, Current: 5, Needed: 20, NextUnlock: "新装饰：蝴蝶结"}, p)

	p = tbl.Progress(600, 10)
	assert.True(t, p.Max)
	assert.Equal(t, int64(60), p.Current)
	assert.Zero(t, p.Needed)
}
