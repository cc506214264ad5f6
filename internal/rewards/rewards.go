package rewards

import (
	"errors"
	"fmt"
)

// Coin payout for the 1st..5th interaction of a day. Later ones pay nothing.
var coinsByOrdinal = [...]int64{5, 4, 3, 2, 1}

// LevelThresholds holds the cumulative experience required per level (index = level-1).
var LevelThresholds = []int64{0, 10, 30, 40, 70, 100, 210, 320, 430, 540}

// Unlocks holds the content reached at each level (index = level-1).
var Unlocks = []string{
	"基础互动功能",
	"新食物：小鱼干",
	"新装饰：蝴蝶结",
	"新互动：梳毛",
	"新食物：猫罐头",
	"新装饰：小帽子",
	"新猫咪品种：橘猫",
	"新食物：高级猫粮",
	"新装饰：皇冠",
	"终极奖励：猫城堡",
}

// CoinReward returns the payout for the ordinal-th interaction of the day (1-based).
func CoinReward(ordinal int) int64 {
	if ordinal < 1 || ordinal > len(coinsByOrdinal) {
		return 0
	}
	return coinsByOrdinal[ordinal-1]
}

// LevelForExperience is LevelFrom starting at level 1.
func LevelForExperience(total int64, thresholds []int64) int {
	return LevelFrom(total, 1, thresholds)
}

// LevelFrom scans thresholds forward from current and returns the highest level
// whose requirement total meets. It never returns less than current and never
// more than len(thresholds).
func LevelFrom(total int64, current int, thresholds []int64) int {
	if current < 1 {
		current = 1
	}
	level := current
	for i := current; i < len(thresholds); i++ {
		if total < thresholds[i] {
			break
		}
		level = i + 1
	}
	return level
}

// UnlockedContent returns the unlocks of every level in (oldLevel, newLevel].
func UnlockedContent(oldLevel, newLevel int, unlocks []string) []string {
	if newLevel <= oldLevel {
		return nil
	}
	if oldLevel < 0 {
		oldLevel = 0
	}
	var out []string
	for lvl := oldLevel + 1; lvl <= newLevel && lvl <= len(unlocks); lvl++ {
		out = append(out, unlocks[lvl-1])
	}
	return out
}

// Table bundles a threshold table with its unlocks.
type Table struct {
	Thresholds []int64
	Unlocks    []string
}

// Default is the production table.
func Default() Table {
	return Table{Thresholds: LevelThresholds, Unlocks: Unlocks}
}

// ErrBadTable is returned by Validate for malformed tables.
var ErrBadTable = errors.New("bad level table")

// Validate checks that thresholds start at 0, strictly increase and have one
// unlock per level.
func (t Table) Validate() error {
	if len(t.Thresholds) == 0 {
		return fmt.Errorf("%w: no levels", ErrBadTable)
	}
	if t.Thresholds[0] != 0 {
		return fmt.Errorf("%w: level 1 must require 0 experience", ErrBadTable)
	}
	for i := 1; i < len(t.Thresholds); i++ {
		if t.Thresholds[i] <= t.Thresholds[i-1] {
			return fmt.Errorf("%w: threshold for level %d does not increase", ErrBadTable, i+1)
		}
	}
	if len(t.Unlocks) != len(t.Thresholds) {
		return fmt.Errorf("%w: %d unlocks for %d levels", ErrBadTable, len(t.Unlocks), len(t.Thresholds))
	}
	return nil
}

// MaxLevel is the highest reachable level.
func (t Table) MaxLevel() int { return len(t.Thresholds) }

// LevelFrom is the package LevelFrom over this table's thresholds.
func (t Table) LevelFrom(total int64, current int) int {
	return LevelFrom(total, current, t.Thresholds)
}

// UnlockedContent is the package UnlockedContent over this table's unlocks.
func (t Table) UnlockedContent(oldLevel, newLevel int) []string {
	return UnlockedContent(oldLevel, newLevel, t.Unlocks)
}

// LevelProgress describes where the pet sits inside its current level segment.
type LevelProgress struct {
	Level      int    `json:"level"`
	Current    int64  `json:"current"`
	Needed     int64  `json:"needed"`
	NextUnlock string `json:"nextUnlock,omitempty"`
	Max        bool   `json:"max"`
}

// Progress reports experience earned within the current level and the amount
// the next level requires. At the top level Needed is 0 and Max is set.
func (t Table) Progress(total int64, level int) LevelProgress {
	if level < 1 {
		level = 1
	}
	if level > t.MaxLevel() {
		level = t.MaxLevel()
	}
	p := LevelProgress{Level: level}
	base := t.Thresholds[level-1]
	p.Current = total - base
	if p.Current < 0 {
		p.Current = 0
	}
	if level == t.MaxLevel() {
		p.Max = true
		return p
	}
	p.Needed = t.Thresholds[level] - base
	if level < len(t.Unlocks) {
		p.NextUnlock = t.Unlocks[level]
	}
	return p
}
