// Package levels implements the experience/level accounting subsystem: the
// triangular-number level curve and the per-identity sequential award ledger.
package levels

import "math"

// baseExpPerLevel is the curve base: reaching level N costs
// baseExpPerLevel * N * (N+1) / 2 total experience.
const baseExpPerLevel = 100

// MaxSafeExp bounds both single awards and accumulated totals so the curve
// math never overflows.
const MaxSafeExp = int64(1)<<53 - 1

// LevelRecord is one identity's persisted progression row. Invariant after
// every committed award: TotalExp == ExpForLevel(Level) + Exp and
// Level == LevelForExp(TotalExp).
type LevelRecord struct {
	Identity       string `json:"username"`
	Level          int    `json:"level"`
	Exp            int64  `json:"exp"`
	ExpToNextLevel int64  `json:"exp_to_next_level"`
	TotalExp       int64  `json:"total_exp"`
}

// ExpForLevel returns the total experience needed to reach level.
func ExpForLevel(level int) int64 {
	if level < 1 {
		return 0
	}
	n := int64(level)
	return baseExpPerLevel * n * (n + 1) / 2
}

// LevelForExp recovers the level from accumulated experience. It solves
// 50N^2 + 50N - exp = 0 and floors the positive root, then corrects any
// float drift against the exact curve so LevelForExp(ExpForLevel(N)) == N
// holds for every valid N.
func LevelForExp(totalExp int64) int {
	if totalExp <= 0 {
		return 1
	}
	level := int((-50 + math.Sqrt(float64(2500+200*totalExp))) / 100)
	if level < 1 {
		level = 1
	}
	for ExpForLevel(level+1) <= totalExp {
		level++
	}
	for level > 1 && ExpForLevel(level) > totalExp {
		level--
	}
	return level
}

// ExpWithinLevel returns the experience accumulated inside the current level.
func ExpWithinLevel(totalExp int64, level int) int64 {
	exp := totalExp - ExpForLevel(level)
	if exp < 0 {
		return 0
	}
	return exp
}

// ExpToNextLevel returns the experience still needed to finish the level.
func ExpToNextLevel(level int, expInLevel int64) int64 {
	needed := ExpForLevel(level+1) - ExpForLevel(level)
	remaining := needed - expInLevel
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MessageExp maps a chat message length (in runes) to its experience value.
func MessageExp(length int) int64 {
	switch {
	case length <= 0:
		return 0
	case length < 10:
		return 1
	case length < 30:
		return 2
	case length < 50:
		return 3
	case length < 100:
		return 4
	default:
		return 5
	}
}
