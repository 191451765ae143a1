// Package bufferstrategy implements the pluggable buffer-sizing
// policies selected at scheduler construction. Modeled as a registry
// of named pure functions (tagged-variant style per the design notes)
// rather than an interface hierarchy, grounded on the teacher's
// PluginRegistry/PluginExecutor routing-by-name pattern in
// plugins.go, adapted from routing execution to routing pure
// computation.
package bufferstrategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// Names of the two built-in strategies.
const (
	CutAndPaste  = "cut_and_paste"
	SumOfSquares = "sum_of_squares"
)

// Func computes an unscaled, unrounded buffer size in working days
// from the aggressive/safe durations of a chain's tasks.
type Func func(tasks []*model.Task) decimal.Decimal

// Registry resolves a strategy by name, supporting the built-in
// CutAndPaste and SumOfSquares policies plus caller-registered custom
// strategies.
type Registry struct {
	strategies map[string]Func
}

// NewRegistry returns a registry pre-populated with the two built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Func)}
	r.Register(CutAndPaste, cutAndPaste)
	r.Register(SumOfSquares, sumOfSquares)
	return r
}

// Register adds or replaces a named strategy.
func (r *Registry) Register(name string, fn Func) {
	r.strategies[name] = fn
}

// Get resolves a strategy by name.
func (r *Registry) Get(name string) (Func, error) {
	fn, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("bufferstrategy: unknown strategy %q", name)
	}
	return fn, nil
}

// cutAndPaste implements spec's C&P policy: half the sum of aggressive
// durations over the chain.
func cutAndPaste(tasks []*model.Task) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range tasks {
		sum = sum.Add(t.AggressiveDuration)
	}
	return sum.Mul(decimal.NewFromFloat(0.5))
}

// sumOfSquares implements spec's SSQ policy: the square root of the
// sum of squared per-task gaps (safe - aggressive). decimal has no
// native Sqrt, so the sum is computed exactly in decimal and the root
// taken via float64, adequate for the 1e-9 tolerance the spec allows.
func sumOfSquares(tasks []*model.Task) decimal.Decimal {
	sumSquares := decimal.Zero
	for _, t := range tasks {
		gap := t.SafeDuration.Sub(t.AggressiveDuration)
		sumSquares = sumSquares.Add(gap.Mul(gap))
	}
	root := math.Sqrt(sumSquares.InexactFloat64())
	return decimal.NewFromFloat(root)
}

// ProjectBufferSize sizes the project buffer from the critical
// chain's tasks, rounded up to whole working days. The project
// buffer is not further scaled by a chain's buffer_ratio: CutAndPaste
// already embeds the canonical 0.5 factor, and SumOfSquares is
// unscaled per spec §4.8.
func ProjectBufferSize(strategy Func, criticalChainTasks []*model.Task) decimal.Decimal {
	return strategy(criticalChainTasks).Ceil()
}

// FeedingBufferSize sizes a feeding buffer from its chain's tasks,
// scaled by the chain's buffer_ratio and rounded up to whole working
// days, per spec §4.8. A single-task feeding chain uses the same
// strategy function applied to that one task, per the resolved open
// question (see the project's design notes).
func FeedingBufferSize(strategy Func, feedingChainTasks []*model.Task, bufferRatio float64) decimal.Decimal {
	raw := strategy(feedingChainTasks)
	scaled := raw.Mul(decimal.NewFromFloat(bufferRatio))
	return scaled.Ceil()
}
