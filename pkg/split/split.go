// Package split assigns accepted records to train, validation and test
// partitions, stratified by clinical category.
package split

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

const ratioTolerance = 1e-6

// Ratios are the target share of each partition
type Ratios struct {
	Train float64 `json:"train"`
	Val   float64 `json:"val"`
	Test  float64 `json:"test"`
}

// DefaultRatios returns the 0.8/0.1/0.1 split
func DefaultRatios() Ratios {
	return Ratios{Train: 0.8, Val: 0.1, Test: 0.1}
}

// Validate ensures every ratio lies in [0,1] and the ratios sum to 1
func (r Ratios) Validate() error {
	for name, v := range map[string]float64{"train": r.Train, "val": r.Val, "test": r.Test} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%s ratio %v must be within [0,1]", name, v)
		}
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > ratioTolerance {
		return fmt.Errorf("split ratios must sum to 1, got %v", sum)
	}
	return nil
}

// Member is a record taking part in a reassignment
type Member struct {
	ID       string `db:"id"`
	Category string `db:"category"`
}

// Assigner computes partitions
type Assigner struct {
	ratios Ratios
	seed   int64
}

// NewAssigner creates an Assigner. The seed drives reassignment shuffles.
func NewAssigner(ratios Ratios, seed int64) (*Assigner, error) {
	if err := ratios.Validate(); err != nil {
		return nil, err
	}
	return &Assigner{ratios: ratios, seed: seed}, nil
}

// Ratios returns the configured ratios
func (a *Assigner) Ratios() Ratios {
	return a.ratios
}

// Assign picks the partition for one new record of a category given the
// current counts of that category. The partition furthest below its target
// share wins; ties resolve to train, then val, then test.
func (a *Assigner) Assign(counts model.SplitCounts) model.Split {
	n := float64(counts.Total() + 1)

	candidates := []struct {
		split model.Split
		ratio float64
		count int
	}{
		{model.SplitTrain, a.ratios.Train, counts.Train},
		{model.SplitVal, a.ratios.Val, counts.Val},
		{model.SplitTest, a.ratios.Test, counts.Test},
	}

	best := model.SplitTrain
	bestDeficit := math.Inf(-1)
	for _, c := range candidates {
		if c.ratio == 0 {
			continue
		}
		deficit := c.ratio*n - float64(c.count)
		if deficit > bestDeficit+1e-12 {
			best = c.split
			bestDeficit = deficit
		}
	}
	return best
}

// Reassign recomputes the partition of every member. Within each category
// members are ordered by id, shuffled with a seed derived from the
// configured seed and the category, and sliced into contiguous ranges of
// floor(train*N) and floor(val*N); test takes the remainder.
func (a *Assigner) Reassign(members []Member) map[string]model.Split {
	byCategory := make(map[string][]string)
	for _, m := range members {
		byCategory[m.Category] = append(byCategory[m.Category], m.ID)
	}

	out := make(map[string]model.Split, len(members))
	for category, ids := range byCategory {
		sort.Strings(ids)

		rng := rand.New(rand.NewSource(a.categorySeed(category)))
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		n := float64(len(ids))
		trainN := int(math.Floor(a.ratios.Train*n + 1e-9))
		valN := int(math.Floor(a.ratios.Val*n + 1e-9))
		if trainN+valN > len(ids) {
			valN = len(ids) - trainN
		}

		for i, id := range ids {
			switch {
			case i < trainN:
				out[id] = model.SplitTrain
			case i < trainN+valN:
				out[id] = model.SplitVal
			default:
				out[id] = model.SplitTest
			}
		}
	}
	return out
}

func (a *Assigner) categorySeed(category string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(category))
	return a.seed ^ int64(h.Sum64())
}

// Population is the record set a rebalance operates on
type Population interface {
	// ValidatedMembers lists every validated record
	ValidatedMembers(ctx context.Context) ([]Member, error)
	// ApplySplits updates all given records in one transaction
	ApplySplits(ctx context.Context, splits map[string]model.Split) error
}

// Summary describes the outcome of a rebalance
type Summary struct {
	Members    int                          `json:"members"`
	Categories map[string]model.SplitCounts `json:"categories"`
}

// Rebalance reassigns the whole validated population
func Rebalance(ctx context.Context, pop Population, a *Assigner, logger *zap.Logger) (Summary, error) {
	if pop == nil || a == nil {
		return Summary{}, errors.New("population and assigner are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	members, err := pop.ValidatedMembers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load validated records: %w", err)
	}

	splits := a.Reassign(members)
	if err := pop.ApplySplits(ctx, splits); err != nil {
		return Summary{}, fmt.Errorf("failed to apply split reassignment: %w", err)
	}

	summary := Summary{Members: len(members), Categories: make(map[string]model.SplitCounts)}
	for _, m := range members {
		c := summary.Categories[m.Category]
		switch splits[m.ID] {
		case model.SplitTrain:
			c.Train++
		case model.SplitVal:
			c.Val++
		case model.SplitTest:
			c.Test++
		}
		summary.Categories[m.Category] = c
	}

	logger.Info("Rebalanced dataset splits",
		zap.Int("members", summary.Members),
		zap.Int("categories", len(summary.Categories)))

	return summary, nil
}
