package dataset

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

// Options controls manifest preparation
type Options struct {
	// MaxPerCategory caps entries per category before augmentation; 0 disables
	MaxPerCategory int
	Augment        bool
	Seed           int64
}

// Manifest is a prepared training set
type Manifest struct {
	Entries []Entry
	Stats   Stats
}

// BySplit groups entries by their split, keeping order
func (m Manifest) BySplit() map[model.Split][]Entry {
	out := make(map[model.Split][]Entry)
	for _, e := range m.Entries {
		out[e.Metadata.Split] = append(out[e.Metadata.Split], e)
	}
	return out
}

// Prepare builds, balances, augments and shuffles the manifest
func (b *Builder) Prepare(ctx context.Context, opts Options) (Manifest, error) {
	entries, err := b.Build(ctx)
	if err != nil {
		return Manifest{}, err
	}

	if opts.MaxPerCategory > 0 {
		before := len(entries)
		entries = Balance(entries, opts.MaxPerCategory, opts.Seed)
		b.logger.Info("Balanced categories",
			zap.Int("before", before),
			zap.Int("after", len(entries)),
			zap.Int("maxPerCategory", opts.MaxPerCategory))
	}
	if opts.Augment {
		before := len(entries)
		entries = Augment(entries)
		b.logger.Info("Augmented entries", zap.Int("added", len(entries)-before))
	}
	Shuffle(entries, opts.Seed)

	return Manifest{Entries: entries, Stats: ComputeStats(entries)}, nil
}

// Balance keeps at most max entries per category. Sampling is seeded and
// the surviving entries keep their input order.
func Balance(entries []Entry, max int, seed int64) []Entry {
	if max <= 0 {
		return entries
	}

	byCategory := make(map[string][]int)
	var categories []string
	for i, e := range entries {
		c := e.Metadata.Category
		if _, ok := byCategory[c]; !ok {
			categories = append(categories, c)
		}
		byCategory[c] = append(byCategory[c], i)
	}
	sort.Strings(categories)

	rng := rand.New(rand.NewSource(seed))
	keep := make([]bool, len(entries))
	for _, c := range categories {
		idx := byCategory[c]
		if len(idx) <= max {
			for _, i := range idx {
				keep[i] = true
			}
			continue
		}
		for _, j := range rng.Perm(len(idx))[:max] {
			keep[idx[j]] = true
		}
	}

	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if keep[i] {
			out = append(out, e)
		}
	}
	return out
}

// Augment adds prompt variations for annotated entries with findings
func Augment(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
		if strings.EqualFold(e.Metadata.Category, CategoryNormal) || !e.Metadata.HasAnnotations {
			continue
		}
		for _, p := range AlternativePrompts[:2] {
			out = append(out, e.withPrompt(p))
		}
	}
	return out
}

// Shuffle permutes entries in place with a seeded source
func Shuffle(entries []Entry, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
}

// MetadataSummary counts patient attributes
type MetadataSummary struct {
	AgeDistribution      map[string]int `json:"age_distribution"`
	SexDistribution      map[string]int `json:"sex_distribution"`
	LocationDistribution map[string]int `json:"location_distribution"`
}

// Stats describes a manifest
type Stats struct {
	TotalEntries         int             `json:"total_entries"`
	UniqueImages         int             `json:"unique_images"`
	CategoryDistribution map[string]int  `json:"category_distribution"`
	SplitDistribution    map[string]int  `json:"split_distribution"`
	AnnotatedImages      int             `json:"annotated_images"`
	MetadataSummary      MetadataSummary `json:"metadata_summary"`
}

// ComputeStats summarizes entries. Patient attributes count unique images.
func ComputeStats(entries []Entry) Stats {
	s := Stats{
		CategoryDistribution: make(map[string]int),
		SplitDistribution:    make(map[string]int),
		MetadataSummary: MetadataSummary{
			AgeDistribution:      make(map[string]int),
			SexDistribution:      make(map[string]int),
			LocationDistribution: make(map[string]int),
		},
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		md := e.Metadata
		s.TotalEntries++
		s.CategoryDistribution[md.Category]++
		s.SplitDistribution[string(md.Split)]++

		if seen[md.ImageID] {
			continue
		}
		seen[md.ImageID] = true
		s.UniqueImages++
		if md.HasAnnotations {
			s.AnnotatedImages++
		}
		s.MetadataSummary.AgeDistribution[orUnknown(md.AgeRange)]++
		s.MetadataSummary.SexDistribution[orUnknown(md.Sex)]++
		s.MetadataSummary.LocationDistribution[orUnknown(md.Location)]++
	}
	return s
}
