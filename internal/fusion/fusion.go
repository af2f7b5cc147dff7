package fusion

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Strategy selects the list-combination algorithm.
type Strategy string

const (
	StrategyRRF      Strategy = "rrf"
	StrategyWeighted Strategy = "weighted"
	StrategyBorda    Strategy = "borda"
)

// DefaultKRRF is the reciprocal-rank constant.
const DefaultKRRF = 60

// DefaultWeights are the per-origin fusion weights.
func DefaultWeights() map[models.Origin]float64 {
	return map[models.Origin]float64{
		models.OriginVector:     0.5,
		models.OriginGraph:      0.3,
		models.OriginRelational: 0.2,
	}
}

// RankedList is one store's fully assembled response, in store order.
type RankedList struct {
	Origin  models.Origin
	Sources []models.Source
}

// Options parameterize one fusion run; the strategy is per-run, not
// hard-coded.
type Options struct {
	Strategy Strategy
	KRRF     int
	Weights  map[models.Origin]float64
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyRRF
	}
	if o.KRRF <= 0 {
		o.KRRF = DefaultKRRF
	}
	if len(o.Weights) == 0 {
		o.Weights = DefaultWeights()
	}
	return o
}

// Fused is one source with its fusion bookkeeping.
type Fused struct {
	Source  models.Source
	Score   float64
	RankSum int
}

type accumulator struct {
	source  models.Source
	score   float64
	rankSum int
	maxSim  float64
}

// Fuse merges the ranked lists into a single ranked list of unique
// sources. Deduplication happens on (origin, backing key) before scoring;
// a source present in several lists has its contributions summed.
// Sources without an ID get one assigned by final rank.
func Fuse(lists []RankedList, opts Options, logger *zap.Logger) []models.Source {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	acc := make(map[string]*accumulator)
	var order []string // first-seen order for map-iteration determinism

	for _, list := range lists {
		// Dedup within the list first: only the best (lowest) rank of a
		// key inside one list contributes.
		seen := make(map[string]bool, len(list.Sources))
		rank := 0
		for _, s := range list.Sources {
			if s.Origin == "" {
				s.Origin = list.Origin
			}
			key := s.DedupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			rank++

			a, ok := acc[key]
			if !ok {
				a = &accumulator{source: s}
				acc[key] = a
				order = append(order, key)
			}
			a.score += contribution(opts, list, s, rank)
			a.rankSum += rank
			if s.Scores.Similarity != nil && *s.Scores.Similarity > a.maxSim {
				a.maxSim = *s.Scores.Similarity
			}
		}
	}

	fused := make([]*accumulator, 0, len(acc))
	for _, key := range order {
		fused = append(fused, acc[key])
	}

	// Higher total score, then higher similarity, then lower rank sum,
	// then lexicographic dedup key.
	sort.SliceStable(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.maxSim != b.maxSim {
			return a.maxSim > b.maxSim
		}
		if a.rankSum != b.rankSum {
			return a.rankSum < b.rankSum
		}
		return a.source.DedupKey() < b.source.DedupKey()
	})

	out := make([]models.Source, 0, len(fused))
	for i, a := range fused {
		s := a.source
		s.Rank = i + 1
		if s.ID == "" {
			s.ID = fmt.Sprintf("src-%03d", i+1)
		}
		q := a.score
		s.Scores.Quality = &q
		out = append(out, s)
	}

	metrics.FusionSources.WithLabelValues(string(opts.Strategy)).Observe(float64(len(out)))
	logger.Debug("Fusion complete",
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("lists", len(lists)),
		zap.Int("unique_sources", len(out)))
	return out
}

func contribution(opts Options, list RankedList, s models.Source, rank int) float64 {
	w := opts.Weights[list.Origin]
	switch opts.Strategy {
	case StrategyWeighted:
		return w * normalizedScore(list, s, rank)
	case StrategyBorda:
		return w * float64(len(list.Sources)-rank+1)
	default: // rrf
		return w / float64(opts.KRRF+rank)
	}
}

// normalizedScore maps the list's native signal into [0,1] before the
// weighted sum. Vector similarity is already normalized; graph distance
// and relational rank are inverted position signals.
func normalizedScore(list RankedList, s models.Source, rank int) float64 {
	if s.Scores.Similarity != nil {
		return clamp01(*s.Scores.Similarity)
	}
	if s.Scores.GraphDistance != nil {
		return 1.0 / float64(1+*s.Scores.GraphDistance)
	}
	if s.Scores.RelationalRank != nil {
		return 1.0 / float64(*s.Scores.RelationalRank)
	}
	n := len(list.Sources)
	if n == 0 {
		return 0
	}
	return float64(n-rank+1) / float64(n)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
