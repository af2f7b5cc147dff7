package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

func src(origin models.Origin, key, content string, sim float64) models.Source {
	s := models.Source{Origin: origin, BackingKey: key, Content: content}
	if sim >= 0 {
		s.Scores.Similarity = &sim
	}
	return s
}

func TestRRFScoreMatchesReferenceOracle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "a", "A", 0.9),
			src(models.OriginVector, "b", "B", 0.8),
		}},
		{Origin: models.OriginGraph, Sources: []models.Source{
			{Origin: models.OriginGraph, BackingKey: "g1", Content: "G1"},
		}},
	}
	weights := DefaultWeights()
	out := Fuse(lists, Options{Strategy: StrategyRRF, KRRF: 60, Weights: weights}, logger)
	require.Len(t, out, 3)

	// Reference oracle: score(s) = sum over lists of w/(k+rank).
	expect := map[string]float64{
		"a":  weights[models.OriginVector] / 61.0,
		"b":  weights[models.OriginVector] / 62.0,
		"g1": weights[models.OriginGraph] / 61.0,
	}
	for _, s := range out {
		got := *s.Scores.Quality
		want := expect[s.BackingKey]
		assert.InEpsilon(t, want, got, 1e-12, "score for %s", s.BackingKey)
	}
	// Order: a (0.5/61 = 0.00820) > b (0.5/62 = 0.00806) > g1 (0.3/61 = 0.00492).
	assert.Equal(t, "a", out[0].BackingKey)
	assert.Equal(t, "b", out[1].BackingKey)
	assert.Equal(t, "g1", out[2].BackingKey)
}

func TestFusionSumsContributionsAcrossLists(t *testing.T) {
	shared := src(models.OriginVector, "x", "X", 0.7)
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{shared}},
		{Origin: models.OriginVector, Sources: []models.Source{shared}},
	}
	out := Fuse(lists, Options{Strategy: StrategyRRF, KRRF: 60}, zaptest.NewLogger(t))
	require.Len(t, out, 1)
	want := 2 * DefaultWeights()[models.OriginVector] / 61.0
	assert.InEpsilon(t, want, *out[0].Scores.Quality, 1e-12)
}

func TestFusionIdempotence(t *testing.T) {
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "a", "A", 0.9),
			src(models.OriginVector, "b", "B", 0.5),
			src(models.OriginVector, "c", "C", 0.2),
		}},
		{Origin: models.OriginGraph, Sources: []models.Source{
			{Origin: models.OriginGraph, BackingKey: "b", Content: "B"},
		}},
	}
	opts := Options{Strategy: StrategyRRF, KRRF: 60}
	first := Fuse(lists, opts, zaptest.NewLogger(t))

	// Fusing the fused list with itself keeps the order.
	refused := Fuse([]RankedList{
		{Origin: models.OriginVector, Sources: first},
		{Origin: models.OriginVector, Sources: first},
	}, opts, zaptest.NewLogger(t))

	require.Equal(t, len(first), len(refused))
	for i := range first {
		assert.Equal(t, first[i].BackingKey, refused[i].BackingKey, "position %d", i)
	}
}

func TestFusionDedupWithinList(t *testing.T) {
	dup := src(models.OriginVector, "a", "A", 0.9)
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{dup, dup, dup}},
	}
	out := Fuse(lists, Options{}, zaptest.NewLogger(t))
	require.Len(t, out, 1)
	// Only the best rank contributes once.
	assert.InEpsilon(t, DefaultWeights()[models.OriginVector]/61.0, *out[0].Scores.Quality, 1e-12)
}

func TestFusionAssignsUniqueIDsAndRanks(t *testing.T) {
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "a", "A", 0.9),
			src(models.OriginVector, "b", "B", 0.8),
		}},
		{Origin: models.OriginRelational, Sources: []models.Source{
			{Origin: models.OriginRelational, BackingKey: "r1", Content: "R"},
		}},
	}
	out := Fuse(lists, Options{}, zaptest.NewLogger(t))
	seen := map[string]bool{}
	for i, s := range out {
		assert.Equal(t, i+1, s.Rank)
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
	}
}

func TestFusionTieBreakLexicographic(t *testing.T) {
	// Two sources in symmetric positions: identical score, similarity
	// and rank sum. The dedup key decides.
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "zz", "Z", 0.5),
			src(models.OriginVector, "aa", "A", 0.5),
		}},
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "aa", "A", 0.5),
			src(models.OriginVector, "zz", "Z", 0.5),
		}},
	}
	out := Fuse(lists, Options{}, zaptest.NewLogger(t))
	require.Len(t, out, 2)
	assert.Equal(t, "aa", out[0].BackingKey)
	assert.Equal(t, "zz", out[1].BackingKey)
}

func TestBordaCount(t *testing.T) {
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "a", "A", -1),
			src(models.OriginVector, "b", "B", -1),
			src(models.OriginVector, "c", "C", -1),
		}},
	}
	out := Fuse(lists, Options{Strategy: StrategyBorda}, zaptest.NewLogger(t))
	require.Len(t, out, 3)
	// Borda points: w * (n - rank + 1) = 0.5*3, 0.5*2, 0.5*1.
	assert.InEpsilon(t, 1.5, *out[0].Scores.Quality, 1e-12)
	assert.InEpsilon(t, 1.0, *out[1].Scores.Quality, 1e-12)
	assert.InEpsilon(t, 0.5, *out[2].Scores.Quality, 1e-12)
}

func TestWeightedSumPreNormalisation(t *testing.T) {
	d := 1
	lists := []RankedList{
		{Origin: models.OriginVector, Sources: []models.Source{
			src(models.OriginVector, "v", "V", 0.8),
		}},
		{Origin: models.OriginGraph, Sources: []models.Source{
			{Origin: models.OriginGraph, BackingKey: "g", Content: "G",
				Scores: models.Scores{GraphDistance: &d}},
		}},
	}
	out := Fuse(lists, Options{Strategy: StrategyWeighted}, zaptest.NewLogger(t))
	require.Len(t, out, 2)
	scores := map[string]float64{}
	for _, s := range out {
		scores[s.BackingKey] = *s.Scores.Quality
	}
	assert.True(t, math.Abs(scores["v"]-0.5*0.8) < 1e-12)
	assert.True(t, math.Abs(scores["g"]-0.3*0.5) < 1e-12) // 1/(1+distance)
}

func TestFuseEmptyInput(t *testing.T) {
	out := Fuse(nil, Options{}, zaptest.NewLogger(t))
	assert.Empty(t, out)
}
