package budget

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

func render(actx *models.AggregatedContext) string {
	var b strings.Builder
	for _, s := range actx.Sources {
		b.WriteString(s.Content)
		b.WriteString("\n")
	}
	for _, r := range actx.AgentResults {
		b.WriteString(r.Summary)
		b.WriteString("\n")
	}
	return b.String()
}

func mgr(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, NewEstimator(zaptest.NewLogger(t)), nil, zaptest.NewLogger(t))
}

func contextWithSources(n, contentTokens int) *models.AggregatedContext {
	actx := &models.AggregatedContext{}
	for i := 0; i < n; i++ {
		score := float64(n-i) / float64(n)
		actx.Sources = append(actx.Sources, models.Source{
			ID:      fmt.Sprintf("src-%03d", i+1),
			Rank:    i + 1,
			Content: strings.Repeat("Wort ", contentTokens),
			Scores:  models.Scores{Quality: &score},
		})
	}
	return actx
}

func TestBudgetFormula(t *testing.T) {
	m := mgr(t, Config{
		ContextWindowTokens:    32768,
		ReservedResponseTokens: 2048,
		SafetyMarginTokens:     512,
	})
	assert.Equal(t, 32768-1000-2048-512, m.Budget(1000))
}

func TestEvaluateFitsWithoutActions(t *testing.T) {
	m := mgr(t, Config{
		ContextWindowTokens:    32768,
		ReservedResponseTokens: 2048,
		SafetyMarginTokens:     512,
		MinViablePromptTokens:  128,
	})
	actx := contextWithSources(3, 50)
	dec, err := m.Evaluate(context.Background(), 100, actx, render)
	require.NoError(t, err)
	assert.True(t, dec.Fits)
	assert.Empty(t, dec.Actions)
	assert.Greater(t, actx.RemainingTokenBudget, 0)
}

func TestEvaluateRerankAndDrop(t *testing.T) {
	// 30 sources, budget fits roughly 10 of them.
	actx := contextWithSources(30, 100)
	m := mgr(t, Config{
		ContextWindowTokens:    1400,
		ReservedResponseTokens: 200,
		SafetyMarginTokens:     100,
		MinViablePromptTokens:  64,
		StrategyPriority:       []Strategy{StrategyRerankAndDrop},
	})

	dec, err := m.Evaluate(context.Background(), 0, actx, render)
	require.NoError(t, err)
	assert.True(t, dec.Fits)
	require.Len(t, dec.Actions, 1)
	assert.Equal(t, StrategyRerankAndDrop, dec.Actions[0].Strategy)
	assert.Greater(t, dec.Actions[0].TokensSaved, 0)
	assert.Less(t, len(actx.Sources), 30)

	// The highest-scored sources survive.
	assert.Equal(t, "src-001", actx.Sources[0].ID)
}

func TestEvaluateReduceAgents(t *testing.T) {
	actx := &models.AggregatedContext{
		AgentResults: []models.AgentResult{
			{AgentID: "a", Status: models.AgentOK, Confidence: 0.9, Summary: strings.Repeat("Verwaltungsverfahren ", 200)},
			{AgentID: "b", Status: models.AgentOK, Confidence: 0.4, Summary: strings.Repeat("Verwaltungsverfahren ", 200)},
		},
	}
	m := mgr(t, Config{
		ContextWindowTokens:    1800,
		ReservedResponseTokens: 100,
		SafetyMarginTokens:     50,
		MinViablePromptTokens:  32,
		StrategyPriority:       []Strategy{StrategyReduceAgents},
	})
	dec, err := m.Evaluate(context.Background(), 0, actx, render)
	require.NoError(t, err)
	assert.True(t, dec.Fits)
	require.Len(t, actx.AgentResults, 1)
	// The lowest-confidence agent went first.
	assert.Equal(t, "a", actx.AgentResults[0].AgentID)
	require.Len(t, dec.Actions, 1)
	assert.Equal(t, StrategyReduceAgents, dec.Actions[0].Strategy)
}

func TestEvaluateChunkedLastResort(t *testing.T) {
	actx := contextWithSources(4, 400)
	m := mgr(t, Config{
		ContextWindowTokens:    900,
		ReservedResponseTokens: 100,
		SafetyMarginTokens:     50,
		MinViablePromptTokens:  64,
		StrategyPriority:       []Strategy{StrategyChunked},
	})
	dec, err := m.Evaluate(context.Background(), 0, actx, render)
	require.NoError(t, err)
	assert.True(t, dec.Chunked)
	assert.GreaterOrEqual(t, dec.PartCount, 2)
}

func TestEvaluateBelowMinimumViable(t *testing.T) {
	m := mgr(t, Config{
		ContextWindowTokens:    1024,
		ReservedResponseTokens: 512,
		SafetyMarginTokens:     256,
		MinViablePromptTokens:  512,
	})
	// Budget = 1024 - 200 - 512 - 256 = 56 < 512.
	_, err := m.Evaluate(context.Background(), 200, &models.AggregatedContext{}, render)
	require.Error(t, err)
	assert.Equal(t, models.KindBudget, models.KindOf(err))
}

func TestSummarizeCompressesLongSources(t *testing.T) {
	long := strings.Repeat("Der erste Satz ist wichtig. ", 60)
	actx := &models.AggregatedContext{
		Sources: []models.Source{{ID: "src-001", Rank: 1, Content: long}},
	}
	m := mgr(t, Config{
		ContextWindowTokens:    500,
		ReservedResponseTokens: 100,
		SafetyMarginTokens:     50,
		MinViablePromptTokens:  32,
		StrategyPriority:       []Strategy{StrategySummarize, StrategyChunked},
	})
	dec, err := m.Evaluate(context.Background(), 0, actx, render)
	require.NoError(t, err)
	assert.True(t, dec.Fits)
	assert.Less(t, len(actx.Sources[0].Content), len(long))
}

func TestSessionUsageAccounting(t *testing.T) {
	m := mgr(t, Config{ContextWindowTokens: 1000, MinViablePromptTokens: 1})
	m.RecordUsage("s1", 120)
	m.RecordUsage("s1", 80)
	m.RecordUsage("s2", 10)
	assert.Equal(t, 200, m.SessionUsage("s1"))
	assert.Equal(t, 10, m.SessionUsage("s2"))
}

func TestExtractKeySentences(t *testing.T) {
	text := "Erster Satz. Zweiter Satz. Dritter Satz. Vierter Satz."
	got := extractKeySentences(text, 2)
	assert.Equal(t, "Erster Satz. Zweiter Satz.", got)
}
