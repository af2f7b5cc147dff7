package budget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Strategy names the overflow strategies in their configured priority.
type Strategy string

const (
	StrategyRerankAndDrop Strategy = "rerank_and_drop"
	StrategySummarize     Strategy = "summarize"
	StrategyReduceAgents  Strategy = "reduce_agents"
	StrategyChunked       Strategy = "chunked_response"
)

// Action records one applied reduction for the progress bus.
type Action struct {
	Strategy    Strategy `json:"strategy"`
	TokensSaved int      `json:"tokens_saved"`
	Detail      string   `json:"detail,omitempty"`
	Kept        int      `json:"kept,omitempty"`
}

// Decision is the outcome of one budget evaluation.
type Decision struct {
	Budget       int      // tokens available for the prompt
	PromptTokens int      // estimate after reductions
	Fits         bool
	Actions      []Action
	Chunked      bool
	PartCount    int
}

// Config mirrors the token-budget configuration surface.
type Config struct {
	ContextWindowTokens    int
	ReservedResponseTokens int
	SafetyMarginTokens     int
	StrategyPriority       []Strategy
	MinViablePromptTokens  int
}

// Manager computes the per-call token allowance and applies exactly one
// overflow strategy at a time, in the configured priority order, until
// the prompt fits or nothing is left to try.
type Manager struct {
	cfg       Config
	estimator *Estimator
	client    llm.Client // optional, for LLM summarization
	logger    *zap.Logger

	mu           sync.Mutex
	sessionUsage map[string]int
}

// NewManager builds a budget manager.
func NewManager(cfg Config, estimator *Estimator, client llm.Client, logger *zap.Logger) *Manager {
	if len(cfg.StrategyPriority) == 0 {
		cfg.StrategyPriority = []Strategy{
			StrategyRerankAndDrop, StrategySummarize, StrategyReduceAgents, StrategyChunked,
		}
	}
	if cfg.MinViablePromptTokens <= 0 {
		cfg.MinViablePromptTokens = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		estimator:    estimator,
		client:       client,
		logger:       logger,
		sessionUsage: make(map[string]int),
	}
}

// Budget returns context_window − reserved_system − reserved_response −
// safety_margin for the given system prompt size.
func (m *Manager) Budget(systemTokens int) int {
	return m.cfg.ContextWindowTokens - systemTokens - m.cfg.ReservedResponseTokens - m.cfg.SafetyMarginTokens
}

// Estimate counts tokens for a rendered prompt.
func (m *Manager) Estimate(text string) int { return m.estimator.Count(text) }

// PromptRenderer re-renders the prompt for the current context so the
// manager can measure the effect of a reduction.
type PromptRenderer func(actx *models.AggregatedContext) string

// Evaluate decides whether the assembled prompt fits and applies overflow
// strategies in priority order, mutating actx. A budget below the minimum
// viable prompt after all strategies is a hard Budget error.
func (m *Manager) Evaluate(ctx context.Context, systemTokens int, actx *models.AggregatedContext, render PromptRenderer) (Decision, error) {
	budget := m.Budget(systemTokens)
	dec := Decision{Budget: budget}

	if budget < m.cfg.MinViablePromptTokens {
		return dec, models.NewError(models.KindBudget, models.StageBudgeting, "budget",
			fmt.Sprintf("budget %d below minimum viable prompt %d", budget, m.cfg.MinViablePromptTokens),
			models.ErrMinViablePrompt)
	}

	dec.PromptTokens = m.estimator.Count(render(actx))
	if dec.PromptTokens <= budget {
		dec.Fits = true
		actx.RemainingTokenBudget = budget - dec.PromptTokens
		return dec, nil
	}

	for _, strat := range m.cfg.StrategyPriority {
		overflow := dec.PromptTokens - budget
		var action *Action
		switch strat {
		case StrategyRerankAndDrop:
			action = m.rerankAndDrop(actx, render, budget)
		case StrategySummarize:
			action = m.summarize(ctx, actx, render, budget)
		case StrategyReduceAgents:
			action = m.reduceAgents(actx, render, budget)
		case StrategyChunked:
			action = m.chunk(&dec, overflow, budget)
		}
		if action == nil {
			continue // precondition not met or savings insufficient
		}
		dec.Actions = append(dec.Actions, *action)
		metrics.BudgetOverflowActions.WithLabelValues(string(action.Strategy)).Inc()
		m.logger.Info("Applied overflow strategy",
			zap.String("strategy", string(action.Strategy)),
			zap.Int("tokens_saved", action.TokensSaved),
			zap.Int("overflow", overflow))

		dec.PromptTokens = m.estimator.Count(render(actx))
		if dec.PromptTokens <= budget || dec.Chunked {
			dec.Fits = true
			actx.RemainingTokenBudget = budget - dec.PromptTokens
			if actx.RemainingTokenBudget < 0 {
				actx.RemainingTokenBudget = 0
			}
			return dec, nil
		}
	}

	return dec, models.NewError(models.KindBudget, models.StageBudgeting, "budget",
		fmt.Sprintf("prompt %d tokens still over budget %d after all strategies", dec.PromptTokens, budget),
		models.ErrMinViablePrompt)
}

// rerankAndDrop keeps the top-K sources by rerank (or fusion) score.
// Precondition: more than one source; sources without any score rank as 0.
func (m *Manager) rerankAndDrop(actx *models.AggregatedContext, render PromptRenderer, budget int) *Action {
	if len(actx.Sources) <= 1 {
		return nil
	}
	before := m.estimator.Count(render(actx))

	ranked := make([]models.Source, len(actx.Sources))
	copy(ranked, actx.Sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		return sourceScore(ranked[i]) > sourceScore(ranked[j])
	})

	// Drop from the bottom until the estimate fits or one source is left.
	kept := len(ranked)
	for kept > 1 {
		trial := *actx
		trial.Sources = ranked[:kept-1]
		if m.estimator.Count(render(&trial)) <= budget {
			kept--
			break
		}
		kept--
	}
	if kept == len(ranked) {
		return nil
	}
	actx.Sources = ranked[:kept]
	after := m.estimator.Count(render(actx))
	return &Action{
		Strategy:    StrategyRerankAndDrop,
		TokensSaved: before - after,
		Kept:        kept,
		Detail:      fmt.Sprintf("kept top %d of %d sources", kept, len(ranked)),
	}
}

// summarize compresses source contents: rule-based sentence extraction,
// then a short LLM summarization when available and still needed.
// Precondition: at least one source long enough to compress.
func (m *Manager) summarize(ctx context.Context, actx *models.AggregatedContext, render PromptRenderer, budget int) *Action {
	const longEnough = 600 // characters
	candidates := 0
	for _, s := range actx.Sources {
		if len(s.Content) > longEnough {
			candidates++
		}
	}
	if candidates == 0 {
		return nil
	}
	before := m.estimator.Count(render(actx))

	for i := range actx.Sources {
		if len(actx.Sources[i].Content) > longEnough {
			actx.Sources[i].Content = extractKeySentences(actx.Sources[i].Content, 3)
		}
	}

	if m.estimator.Count(render(actx)) > budget && m.client != nil {
		for i := range actx.Sources {
			if len(actx.Sources[i].Content) <= longEnough {
				continue
			}
			summary, err := m.client.Complete(ctx, llm.Request{
				System:    "Fasse den folgenden Auszug in höchstens drei Sätzen zusammen. Behalte Paragraphen- und Gesetzesangaben bei.",
				Prompt:    actx.Sources[i].Content,
				MaxTokens: 160,
			})
			if err != nil {
				m.logger.Warn("LLM summarization failed; keeping extraction", zap.Error(err))
				break
			}
			actx.Sources[i].Content = summary
		}
	}

	after := m.estimator.Count(render(actx))
	if after >= before {
		return nil
	}
	return &Action{
		Strategy:    StrategySummarize,
		TokensSaved: before - after,
		Detail:      fmt.Sprintf("compressed %d long sources", candidates),
	}
}

// reduceAgents drops the lowest-confidence agent results. Precondition:
// more than one successful agent result.
func (m *Manager) reduceAgents(actx *models.AggregatedContext, render PromptRenderer, budget int) *Action {
	okResults := 0
	for _, r := range actx.AgentResults {
		if r.Status == models.AgentOK {
			okResults++
		}
	}
	if okResults <= 1 {
		return nil
	}
	before := m.estimator.Count(render(actx))

	ranked := make([]models.AgentResult, len(actx.AgentResults))
	copy(ranked, actx.AgentResults)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	dropped := 0
	for len(ranked) > 1 {
		ranked = ranked[:len(ranked)-1]
		dropped++
		actx.AgentResults = ranked
		if m.estimator.Count(render(actx)) <= budget {
			break
		}
	}
	after := m.estimator.Count(render(actx))
	if after >= before {
		return nil
	}
	return &Action{
		Strategy:    StrategyReduceAgents,
		TokensSaved: before - after,
		Kept:        len(ranked),
		Detail:      fmt.Sprintf("dropped %d low-confidence agents", dropped),
	}
}

// chunk marks the response as multi-part; the Synthesis Driver must emit
// explicit part numbers. Always applicable as the last resort.
func (m *Manager) chunk(dec *Decision, overflow, budget int) *Action {
	parts := 1 + (overflow+budget-1)/budget
	dec.Chunked = true
	dec.PartCount = parts
	return &Action{
		Strategy:    StrategyChunked,
		TokensSaved: 0,
		Detail:      fmt.Sprintf("response split into %d parts", parts),
		Kept:        parts,
	}
}

// RecordUsage accumulates per-session token totals.
func (m *Manager) RecordUsage(sessionID string, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionUsage[sessionID] += tokens
	metrics.TokensUsed.Observe(float64(tokens))
}

// SessionUsage returns the tokens consumed by a session so far.
func (m *Manager) SessionUsage(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionUsage[sessionID]
}

// EstimateCostUSD applies a flat local-model rate; the constant matches
// self-hosted amortized GPU cost, not a provider price sheet.
func EstimateCostUSD(tokens int) float64 {
	return float64(tokens) * 0.000002
}

func sourceScore(s models.Source) float64 {
	if s.Scores.Rerank != nil {
		return *s.Scores.Rerank
	}
	if s.Scores.Quality != nil {
		return *s.Scores.Quality
	}
	if s.Scores.Similarity != nil {
		return *s.Scores.Similarity
	}
	return 0
}

// extractKeySentences keeps the first n sentences of a passage; legal
// fragments front-load the operative clause.
func extractKeySentences(text string, n int) string {
	var out strings.Builder
	count := 0
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			out.WriteString(text[start : i+1])
			count++
			start = i + 1
			if count >= n {
				break
			}
		}
	}
	if count < n && start < len(text) {
		out.WriteString(text[start:])
	}
	return strings.TrimSpace(out.String())
}
