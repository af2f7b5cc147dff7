package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// RerankMode selects the instruction prompt of the LLM rerank pass.
// Scores are call-local; no calibration across calls is attempted.
type RerankMode string

const (
	ModeRelevance       RerankMode = "relevance"
	ModeInformativeness RerankMode = "informativeness"
	ModeCombined        RerankMode = "combined"
)

// RerankRecord captures one document's score movement for observability.
type RerankRecord struct {
	SourceID      string  `json:"source_id"`
	OriginalScore float64 `json:"original_score"`
	RerankedScore float64 `json:"reranked_score"`
	Delta         float64 `json:"delta"`
}

// Reranker applies an optional LLM-based second pass over the top N fused
// sources. On any LLM failure the fused order is kept unchanged.
type Reranker struct {
	client llm.Client
	topN   int
	mode   RerankMode
	logger *zap.Logger
}

// NewReranker builds a reranker. topN defaults to 20.
func NewReranker(client llm.Client, topN int, mode RerankMode, logger *zap.Logger) *Reranker {
	if topN <= 0 {
		topN = 20
	}
	if mode == "" {
		mode = ModeRelevance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{client: client, topN: topN, mode: mode, logger: logger}
}

const excerptLen = 400

func (r *Reranker) instruction() string {
	switch r.mode {
	case ModeInformativeness:
		return "Bewerte, wie viel neue, substanzielle Information jedes Dokument zur Beantwortung der Frage beitraegt."
	case ModeCombined:
		return "Bewerte Relevanz und Informationsgehalt jedes Dokuments fuer die Frage zu gleichen Teilen."
	default:
		return "Bewerte die Relevanz jedes Dokuments fuer die Frage."
	}
}

// Rerank scores the top N candidates in [0,1] and reorders them; sources
// beyond N keep their fused order after the reranked block. Returns the
// new order plus the per-document records.
func (r *Reranker) Rerank(ctx context.Context, query string, sources []models.Source) ([]models.Source, []RerankRecord) {
	if r.client == nil || len(sources) == 0 {
		return sources, nil
	}
	n := r.topN
	if n > len(sources) {
		n = len(sources)
	}
	head, tail := sources[:n], sources[n:]

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nFrage: %s\n\n", r.instruction(), query)
	for i, s := range head {
		excerpt := s.Content
		if len(excerpt) > excerptLen {
			excerpt = excerpt[:excerptLen]
		}
		fmt.Fprintf(&b, "Dokument %d:\n%s\n\n", i+1, excerpt)
	}
	b.WriteString(`Antworte ausschliesslich mit einem JSON-Array von Werten zwischen 0 und 1, ein Wert pro Dokument, z.B. [0.9, 0.2, 0.7].`)

	raw, err := r.client.Complete(ctx, llm.Request{Prompt: b.String(), MaxTokens: 512})
	if err != nil {
		r.logger.Warn("Rerank LLM call failed; keeping fused order", zap.Error(err))
		metrics.RerankApplied.WithLabelValues("fallback").Inc()
		return sources, nil
	}
	scores, err := parseScores(raw, n)
	if err != nil {
		r.logger.Warn("Rerank response unparseable; keeping fused order", zap.Error(err))
		metrics.RerankApplied.WithLabelValues("fallback").Inc()
		return sources, nil
	}

	records := make([]RerankRecord, 0, n)
	reranked := make([]models.Source, n)
	copy(reranked, head)
	for i := range reranked {
		sc := clamp01(scores[i])
		orig := 0.0
		if reranked[i].Scores.Quality != nil {
			orig = *reranked[i].Scores.Quality
		}
		v := sc
		reranked[i].Scores.Rerank = &v
		records = append(records, RerankRecord{
			SourceID:      reranked[i].ID,
			OriginalScore: orig,
			RerankedScore: sc,
			Delta:         sc - orig,
		})
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return *reranked[i].Scores.Rerank > *reranked[j].Scores.Rerank
	})

	out := append(reranked, tail...)
	for i := range out {
		out[i].Rank = i + 1
	}
	metrics.RerankApplied.WithLabelValues("ok").Inc()
	return out, records
}

// parseScores accepts a bare JSON array, or one embedded in surrounding
// prose or a fenced block.
func parseScores(raw string, want int) ([]float64, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var scores []float64
	if err := json.Unmarshal([]byte(raw[start:end+1]), &scores); err != nil {
		return nil, err
	}
	if len(scores) < want {
		return nil, fmt.Errorf("got %d scores, want %d", len(scores), want)
	}
	return scores[:want], nil
}
