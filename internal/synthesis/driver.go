package synthesis

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// ChunkHook forwards one streamed text fragment to the progress bus.
type ChunkHook func(text string)

// Driver builds the LLM prompt, streams the completion and post-processes
// the result into the canonical response shape.
type Driver struct {
	client    llm.Client
	maxTokens int
	logger    *zap.Logger
}

// NewDriver builds a driver. maxTokens caps the model's response length.
func NewDriver(client llm.Client, maxTokens int, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{client: client, maxTokens: maxTokens, logger: logger}
}

// Params carries one synthesis invocation.
type Params struct {
	Query     models.Query
	Context   *models.AggregatedContext
	PartIndex int // 1-based; 1/1 for single-part responses
	PartCount int
}

// Synthesize streams one (part of a) response. A stream error after any
// text yields a partial response; a failure before the first chunk is a
// hard SynthesisFailed error.
func (d *Driver) Synthesize(ctx context.Context, p Params, onChunk ChunkHook) (*models.SynthesizedResponse, error) {
	if p.PartCount <= 0 {
		p.PartCount = 1
	}
	if p.PartIndex <= 0 {
		p.PartIndex = 1
	}
	if onChunk == nil {
		onChunk = func(string) {}
	}

	start := time.Now()
	system := BuildSystem(p.Context.Intent, p.PartIndex, p.PartCount)
	prompt := BuildUser(p.Query.Text, p.Context)

	stream, err := d.client.Generate(ctx, llm.Request{
		System:    system,
		Prompt:    prompt,
		MaxTokens: d.maxTokens,
	})
	if err != nil {
		metrics.SynthesisOutcome.WithLabelValues("failed").Inc()
		return nil, models.NewError(models.KindUpstream, models.StageSynthesis, "llm",
			"stream open failed", errors.Join(models.ErrSynthesisFailed, err))
	}
	defer stream.Close()

	var raw []byte
	partial := false
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(raw) == 0 {
				metrics.SynthesisOutcome.WithLabelValues("failed").Inc()
				return nil, models.NewError(models.KindUpstream, models.StageSynthesis, "llm",
					"stream failed before first chunk", errors.Join(models.ErrSynthesisFailed, err))
			}
			d.logger.Warn("Synthesis stream broke mid-answer; returning partial",
				zap.Int("bytes", len(raw)), zap.Error(err))
			partial = true
			break
		}
		if chunk.Text != "" {
			raw = append(raw, chunk.Text...)
			metrics.SynthesisChunks.Inc()
			onChunk(chunk.Text)
		}
		if chunk.Done {
			break
		}
		if ctx.Err() != nil {
			partial = true
			break
		}
	}

	resp := d.assemble(string(raw), p, partial)
	resp.DurationMs = time.Since(start).Milliseconds()

	outcome := "done"
	if partial {
		outcome = "partial"
	}
	metrics.SynthesisOutcome.WithLabelValues(outcome).Inc()
	return resp, nil
}

// assemble runs the post-processing contract over the streamed text.
func (d *Driver) assemble(rawAnswer string, p Params, partial bool) *models.SynthesizedResponse {
	resp := &models.SynthesizedResponse{
		ModelID:   d.client.ModelID(),
		Status:    models.ResponseDone,
		PartIndex: p.PartIndex,
		PartCount: p.PartCount,
	}

	if partial {
		// Partial answers keep their raw text; the metadata block, if
		// any arrived, is likely truncated and stays unparsed.
		resp.Status = models.ResponsePartial
		resp.AnswerText = rawAnswer
		resp.StructuredMetadata = models.StructuredMetadata{
			NextSteps:     []models.NextStep{},
			RelatedTopics: []string{},
		}
	} else {
		answer, meta := ExtractMetadata(rawAnswer, d.logger)
		resp.AnswerText = answer
		resp.StructuredMetadata = meta
		if p.PartCount > 1 {
			resp.Status = models.ResponseMultiPart
		}
	}

	resp.Citations = ExtractCitations(resp.AnswerText, p.Context.Sources, d.logger)

	for _, s := range p.Context.Sources {
		resp.SourceIDs = append(resp.SourceIDs, s.ID)
	}
	var confSum float64
	var confN int
	for _, r := range p.Context.AgentResults {
		resp.AgentIDs = append(resp.AgentIDs, r.AgentID)
		if r.Status == models.AgentOK {
			confSum += r.Confidence
			confN++
		}
	}
	switch {
	case confN > 0:
		resp.Confidence = confSum / float64(confN)
	case len(p.Context.Sources) > 0:
		resp.Confidence = 0.5
	default:
		resp.Confidence = 0.25
	}
	resp.DegradedSubsystems = p.Context.DegradedSubsystems
	return resp
}
