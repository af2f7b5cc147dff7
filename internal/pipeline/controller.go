package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/agents"
	"github.com/amtsauskunft/orchestrator/internal/budget"
	"github.com/amtsauskunft/orchestrator/internal/config"
	"github.com/amtsauskunft/orchestrator/internal/fusion"
	"github.com/amtsauskunft/orchestrator/internal/intent"
	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/progress"
	"github.com/amtsauskunft/orchestrator/internal/stores"
	"github.com/amtsauskunft/orchestrator/internal/synthesis"
	"github.com/amtsauskunft/orchestrator/internal/tracing"
)

// Deps are the controller's collaborators, injected at construction.
// There is no package-level mutable state; the registry and the bus are
// the only shared mutable structures and both are owned by the caller.
type Deps struct {
	Config     *config.Config
	Classifier *intent.Classifier
	Gateway    *stores.Gateway
	Reranker   *fusion.Reranker // nil when rerank is disabled
	Registry   *agents.Registry
	Selector   *agents.Selector
	Runtime    *agents.Runtime
	Budget     *budget.Manager
	Driver     *synthesis.Driver
	Bus        *progress.Bus
	Logger     *zap.Logger
}

// Controller drives the pipeline state machine:
//
//	Init → Classifying → Retrieving → Fusing → Selecting →
//	DispatchingAgents → Budgeting → Synthesizing → Finalizing → Done
//
// Cancellation is possible in any state and shares one context with
// every downstream call.
type Controller struct {
	deps        Deps
	gracePeriod time.Duration
	logger      *zap.Logger
}

// New builds a controller from its dependencies.
func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		deps:        deps,
		gracePeriod: 500 * time.Millisecond,
		logger:      deps.Logger,
	}
}

// run carries one pipeline execution's state.
type run struct {
	id      string
	query   models.Query
	actx    *models.AggregatedContext
	started time.Time
	stage   models.Stage
}

// Run is the synchronous entry point: one Query in, one
// SynthesizedResponse or structured error out. Transport framing is the
// caller's concern.
func (c *Controller) Run(ctx context.Context, q models.Query) (*models.SynthesizedResponse, error) {
	if q.SessionID == "" {
		q.SessionID = uuid.New().String()
	}
	r := &run{
		id:      uuid.New().String(),
		query:   q,
		actx:    &models.AggregatedContext{},
		started: time.Now(),
		stage:   models.StageInit,
	}
	metrics.RunsStarted.Inc()
	c.logger.Info("Pipeline run started",
		zap.String("run_id", r.id),
		zap.String("session_id", q.SessionID))

	resp, err := c.execute(ctx, r)

	elapsed := time.Since(r.started)
	metrics.RunDuration.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		metrics.RunsCompleted.WithLabelValues("failed").Inc()
		c.logger.Warn("Pipeline run failed",
			zap.String("run_id", r.id),
			zap.String("stage", string(r.stage)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	default:
		metrics.RunsCompleted.WithLabelValues(string(resp.Status)).Inc()
		c.logger.Info("Pipeline run finished",
			zap.String("run_id", r.id),
			zap.String("status", string(resp.Status)),
			zap.Duration("elapsed", elapsed))
	}
	return resp, err
}

// Subscribe is the streaming subscription entry point: a lazy,
// cancellable event sequence terminated by pipeline_done or error.
func (c *Controller) Subscribe(sessionID string, sinceEventID uint64) (<-chan models.ProgressEvent, func()) {
	src, cancel := c.deps.Bus.Subscribe(sessionID, sinceEventID)
	out := make(chan models.ProgressEvent)
	go func() {
		defer close(out)
		defer cancel()
		for evt := range src {
			out <- evt
			if evt.Kind == models.EventPipelineDone {
				return
			}
		}
	}()
	return out, cancel
}

func (c *Controller) emit(r *run, kind string, status models.EventStatus, payload map[string]interface{}) {
	c.deps.Bus.Publish(models.ProgressEvent{
		SessionID: r.query.SessionID,
		Stage:     r.stage,
		Kind:      kind,
		Status:    status,
		Payload:   payload,
	})
}

// fail emits the error and terminal events and wraps the error.
func (c *Controller) fail(r *run, kind models.ErrorKind, component, detail string, cause error) error {
	err := models.NewError(kind, r.stage, component, detail, cause)
	c.emit(r, models.EventErrorKind, models.EventError, map[string]interface{}{
		"kind":      string(kind),
		"component": component,
		"detail":    detail,
	})
	c.emit(r, models.EventPipelineDone, models.EventError, map[string]interface{}{
		"status":     string(models.ResponseFailed),
		"kind":       string(kind),
		"last_stage": string(r.stage),
		"detail":     detail,
	})
	r.stage = models.StageFailed
	return err
}

// cancelled handles cancellation raised between or inside stages: wait a
// bounded grace period for orderly cleanup, then finish the run.
func (c *Controller) cancelled(r *run, partial *models.SynthesizedResponse) (*models.SynthesizedResponse, error) {
	time.Sleep(c.gracePeriod)
	if partial != nil && partial.AnswerText != "" {
		partial.Status = models.ResponsePartial
		c.emit(r, models.EventPipelineDone, models.EventDone, map[string]interface{}{
			"status": string(models.ResponsePartial),
			"kind":   string(models.KindCancelled),
		})
		return partial, nil
	}
	return nil, c.fail(r, models.KindCancelled, "controller", "run cancelled", context.Canceled)
}

func (c *Controller) execute(ctx context.Context, r *run) (*models.SynthesizedResponse, error) {
	ctx, span := tracing.StartStageSpan(ctx, "pipeline")
	defer span.End()

	// ---- Classifying -------------------------------------------------
	r.stage = models.StageClassifying
	stageStart := time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	r.actx.Intent = c.deps.Classifier.Classify(ctx, r.query)
	c.emit(r, models.EventIntentDone, models.EventDone, map[string]interface{}{
		"domain":     string(r.actx.Intent.Domain),
		"complexity": string(r.actx.Intent.Complexity),
		"entities":   r.actx.Intent.ExtractedEntities,
	})
	metrics.RecordStage(string(models.StageClassifying), time.Since(stageStart))

	// ---- Retrieving --------------------------------------------------
	r.stage = models.StageRetrieving
	stageStart = time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	c.emit(r, models.EventRetrievalProgress, models.EventStarted, nil)

	results := c.deps.Gateway.Retrieve(ctx, stores.Request{
		QueryText:    r.query.Text,
		SeedEntities: r.actx.Intent.ExtractedEntities,
		Table:        c.deps.Config.Retrieval.Relational.Table,
		K:            c.retrievalK(),
	})

	var lists []fusion.RankedList
	failedStores := 0
	for _, res := range results {
		if res.Err != nil {
			failedStores++
			r.actx.DegradedSubsystems = append(r.actx.DegradedSubsystems, string(res.Store))
			c.emit(r, models.EventRetrievalProgress, models.EventError, map[string]interface{}{
				"store":    string(res.Store),
				"category": string(res.Err.Category),
			})
			continue
		}
		c.emit(r, models.EventRetrievalProgress, models.EventProgress, map[string]interface{}{
			"store": string(res.Store),
			"count": len(res.Sources),
		})
		lists = append(lists, fusion.RankedList{Origin: res.Store, Sources: res.Sources})
	}
	if failedStores == len(results) {
		// All three stores down: hard fail, no agent dispatch.
		return nil, c.fail(r, models.KindUpstream, "stores", "all stores failed", nil)
	}
	c.emit(r, models.EventRetrievalDone, models.EventDone, map[string]interface{}{
		"stores_failed": failedStores,
	})
	metrics.RecordStage(string(models.StageRetrieving), time.Since(stageStart))

	// ---- Fusing ------------------------------------------------------
	r.stage = models.StageFusing
	stageStart = time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	r.actx.Sources = fusion.Fuse(lists, fusion.Options{
		Strategy: fusion.Strategy(c.deps.Config.Fusion.Strategy),
		KRRF:     c.deps.Config.Fusion.KRRF,
		Weights:  originWeights(c.deps.Config.Fusion.Weights),
	}, c.logger)

	if c.deps.Reranker != nil && len(r.actx.Sources) > 0 {
		reranked, records := c.deps.Reranker.Rerank(ctx, r.query.Text, r.actx.Sources)
		r.actx.Sources = reranked
		if len(records) > 0 {
			c.emit(r, models.EventFusionDone, models.EventProgress, map[string]interface{}{
				"rerank_records": records,
			})
		}
	}
	if max := r.query.CallerOptions.MaxSources; max > 0 && len(r.actx.Sources) > max {
		r.actx.Sources = r.actx.Sources[:max]
	}
	c.emit(r, models.EventFusionDone, models.EventDone, map[string]interface{}{
		"sources": len(r.actx.Sources),
	})
	metrics.RecordStage(string(models.StageFusing), time.Since(stageStart))

	// ---- Selecting ---------------------------------------------------
	r.stage = models.StageSelecting
	stageStart = time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	selection := c.deps.Selector.Select(r.actx.Intent, r.query.Text, r.query.CallerOptions.PreferredAgents)
	c.emit(r, models.EventAgentSelected, models.EventDone, map[string]interface{}{
		"agents": selection,
	})
	metrics.RecordStage(string(models.StageSelecting), time.Since(stageStart))

	// ---- DispatchingAgents -------------------------------------------
	r.stage = models.StageAgents
	stageStart = time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	if len(selection) > 0 {
		hook := func(kind string, payload map[string]interface{}) {
			c.emit(r, kind, models.EventProgress, payload)
		}
		r.actx.AgentResults = c.deps.Runtime.Dispatch(ctx, selection, agents.Input{
			Query:   r.query,
			Intent:  r.actx.Intent,
			Sources: r.actx.Sources,
		}, hook)

		okAgents := 0
		for _, res := range r.actx.AgentResults {
			if res.Status == models.AgentOK {
				okAgents++
				c.adoptAgentSources(r, res)
			} else {
				r.actx.DegradedSubsystems = append(r.actx.DegradedSubsystems, "agent:"+res.AgentID)
			}
		}
		if okAgents == 0 && len(r.actx.Sources) == 0 {
			return nil, c.fail(r, models.KindUpstream, "agents",
				"all agents failed and no retrieval sources", nil)
		}
	}
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	metrics.RecordStage(string(models.StageAgents), time.Since(stageStart))

	// ---- Budgeting ---------------------------------------------------
	r.stage = models.StageBudgeting
	stageStart = time.Now()
	systemTokens := c.deps.Budget.Estimate(synthesis.BuildSystem(r.actx.Intent, 1, 1))
	render := func(actx *models.AggregatedContext) string {
		return synthesis.BuildUser(r.query.Text, actx)
	}
	decision, err := c.deps.Budget.Evaluate(ctx, systemTokens, r.actx, render)
	for _, action := range decision.Actions {
		c.emit(r, models.EventBudgetAction, models.EventProgress, map[string]interface{}{
			"strategy":     string(action.Strategy),
			"tokens_saved": action.TokensSaved,
			"kept":         action.Kept,
			"detail":       action.Detail,
		})
	}
	if err != nil {
		return nil, c.fail(r, models.KindBudget, "budget", "budget below minimum viable prompt", err)
	}
	metrics.RecordStage(string(models.StageBudgeting), time.Since(stageStart))

	// ---- Synthesizing ------------------------------------------------
	r.stage = models.StageSynthesis
	stageStart = time.Now()
	if ctx.Err() != nil {
		return c.cancelled(r, nil)
	}
	resp, err := c.synthesize(ctx, r, decision)
	if err != nil {
		return nil, c.fail(r, models.KindOf(err), "synthesis", "synthesis failed before first chunk", err)
	}
	metrics.RecordStage(string(models.StageSynthesis), time.Since(stageStart))

	if ctx.Err() != nil {
		// Cancellation observed mid-synthesis: partial text plus the
		// assembled sources still go out.
		return c.cancelled(r, resp)
	}

	// ---- Finalizing --------------------------------------------------
	r.stage = models.StageFinalizing
	resp.TokensUsed = decision.PromptTokens + c.deps.Budget.Estimate(resp.AnswerText)
	resp.EstimatedCostUSD = budget.EstimateCostUSD(resp.TokensUsed)
	c.deps.Budget.RecordUsage(r.query.SessionID, resp.TokensUsed)

	r.stage = models.StageDone
	resp.DurationMs = time.Since(r.started).Milliseconds()
	c.emit(r, models.EventPipelineDone, models.EventDone, map[string]interface{}{
		"status":      string(resp.Status),
		"duration_ms": resp.DurationMs,
		"sources":     len(resp.SourceIDs),
		"tokens_used": resp.TokensUsed,
	})
	return resp, nil
}

// synthesize drives one or more synthesis parts depending on the budget
// decision. Parts stream on the same session; the final part is returned.
func (c *Controller) synthesize(ctx context.Context, r *run, decision budget.Decision) (*models.SynthesizedResponse, error) {
	c.emit(r, models.EventSynthesisStarted, models.EventStarted, map[string]interface{}{
		"prompt_tokens": decision.PromptTokens,
		"parts":         maxInt(decision.PartCount, 1),
	})
	onChunk := func(text string) {
		c.emit(r, models.EventSynthesisChunk, models.EventProgress, map[string]interface{}{
			"kind": "text_chunk",
			"text": text,
		})
	}

	if !decision.Chunked {
		resp, err := c.deps.Driver.Synthesize(ctx, synthesis.Params{
			Query:   r.query,
			Context: r.actx,
		}, onChunk)
		if err != nil {
			return nil, err
		}
		c.emit(r, models.EventSynthesisDone, models.EventDone, map[string]interface{}{
			"status": string(resp.Status),
		})
		return resp, nil
	}

	// Multi-part: contiguous source slices per part, explicit part
	// numbers; stitching is the caller's concern.
	parts := decision.PartCount
	var resp *models.SynthesizedResponse
	per := (len(r.actx.Sources) + parts - 1) / parts
	if per == 0 {
		per = 1
	}
	for i := 0; i < parts; i++ {
		lo := i * per
		if lo >= len(r.actx.Sources) && i > 0 {
			break
		}
		hi := lo + per
		if hi > len(r.actx.Sources) {
			hi = len(r.actx.Sources)
		}
		partCtx := *r.actx
		partCtx.Sources = r.actx.Sources[lo:hi]

		var err error
		resp, err = c.deps.Driver.Synthesize(ctx, synthesis.Params{
			Query:     r.query,
			Context:   &partCtx,
			PartIndex: i + 1,
			PartCount: parts,
		}, onChunk)
		if err != nil {
			return nil, err
		}
		c.emit(r, models.EventSynthesisDone, models.EventProgress, map[string]interface{}{
			"part_index": i + 1,
			"part_count": parts,
			"status":     string(resp.Status),
		})
		if ctx.Err() != nil {
			break
		}
	}
	// The returned part lists every assembled source, not just its slice.
	resp.SourceIDs = resp.SourceIDs[:0]
	for _, s := range r.actx.Sources {
		resp.SourceIDs = append(resp.SourceIDs, s.ID)
	}
	c.emit(r, models.EventSynthesisDone, models.EventDone, map[string]interface{}{
		"status": string(resp.Status),
	})
	return resp, nil
}

// adoptAgentSources folds agent-produced sources into the run context
// with run-unique ids and trailing ranks.
func (c *Controller) adoptAgentSources(r *run, res models.AgentResult) {
	for _, s := range res.ProducedSources {
		s.Origin = models.OriginAgent
		if s.BackingKey == "" {
			s.BackingKey = res.AgentID + ":" + uuid.New().String()
		}
		dup := false
		for _, existing := range r.actx.Sources {
			if existing.DedupKey() == s.DedupKey() {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.Rank = len(r.actx.Sources) + 1
		if s.ID == "" {
			s.ID = fmt.Sprintf("src-%03d", s.Rank)
		}
		r.actx.Sources = append(r.actx.Sources, s)
	}
}

func (c *Controller) retrievalK() int {
	return c.deps.Config.Retrieval.MaxResultsPerStore
}

func originWeights(w map[string]float64) map[models.Origin]float64 {
	if len(w) == 0 {
		return nil
	}
	out := make(map[models.Origin]float64, len(w))
	for k, v := range w {
		out[models.Origin(k)] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
