package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/agents"
	"github.com/amtsauskunft/orchestrator/internal/budget"
	"github.com/amtsauskunft/orchestrator/internal/config"
	"github.com/amtsauskunft/orchestrator/internal/intent"
	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/progress"
	"github.com/amtsauskunft/orchestrator/internal/stores"
	"github.com/amtsauskunft/orchestrator/internal/synthesis"
)

// ---- fakes ----------------------------------------------------------

type fakeStream struct {
	ctx    context.Context
	chunks []string
	pos    int
	block  bool // block after the first chunk until ctx is cancelled
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	if s.block && s.pos == 1 {
		<-s.ctx.Done()
		return llm.Chunk{}, s.ctx.Err()
	}
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := llm.Chunk{Text: s.chunks[s.pos]}
	s.pos++
	if s.pos == len(s.chunks) && !s.block {
		c.Done = true
	}
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeLLM struct {
	text      string
	openErr   error
	blockMid  bool
}

func (f *fakeLLM) Generate(ctx context.Context, _ llm.Request) (llm.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	var chunks []string
	rest := f.text
	for len(rest) > 0 {
		n := 16
		if n > len(rest) {
			n = len(rest)
		}
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	return &fakeStream{ctx: ctx, chunks: chunks, block: f.blockMid}, nil
}

func (f *fakeLLM) Complete(context.Context, llm.Request) (string, error) {
	return "", errors.New("not used")
}
func (f *fakeLLM) ModelID() string { return "test-model" }

type fakeVector struct {
	sources []models.Source
	err     error
}

func (f *fakeVector) Search(context.Context, stores.VectorQuery) ([]models.Source, error) {
	return f.sources, f.err
}

type fakeGraph struct {
	sources []models.Source
	err     error
}

func (f *fakeGraph) Search(context.Context, stores.GraphQuery) ([]models.Source, error) {
	return f.sources, f.err
}

type fakeRelational struct {
	sources []models.Source
	err     error
}

func (f *fakeRelational) Search(context.Context, stores.RelationalQuery) ([]models.Source, error) {
	return f.sources, f.err
}

type scriptedAgent struct {
	d  models.AgentDescriptor
	fn func(ctx context.Context) (models.AgentResult, error)
}

func (a *scriptedAgent) Execute(ctx context.Context, _ agents.Input) (models.AgentResult, error) {
	return a.fn(ctx)
}
func (a *scriptedAgent) Describe() models.AgentDescriptor { return a.d }

// ---- fixture --------------------------------------------------------

type fixture struct {
	controller *Controller
	bus        *progress.Bus
	registry   *agents.Registry
}

type fixtureOpts struct {
	vector     stores.VectorClient
	graph      stores.GraphClient
	relational stores.RelationalClient
	llm        llm.Client
	agentFns   map[string]func(ctx context.Context) (models.AgentResult, error)
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := &config.Config{}
	cfg.LLM.ContextWindowTokens = 32768
	cfg.LLM.ReservedResponseTokens = 2048
	cfg.LLM.SafetyMarginTokens = 512
	cfg.Retrieval.PerStoreDeadlineMs = 500
	cfg.Retrieval.MaxResultsPerStore = 20
	cfg.Retrieval.Relational.Table = "vorschriften"
	cfg.Fusion.Strategy = "rrf"
	cfg.Fusion.KRRF = 60
	cfg.Agents.MaxParallel = 4
	cfg.Agents.MaxAgents = 6
	cfg.Agents.DefaultTimeoutMs = 1000

	bus := progress.NewBus(progress.Options{ReplayBufferSize: 512, ReplayTTL: time.Minute}, logger)
	t.Cleanup(bus.Shutdown)

	registry := agents.NewRegistry(logger)
	for id, fn := range opts.agentFns {
		id, fn := id, fn
		d := models.AgentDescriptor{
			AgentID: id, Domain: models.DomainGeneral,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2,
			TimeoutHint: 200 * time.Millisecond,
		}
		registry.Register(d, func() agents.Agent { return &scriptedAgent{d: d, fn: fn} })
	}

	alwaysOn := make([]string, 0, len(opts.agentFns))
	for _, id := range registry.All() {
		alwaysOn = append(alwaysOn, id)
	}

	gateway := stores.NewGateway(opts.vector, opts.graph, opts.relational,
		500*time.Millisecond, 20, logger)
	estimator := budget.NewEstimator(logger)
	budgetMgr := budget.NewManager(budget.Config{
		ContextWindowTokens:    cfg.LLM.ContextWindowTokens,
		ReservedResponseTokens: cfg.LLM.ReservedResponseTokens,
		SafetyMarginTokens:     cfg.LLM.SafetyMarginTokens,
		MinViablePromptTokens:  16,
	}, estimator, nil, logger)

	controller := New(Deps{
		Config:     cfg,
		Classifier: intent.New(nil, 0.3, logger),
		Gateway:    gateway,
		Registry:   registry,
		Selector:   agents.NewSelector(registry, alwaysOn, cfg.Agents.MaxAgents, logger),
		Runtime:    agents.NewRuntime(registry, cfg.Agents.MaxParallel, time.Second, logger),
		Budget:     budgetMgr,
		Driver:     synthesis.NewDriver(opts.llm, 2048, logger),
		Bus:        bus,
		Logger:     logger,
	})
	controller.gracePeriod = 10 * time.Millisecond
	return &fixture{controller: controller, bus: bus, registry: registry}
}

func vectorSources(n int) []models.Source {
	sim := 0.9
	var out []models.Source
	for i := 0; i < n; i++ {
		s := sim - float64(i)*0.1
		out = append(out, models.Source{
			Origin:     models.OriginVector,
			BackingKey: string(rune('a' + i)),
			Content:    "Die Anlage ist nach § 5 BImSchG zu betreiben.",
			Metadata:   map[string]string{"title": "BImSchG"},
			Scores:     models.Scores{Similarity: &s},
		})
	}
	return out
}

func okAgent(summary string, conf float64) func(context.Context) (models.AgentResult, error) {
	return func(context.Context) (models.AgentResult, error) {
		return models.AgentResult{Summary: summary, Confidence: conf}, nil
	}
}

func kindsOf(events []models.ProgressEvent) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

// ---- scenarios ------------------------------------------------------

func TestRunSingleStoreSuccess(t *testing.T) {
	answer := "Das BImSchG regelt die Betreiberpflichten [1], [2] und [3].\n" +
		"```json\n{\"next_steps\":[{\"action\":\"Lies § 5\",\"type\":\"document\"}],\"related_topics\":[\"TA Luft\"]}\n```"
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(3)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: answer},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("Pflichten nach § 5 gelten.", 0.9),
		},
	})

	resp, err := f.controller.Run(context.Background(), models.Query{
		Text: "Was regelt BImSchG § 5?", SessionID: "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ResponseDone, resp.Status)
	assert.Len(t, resp.Citations, 3)
	require.Len(t, resp.StructuredMetadata.NextSteps, 1)
	assert.Equal(t, "Lies § 5", resp.StructuredMetadata.NextSteps[0].Action)
	assert.Equal(t, []string{"TA Luft"}, resp.StructuredMetadata.RelatedTopics)
	assert.NotContains(t, resp.AnswerText, "```")
	assert.Len(t, resp.SourceIDs, 3)
	assert.Equal(t, "test-model", resp.ModelID)

	events := f.bus.Replay("s1", 0)
	kinds := kindsOf(events)
	assert.Contains(t, kinds, models.EventIntentDone)
	assert.Contains(t, kinds, models.EventFusionDone)
	assert.Contains(t, kinds, models.EventSynthesisDone)
	assert.Equal(t, models.EventPipelineDone, kinds[len(kinds)-1])

	// Event ids are monotonic and timestamps follow them.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].EventID, events[i-1].EventID)
		assert.False(t, events[i].Ts.Before(events[i-1].Ts))
	}

	// Streamed chunk bytes equal the raw answer before JSON stripping.
	var streamed int
	for _, e := range events {
		if e.Kind == models.EventSynthesisChunk {
			streamed += len(e.Payload["text"].(string))
		}
	}
	assert.Equal(t, len(answer), streamed)
}

func TestRunSourceIDsUnique(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(4)},
		graph:      &fakeGraph{sources: vectorSources(2)}, // same backing keys, other origin
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Antwort [1]."},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("ok", 0.8),
		},
	})
	resp, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s2"})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, id := range resp.SourceIDs {
		assert.False(t, seen[id], "duplicate source id %s", id)
		seen[id] = true
	}
}

func TestRunAllStoresFail(t *testing.T) {
	agentRan := false
	f := newFixture(t, fixtureOpts{
		vector: &fakeVector{err: &stores.StoreError{
			Store: models.OriginVector, Category: stores.CategoryTimeout, Cause: errors.New("deadline")}},
		graph: &fakeGraph{err: &stores.StoreError{
			Store: models.OriginGraph, Category: stores.CategoryUnreachable, Cause: errors.New("refused")}},
		relational: &fakeRelational{err: &stores.StoreError{
			Store: models.OriginRelational, Category: stores.CategoryTimeout, Cause: errors.New("deadline")}},
		llm: &fakeLLM{text: "unreachable"},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": func(context.Context) (models.AgentResult, error) {
				agentRan = true
				return models.AgentResult{Summary: "x", Confidence: 0.5}, nil
			},
		},
	})

	_, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s3"})
	require.Error(t, err)
	assert.Equal(t, models.KindUpstream, models.KindOf(err))
	assert.False(t, agentRan, "no agent dispatch after total store failure")

	events := f.bus.Replay("s3", 0)
	errCount := 0
	for _, e := range events {
		if e.Kind == models.EventRetrievalProgress && e.Status == models.EventError {
			errCount++
		}
	}
	assert.Equal(t, 3, errCount)
	last := events[len(events)-1]
	assert.Equal(t, models.EventPipelineDone, last.Kind)
	assert.Equal(t, "failed", last.Payload["status"])
	assert.Equal(t, string(models.KindUpstream), last.Payload["kind"])
}

func TestRunAllAgentsFailButRetrievalSucceeded(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(2)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Antwort aus Quellen [1]."},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": func(context.Context) (models.AgentResult, error) {
				return models.AgentResult{}, errors.New("kaputt")
			},
			"temporal_helper": func(context.Context) (models.AgentResult, error) {
				return models.AgentResult{}, errors.New("auch kaputt")
			},
		},
	})
	resp, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s4"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseDone, resp.Status)
	assert.NotEmpty(t, resp.DegradedSubsystems)
}

func TestRunAgentOnlyWithZeroSources(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Antwort allein aus Facheinschätzungen."},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("Einschätzung.", 0.7),
		},
	})
	resp, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s5"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseDone, resp.Status)
	assert.Empty(t, resp.Citations)
}

func TestRunSynthesisFailsBeforeFirstChunk(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(1)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{openErr: errors.New("llm down")},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("ok", 0.6),
		},
	})
	_, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s6"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSynthesisFailed)
}

func TestRunCancellationMidSynthesis(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(2)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Erster Teil der Antwort, der noch ankommt.", blockMid: true},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("ok", 0.6),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Wait for the first synthesis chunk, then cancel.
		deadline := time.After(2 * time.Second)
		for {
			for _, e := range f.bus.Replay("s7", 0) {
				if e.Kind == models.EventSynthesisChunk {
					cancel()
					return
				}
			}
			select {
			case <-deadline:
				cancel()
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	resp, err := f.controller.Run(ctx, models.Query{Text: "Frage", SessionID: "s7"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePartial, resp.Status)
	assert.NotEmpty(t, resp.AnswerText)
	assert.Empty(t, resp.StructuredMetadata.NextSteps)
	assert.Len(t, resp.SourceIDs, 2)

	events := f.bus.Replay("s7", 0)
	last := events[len(events)-1]
	assert.Equal(t, models.EventPipelineDone, last.Kind)
	assert.Equal(t, string(models.ResponsePartial), last.Payload["status"])
	assert.Equal(t, string(models.KindCancelled), last.Payload["kind"])
}

func TestRunCancellationLeavesNoHandleLeaked(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(1)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Antwort."},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": func(ctx context.Context) (models.AgentResult, error) {
				<-ctx.Done()
				return models.AgentResult{}, ctx.Err()
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, _ = f.controller.Run(ctx, models.Query{Text: "Frage", SessionID: "s8"})

	// Both slots of the cap-2 agent are free again.
	for i := 0; i < 2; i++ {
		h, err := f.registry.Acquire(context.Background(), "legal_framework", 100*time.Millisecond)
		require.NoError(t, err)
		defer h.Release()
	}
}

func TestSubscribeTerminatesOnPipelineDone(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		vector:     &fakeVector{sources: vectorSources(1)},
		graph:      &fakeGraph{},
		relational: &fakeRelational{},
		llm:        &fakeLLM{text: "Antwort [1]."},
		agentFns: map[string]func(context.Context) (models.AgentResult, error){
			"legal_framework": okAgent("ok", 0.9),
		},
	})

	_, err := f.controller.Run(context.Background(), models.Query{Text: "Frage", SessionID: "s9"})
	require.NoError(t, err)

	ch, cancel := f.controller.Subscribe("s9", 0)
	defer cancel()

	var kinds []string
	for evt := range ch {
		kinds = append(kinds, evt.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventPipelineDone, kinds[len(kinds)-1])
	assert.False(t, strings.Contains(strings.Join(kinds[:len(kinds)-1], ","), models.EventPipelineDone))
}
