package models

import (
	"time"
)

// Domain classifies a query into one of the administrative-law areas the
// pipeline knows specialist agents for.
type Domain string

const (
	DomainConstruction  Domain = "construction"
	DomainEnvironmental Domain = "environmental"
	DomainTraffic       Domain = "traffic"
	DomainSocial        Domain = "social"
	DomainFinancial     Domain = "financial"
	DomainGeneral       Domain = "general"
)

// Complexity is the classifier's estimate of how much reasoning a query needs.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityStandard    Complexity = "standard"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// CallerOptions are per-request overrides supplied by the caller.
type CallerOptions struct {
	PreferredAgents []string `json:"preferred_agents,omitempty"`
	MaxSources      int      `json:"max_sources,omitempty"`
	StreamingOn     bool     `json:"streaming_on,omitempty"`
	Locale          string   `json:"locale,omitempty"`
}

// Query is the immutable request unit. Created on arrival, destroyed after
// the response is emitted.
type Query struct {
	Text          string        `json:"text"`
	Locale        string        `json:"locale,omitempty"`
	SessionID     string        `json:"session_id"`
	CallerOptions CallerOptions `json:"caller_options,omitempty"`
}

// Intent is derived from a Query and lives for one pipeline run.
type Intent struct {
	Domain             Domain     `json:"domain"`
	Complexity         Complexity `json:"complexity"`
	Confidence         float64    `json:"confidence"`
	ExtractedEntities  []string   `json:"extracted_entities,omitempty"`
	ExtractedLocations []string   `json:"extracted_locations,omitempty"`
}

// DefaultIntent is the fallback when classification fails; it never blocks
// the pipeline.
func DefaultIntent() Intent {
	return Intent{Domain: DomainGeneral, Complexity: ComplexityStandard}
}

// Origin identifies which backing store (or agent) produced a Source.
type Origin string

const (
	OriginVector     Origin = "vector"
	OriginGraph      Origin = "graph"
	OriginRelational Origin = "relational"
	OriginAgent      Origin = "agent"
)

// Scores carries the per-origin ranking signals of a Source. Any field may
// be absent.
type Scores struct {
	Similarity     *float64 `json:"similarity,omitempty"`
	GraphDistance  *int     `json:"graph_distance,omitempty"`
	RelationalRank *int     `json:"relational_rank,omitempty"`
	Rerank         *float64 `json:"rerank,omitempty"`
	Quality        *float64 `json:"quality,omitempty"`
}

// Source is the canonical retrieval unit. ID is unique within a run; at
// most one Source exists per (origin, backing-store key).
type Source struct {
	ID         string            `json:"id"`
	Origin     Origin            `json:"origin"`
	BackingKey string            `json:"backing_key"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Scores     Scores            `json:"scores"`
	Rank       int               `json:"rank,omitempty"` // 1-based after fusion
}

// DedupKey is the pre-fusion deduplication key.
func (s Source) DedupKey() string {
	return string(s.Origin) + "\x00" + s.BackingKey
}

// AgentDescriptor is a registry entry. Registered once, never mutated.
type AgentDescriptor struct {
	AgentID        string        `json:"agent_id" yaml:"agent_id"`
	Domain         Domain        `json:"domain" yaml:"domain"`
	Capabilities   []string      `json:"capabilities" yaml:"capabilities"`
	ConcurrencyCap int           `json:"concurrency_cap" yaml:"concurrency_cap"`
	InputSchema    string        `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema   string        `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	TimeoutHint    time.Duration `json:"timeout_hint" yaml:"timeout_hint"`
}

// AgentStatus enumerates the terminal states of one agent dispatch.
type AgentStatus string

const (
	AgentOK        AgentStatus = "ok"
	AgentTimeout   AgentStatus = "timeout"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// AgentResult is produced for every dispatched agent, including the ones
// that timed out or failed.
type AgentResult struct {
	AgentID          string                 `json:"agent_id"`
	Status           AgentStatus            `json:"status"`
	Confidence       float64                `json:"confidence"`
	Summary          string                 `json:"summary,omitempty"`
	StructuredFields map[string]interface{} `json:"structured_fields,omitempty"`
	ProducedSources  []Source               `json:"produced_sources,omitempty"`
	LatencyMs        int64                  `json:"latency_ms"`
	Reason           string                 `json:"reason,omitempty"`
}

// AggregatedContext is built by the Controller and consumed by the
// Synthesis Driver. Sources are shared read-only.
type AggregatedContext struct {
	Sources              []Source      `json:"sources"`
	AgentResults         []AgentResult `json:"agent_results"`
	Intent               Intent        `json:"intent"`
	RemainingTokenBudget int           `json:"remaining_token_budget"`
	DegradedSubsystems   []string      `json:"degraded_subsystems,omitempty"`
}

// Stage names the pipeline states; they double as event stage labels.
type Stage string

const (
	StageInit        Stage = "init"
	StageClassifying Stage = "classifying"
	StageRetrieving  Stage = "retrieving"
	StageFusing      Stage = "fusing"
	StageSelecting   Stage = "selecting"
	StageAgents      Stage = "agents"
	StageBudgeting   Stage = "budgeting"
	StageSynthesis   Stage = "synthesizing"
	StageFinalizing  Stage = "finalizing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// EventStatus is the status field of a ProgressEvent.
type EventStatus string

const (
	EventStarted  EventStatus = "started"
	EventProgress EventStatus = "progress"
	EventDone     EventStatus = "done"
	EventError    EventStatus = "error"
)

// Event kinds emitted by the core.
const (
	EventIntentDone        = "intent_done"
	EventRetrievalProgress = "retrieval_progress"
	EventRetrievalDone     = "retrieval_done"
	EventAgentSelected     = "agent_selected"
	EventAgentStarted      = "agent_started"
	EventAgentDone         = "agent_done"
	EventFusionDone        = "fusion_done"
	EventBudgetAction      = "budget_action"
	EventSynthesisStarted  = "synthesis_started"
	EventSynthesisChunk    = "synthesis_chunk"
	EventSynthesisDone     = "synthesis_done"
	EventPipelineDone      = "pipeline_done"
	EventErrorKind         = "error"
)

// ProgressEvent is the unit of the progress stream. EventID is monotonic
// per session; retention is bounded by the bus replay window.
type ProgressEvent struct {
	EventID   uint64                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	Stage     Stage                  `json:"stage"`
	Kind      string                 `json:"kind"`
	Status    EventStatus            `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Ts        time.Time              `json:"ts"`
}

// Citation maps an [n] marker in the answer text to a Source.
type Citation struct {
	Marker   int    `json:"marker"`
	SourceID string `json:"source_id"`
}

// NextStep is one entry of the structured-metadata contract.
type NextStep struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

// StructuredMetadata is the trailing JSON block the LLM is contractually
// required to emit.
type StructuredMetadata struct {
	NextSteps     []NextStep `json:"next_steps"`
	RelatedTopics []string   `json:"related_topics"`
	RawJSON       string     `json:"raw_json,omitempty"`
}

// ResponseStatus labels the completeness of a SynthesizedResponse.
type ResponseStatus string

const (
	ResponseDone      ResponseStatus = "done"
	ResponsePartial   ResponseStatus = "partial"
	ResponseMultiPart ResponseStatus = "multi_part"
	ResponseFailed    ResponseStatus = "failed"
)

// SynthesizedResponse is the single canonical response shape. Adapter
// layers perform any legacy key aliasing, not the core.
type SynthesizedResponse struct {
	AnswerText         string             `json:"answer_text"`
	Citations          []Citation         `json:"citations"`
	StructuredMetadata StructuredMetadata `json:"structured_metadata"`
	Confidence         float64            `json:"confidence"`
	ModelID            string             `json:"model_id"`
	DurationMs         int64              `json:"duration_ms"`
	AgentIDs           []string           `json:"agent_ids"`
	SourceIDs          []string           `json:"source_ids"`
	Status             ResponseStatus     `json:"status"`
	PartIndex          int                `json:"part_index,omitempty"`
	PartCount          int                `json:"part_count,omitempty"`
	TokensUsed         int                `json:"tokens_used,omitempty"`
	EstimatedCostUSD   float64            `json:"estimated_cost_usd,omitempty"`
	DegradedSubsystems []string           `json:"degraded_subsystems,omitempty"`
}
