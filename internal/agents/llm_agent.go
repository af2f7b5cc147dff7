package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// llmAgent is the default agent implementation: one focused LLM call over
// the query and the top retrieved sources, returning a summary with a
// self-reported confidence. Specialist behaviour comes from the
// descriptor's domain and capabilities baked into the system prompt.
type llmAgent struct {
	desc   models.AgentDescriptor
	client llm.Client
}

// NewLLMAgentFactory returns a factory producing stateless LLM-backed
// agents for the descriptor.
func NewLLMAgentFactory(desc models.AgentDescriptor, client llm.Client) Factory {
	return func() Agent {
		return &llmAgent{desc: desc, client: client}
	}
}

func (a *llmAgent) Describe() models.AgentDescriptor { return a.desc }

const maxAgentSources = 5

type llmAgentOutput struct {
	Summary    string                 `json:"summary"`
	Confidence float64                `json:"confidence"`
	Fields     map[string]interface{} `json:"fields"`
}

func (a *llmAgent) Execute(ctx context.Context, in Input) (models.AgentResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Frage: %s\n\n", in.Query.Text)
	n := len(in.Sources)
	if n > maxAgentSources {
		n = maxAgentSources
	}
	for _, s := range in.Sources[:n] {
		fmt.Fprintf(&b, "Quelle [%d]: %s\n", s.Rank, s.Content)
	}

	system := fmt.Sprintf(`Du bist der Fachagent %q (Fachgebiet: %s, Fähigkeiten: %s).
Gib deine Einschätzung zur Frage auf Basis der Quellen ab.
Antworte nur mit JSON: {"summary": "...", "confidence": 0.0, "fields": {}}`,
		a.desc.AgentID, a.desc.Domain, strings.Join(a.desc.Capabilities, ", "))

	raw, err := a.client.Complete(ctx, llm.Request{
		System:    system,
		Prompt:    b.String(),
		MaxTokens: 512,
	})
	if err != nil {
		return models.AgentResult{}, err
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.AgentResult{}, fmt.Errorf("agent output is not JSON")
	}
	var out llmAgentOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return models.AgentResult{}, fmt.Errorf("agent output: %w", err)
	}

	return models.AgentResult{
		Summary:          out.Summary,
		Confidence:       out.Confidence,
		StructuredFields: out.Fields,
	}, nil
}
