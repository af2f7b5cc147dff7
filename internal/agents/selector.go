package agents

import (
	"strings"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

// triggerLexicon maps query keywords to specialist agent ids included on
// top of the domain match.
var triggerLexicon = map[string][]string{
	"wetter":       {"weather_specialist"},
	"hochwasser":   {"weather_specialist"},
	"din":          {"standards_specialist"},
	"norm":         {"standards_specialist"},
	"chemikalie":   {"chemicals_specialist"},
	"gefahrstoff":  {"chemicals_specialist"},
	"frist":        {"temporal_helper"},
	"verjährung":   {"temporal_helper"},
}

// Selector chooses the subset of registered agents for one run.
// Deterministic: same inputs produce the same ordered selection.
type Selector struct {
	registry  *Registry
	alwaysOn  []string
	maxAgents int
	logger    *zap.Logger
}

// NewSelector builds a selector. alwaysOn agents are candidates in every
// selection when registered, after the domain matches and subject to the
// maxAgents cap; maxAgents defaults to 6.
func NewSelector(registry *Registry, alwaysOn []string, maxAgents int, logger *zap.Logger) *Selector {
	if maxAgents <= 0 {
		maxAgents = 6
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{registry: registry, alwaysOn: alwaysOn, maxAgents: maxAgents, logger: logger}
}

// Select returns the ordered agent selection: domain matches plus
// always-on, keyword-triggered specialists, then preferred overrides,
// deduplicated preserving first occurrence and capped at maxAgents.
func (s *Selector) Select(intent models.Intent, queryText string, preferred []string) []string {
	var candidates []string

	candidates = append(candidates, s.registry.ByDomain(intent.Domain)...)
	candidates = append(candidates, s.alwaysOn...)

	lower := strings.ToLower(queryText)
	// Stable trigger order: iterate the lexicon by sorted key.
	for _, kw := range triggerKeys() {
		if strings.Contains(lower, kw) {
			candidates = append(candidates, triggerLexicon[kw]...)
		}
	}

	candidates = append(candidates, preferred...)

	seen := make(map[string]bool, len(candidates))
	var selection []string
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		if _, registered := s.registry.Describe(id); !registered {
			continue
		}
		seen[id] = true
		selection = append(selection, id)
		if len(selection) >= s.maxAgents {
			break
		}
	}

	s.logger.Debug("Agent selection",
		zap.String("domain", string(intent.Domain)),
		zap.Strings("selection", selection))
	return selection
}

func triggerKeys() []string {
	keys := make([]string, 0, len(triggerLexicon))
	for k := range triggerLexicon {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
