package synthesis

import (
	"fmt"
	"strings"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

// systemTemplate carries the structured-metadata contract. The JSON
// example's braces are literal text; only ${...} placeholders substitute.
var systemTemplate = MustParse(`Du bist ein Assistent für deutsches Verwaltungsrecht (${domain}).
Beantworte die Frage ausschließlich auf Grundlage der nummerierten Quellen und der Facheinschätzungen.
Zitiere Quellen mit [n], wobei n die Quellennummer ist. Erfinde keine Quellen.

Hänge am Ende der Antwort genau einen eingezäunten JSON-Block nach diesem Schema an:
` + "```json" + `
{"next_steps": [{"action": "...", "type": "document|link|contact|form"}], "related_topics": ["..."]}
` + "```" + `${parts}`)

var partsTemplate = MustParse(`

Dies ist Teil ${part} von ${count} einer mehrteiligen Antwort. Beantworte nur den Aspekt der unten aufgeführten Quellen und schließe nicht ab, was spätere Teile abdecken.`)

// userTemplate assembles the query and the formatted context block.
var userTemplate = MustParse(`Frage: ${query}

${context}`)

// BuildSystem renders the system instructions.
func BuildSystem(intent models.Intent, partIndex, partCount int) string {
	parts := ""
	if partCount > 1 {
		parts = partsTemplate.Render(map[string]string{
			"part":  fmt.Sprintf("%d", partIndex),
			"count": fmt.Sprintf("%d", partCount),
		})
	}
	return systemTemplate.Render(map[string]string{
		"domain": string(intent.Domain),
		"parts":  parts,
	})
}

// BuildUser renders the user prompt from the aggregated context.
func BuildUser(queryText string, actx *models.AggregatedContext) string {
	return userTemplate.Render(map[string]string{
		"query":   queryText,
		"context": FormatContext(actx),
	})
}

// FormatContext renders the ranked sources and agent summaries the way
// the model is instructed to cite them.
func FormatContext(actx *models.AggregatedContext) string {
	var b strings.Builder

	if len(actx.Sources) > 0 {
		b.WriteString("Quellen:\n")
		for _, s := range actx.Sources {
			title := s.Metadata["title"]
			if title == "" {
				title = s.Metadata["document_type"]
			}
			fmt.Fprintf(&b, "[%d] %s", s.Rank, title)
			if j := s.Metadata["jurisdiction"]; j != "" {
				fmt.Fprintf(&b, " (%s)", j)
			}
			b.WriteString("\n")
			b.WriteString(s.Content)
			b.WriteString("\n\n")
		}
	}

	okAgents := false
	for _, r := range actx.AgentResults {
		if r.Status == models.AgentOK && r.Summary != "" {
			if !okAgents {
				b.WriteString("Facheinschätzungen:\n")
				okAgents = true
			}
			fmt.Fprintf(&b, "- %s (Konfidenz %.2f): %s\n", r.AgentID, r.Confidence, r.Summary)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
