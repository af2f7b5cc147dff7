package synthesis

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

// fencedJSONRe matches ```json ... ``` (or bare ```) fenced blocks.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// tailJSONRe matches a JSON object at the very end of the text.
var tailJSONRe = regexp.MustCompile(`(?s)(\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\})\s*$`)

// embeddedJSONRe finds any JSON object mentioning the contract keys.
var embeddedJSONRe = regexp.MustCompile(`(?s)\{[^{}]*"(?:next_steps|related_topics)"[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// trailingCommaRe drops trailing commas before } or ].
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// citationRe finds [n] citation markers.
var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// ExtractMetadata scans the answer for the trailing structured-metadata
// block: last fenced JSON block, then a permissive tail-JSON pattern,
// then any embedded contract-shaped object. The first locator that
// matches wins. Parsing falls through strict → lenient → repaired-strict
// silently; when every parser fails both lists are empty and the text is
// returned unchanged.
func ExtractMetadata(answer string, logger *zap.Logger) (string, models.StructuredMetadata) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta := models.StructuredMetadata{
		NextSteps:     []models.NextStep{},
		RelatedTopics: []string{},
	}

	block, span := locateBlock(answer)
	if block == "" {
		return answer, meta
	}

	parsed, ok := parseChain(block)
	if !ok {
		logger.Debug("Structured metadata block unparseable", zap.Int("len", len(block)))
		return answer, meta
	}

	meta.RawJSON = block
	if steps, ok := parsed["next_steps"].([]interface{}); ok {
		for _, raw := range steps {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			step := models.NextStep{}
			if v, ok := m["action"].(string); ok {
				step.Action = v
			}
			if v, ok := m["type"].(string); ok {
				step.Type = v
			}
			if step.Action != "" {
				meta.NextSteps = append(meta.NextSteps, step)
			}
		}
	}
	if topics, ok := parsed["related_topics"].([]interface{}); ok {
		for _, raw := range topics {
			if s, ok := raw.(string); ok {
				meta.RelatedTopics = append(meta.RelatedTopics, s)
			}
		}
	}

	stripped := strings.TrimSpace(answer[:span[0]] + answer[span[1]:])
	return stripped, meta
}

// locateBlock returns the JSON text and its [start,end) span in answer.
func locateBlock(answer string) (string, [2]int) {
	if ms := fencedJSONRe.FindAllStringSubmatchIndex(answer, -1); len(ms) > 0 {
		m := ms[len(ms)-1] // the *last* fenced block
		return answer[m[2]:m[3]], [2]int{m[0], m[1]}
	}
	if m := tailJSONRe.FindStringSubmatchIndex(answer); m != nil {
		return answer[m[2]:m[3]], [2]int{m[0], m[1]}
	}
	if m := embeddedJSONRe.FindStringIndex(answer); m != nil {
		return answer[m[0]:m[1]], [2]int{m[0], m[1]}
	}
	return "", [2]int{}
}

// parseChain tries strict, then lenient, then repair-and-strict.
func parseChain(block string) (map[string]interface{}, bool) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(block), &out); err == nil {
		return out, true
	}
	if err := json.Unmarshal([]byte(lenient(block)), &out); err == nil {
		return out, true
	}
	repaired := trailingCommaRe.ReplaceAllString(block, "$1")
	if err := json.Unmarshal([]byte(repaired), &out); err == nil {
		return out, true
	}
	return nil, false
}

// lenient tolerates trailing commas and single-quoted strings.
func lenient(block string) string {
	fixed := trailingCommaRe.ReplaceAllString(block, "$1")
	if !strings.Contains(fixed, "'") {
		return fixed
	}
	// Swap single quotes for double quotes outside existing double-quoted
	// strings.
	var b strings.Builder
	inDouble := false
	for i := 0; i < len(fixed); i++ {
		c := fixed[i]
		switch c {
		case '"':
			inDouble = !inDouble
			b.WriteByte(c)
		case '\'':
			if inDouble {
				b.WriteByte(c)
			} else {
				b.WriteByte('"')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// EmitMetadata renders the fenced block the extraction is a left-inverse
// of: extract(answer + EmitMetadata(meta)) returns (answer, meta).
func EmitMetadata(meta models.StructuredMetadata) string {
	payload := map[string]interface{}{
		"next_steps":     meta.NextSteps,
		"related_topics": meta.RelatedTopics,
	}
	raw, _ := json.Marshal(payload)
	return "\n```json\n" + string(raw) + "\n```"
}

// ExtractCitations maps [n] markers to source ids by fused rank. Markers
// referring to unknown sources are dropped silently and logged.
func ExtractCitations(answer string, sources []models.Source, logger *zap.Logger) []models.Citation {
	if logger == nil {
		logger = zap.NewNop()
	}
	byRank := make(map[int]string, len(sources))
	for _, s := range sources {
		byRank[s.Rank] = s.ID
	}

	var citations []models.Citation
	seen := make(map[int]bool)
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		id, ok := byRank[n]
		if !ok {
			logger.Debug("Dropping citation to unknown source", zap.Int("marker", n))
			continue
		}
		citations = append(citations, models.Citation{Marker: n, SourceID: id})
	}
	return citations
}
