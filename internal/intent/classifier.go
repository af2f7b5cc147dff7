package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Classifier maps a query to an Intent in two stages: a cheap keyword pass
// and an LLM pass gated by a confidence threshold. It never blocks the
// pipeline; on LLM failure the keyword result (or the general default)
// stands.
type Classifier struct {
	client    llm.Client
	threshold float64
	logger    *zap.Logger
}

// New builds a classifier. threshold gates the LLM escalation: keyword
// results at or above it are accepted without an LLM call.
func New(client llm.Client, threshold float64, logger *zap.Logger) *Classifier {
	if threshold <= 0 {
		threshold = 0.55
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{client: client, threshold: threshold, logger: logger}
}

// domainLexicon maps German administrative-law keywords to domains. Terms
// are matched case-insensitively on word stems.
var domainLexicon = map[models.Domain][]string{
	models.DomainConstruction: {
		"baugenehmigung", "bauantrag", "bebauungsplan", "baugb", "bauordnung",
		"bauvorhaben", "grundstück", "flurstück", "baulast", "abstandsfläche",
		"nutzungsänderung", "denkmalschutz", "erschließung",
	},
	models.DomainEnvironmental: {
		"bimschg", "immission", "emission", "umweltverträglichkeit", "naturschutz",
		"wasserrecht", "whg", "abfall", "krwg", "lärmschutz", "ta luft", "ta lärm",
		"altlasten", "artenschutz", "luftreinhaltung",
	},
	models.DomainTraffic: {
		"stvo", "stvzo", "verkehrszeichen", "sondernutzung", "straßenrecht",
		"parkausweis", "verkehrsberuhigung", "fahrerlaubnis", "anwohnerparken",
	},
	models.DomainSocial: {
		"sgb", "sozialhilfe", "wohngeld", "bürgergeld", "elterngeld", "kindergeld",
		"pflegegrad", "eingliederungshilfe", "jugendamt",
	},
	models.DomainFinancial: {
		"gewerbesteuer", "grundsteuer", "abgabenordnung", "gebührenbescheid",
		"beitragsbescheid", "kommunalabgaben", "steuerbescheid", "säumniszuschlag",
	},
}

var complexityMarkers = []string{
	"abwägung", "verhältnis", "konkurrenz", "mehrere", "sowohl", "widerspruch",
	"klage", "rechtsmittel", "ermessen", "ausnahmegenehmigung", "befreiung",
}

// Section references like "§ 5 BImSchG" or "§34 BauGB".
var sectionRe = regexp.MustCompile(`§\s*\d+[a-z]?(?:\s+Abs\.\s*\d+)?(?:\s+[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]*)?`)

// Capitalized statute abbreviations (BImSchG, BauGB, StVO, ...).
var statuteRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]*[A-Z][a-zA-Z]{0,6}\b`)

// Rough location pattern: "in <Capitalized>" sequences.
var locationRe = regexp.MustCompile(`\b(?:in|bei|von|aus)\s+([A-ZÄÖÜ][a-zäöüß]+(?:\s+[A-ZÄÖÜ][a-zäöüß]+)?)`)

// Classify derives the Intent for one pipeline run.
func (c *Classifier) Classify(ctx context.Context, q models.Query) models.Intent {
	it, confidence := c.keywordPass(q.Text)
	it.Confidence = confidence

	if confidence >= c.threshold || c.client == nil {
		return it
	}

	refined, err := c.llmPass(ctx, q.Text)
	if err != nil {
		c.logger.Warn("Intent LLM pass failed; keeping keyword result",
			zap.String("domain", string(it.Domain)), zap.Error(err))
		return it
	}
	// Keep the cheap pass's extractions when the LLM returned none.
	if len(refined.ExtractedEntities) == 0 {
		refined.ExtractedEntities = it.ExtractedEntities
	}
	if len(refined.ExtractedLocations) == 0 {
		refined.ExtractedLocations = it.ExtractedLocations
	}
	return refined
}

func (c *Classifier) keywordPass(text string) (models.Intent, float64) {
	lower := strings.ToLower(text)

	best := models.DomainGeneral
	bestHits := 0
	for domain, terms := range domainLexicon {
		hits := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && domain < best) {
			best, bestHits = domain, hits
		}
	}

	complexity := models.ComplexitySimple
	markers := 0
	for _, m := range complexityMarkers {
		if strings.Contains(lower, m) {
			markers++
		}
	}
	words := len(strings.Fields(text))
	switch {
	case markers >= 3 || words > 60:
		complexity = models.ComplexityVeryComplex
	case markers >= 2 || words > 35:
		complexity = models.ComplexityComplex
	case markers >= 1 || words > 12:
		complexity = models.ComplexityStandard
	}

	confidence := 0.3
	switch {
	case bestHits >= 3:
		confidence = 0.9
	case bestHits == 2:
		confidence = 0.7
	case bestHits == 1:
		confidence = 0.5
	}

	return models.Intent{
		Domain:             best,
		Complexity:         complexity,
		ExtractedEntities:  extractEntities(text),
		ExtractedLocations: extractLocations(text),
	}, confidence
}

func extractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range sectionRe.FindAllString(text, -1) {
		m = strings.Join(strings.Fields(m), " ")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range statuteRe.FindAllString(text, -1) {
		if len(m) < 3 || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func extractLocations(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range locationRe.FindAllStringSubmatch(text, -1) {
		loc := m[1]
		if !seen[loc] {
			seen[loc] = true
			out = append(out, loc)
		}
	}
	return out
}

type llmIntent struct {
	Domain     string   `json:"domain"`
	Complexity string   `json:"complexity"`
	Entities   []string `json:"entities"`
	Locations  []string `json:"locations"`
	Confidence float64  `json:"confidence"`
}

const intentSystem = `Du klassifizierst Anfragen zum deutschen Verwaltungsrecht.
Antworte nur mit JSON: {"domain": "construction|environmental|traffic|social|financial|general",
"complexity": "simple|standard|complex|very_complex", "entities": [], "locations": [], "confidence": 0.0}`

func (c *Classifier) llmPass(ctx context.Context, text string) (models.Intent, error) {
	raw, err := c.client.Complete(ctx, llm.Request{
		System:    intentSystem,
		Prompt:    text,
		MaxTokens: 256,
	})
	if err != nil {
		return models.DefaultIntent(), err
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.DefaultIntent(), errNoJSON
	}
	var li llmIntent
	if err := json.Unmarshal([]byte(raw[start:end+1]), &li); err != nil {
		return models.DefaultIntent(), err
	}

	it := models.Intent{
		Domain:             parseDomain(li.Domain),
		Complexity:         parseComplexity(li.Complexity),
		Confidence:         li.Confidence,
		ExtractedEntities:  li.Entities,
		ExtractedLocations: li.Locations,
	}
	return it, nil
}

var errNoJSON = &jsonError{}

type jsonError struct{}

func (*jsonError) Error() string { return "no JSON object in LLM response" }

func parseDomain(s string) models.Domain {
	switch models.Domain(strings.ToLower(strings.TrimSpace(s))) {
	case models.DomainConstruction, models.DomainEnvironmental, models.DomainTraffic,
		models.DomainSocial, models.DomainFinancial:
		return models.Domain(strings.ToLower(strings.TrimSpace(s)))
	default:
		return models.DomainGeneral
	}
}

func parseComplexity(s string) models.Complexity {
	switch models.Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case models.ComplexitySimple, models.ComplexityComplex, models.ComplexityVeryComplex:
		return models.Complexity(strings.ToLower(strings.TrimSpace(s)))
	default:
		return models.ComplexityStandard
	}
}
