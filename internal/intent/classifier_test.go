package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// fakeLLM scripts Complete; Generate is unused by the classifier.
type fakeLLM struct {
	complete func(ctx context.Context, req llm.Request) (string, error)
}

func (f *fakeLLM) Generate(context.Context, llm.Request) (llm.Stream, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f.complete(ctx, req)
}
func (f *fakeLLM) ModelID() string { return "fake" }

func TestKeywordPassConstruction(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{
		Text: "Brauche ich eine Baugenehmigung für einen Anbau, und was sagt der Bebauungsplan?",
	})
	assert.Equal(t, models.DomainConstruction, it.Domain)
}

func TestKeywordPassEnvironmental(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{
		Text: "Was regelt das BImSchG zur Immission und zur TA Luft?",
	})
	assert.Equal(t, models.DomainEnvironmental, it.Domain)
}

func TestSectionEntityExtraction(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{
		Text: "Was regelt § 5 BImSchG für Anlagenbetreiber?",
	})
	assert.NotEmpty(t, it.ExtractedEntities)
	assert.Contains(t, it.ExtractedEntities[0], "§ 5")
}

func TestLocationExtraction(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{
		Text: "Welche Bauordnung gilt in Stuttgart für Dachausbauten?",
	})
	assert.Contains(t, it.ExtractedLocations, "Stuttgart")
}

func TestLLMFailureFallsBackToKeywordResult(t *testing.T) {
	failing := &fakeLLM{complete: func(context.Context, llm.Request) (string, error) {
		return "", errors.New("backend down")
	}}
	c := New(failing, 0.99, zaptest.NewLogger(t)) // threshold forces the LLM pass
	it := c.Classify(context.Background(), models.Query{Text: "Was regelt das BImSchG?"})
	// The pipeline is never blocked; the keyword result stands.
	assert.Equal(t, models.DomainEnvironmental, it.Domain)
}

func TestLLMRefinesLowConfidenceQuery(t *testing.T) {
	refined := &fakeLLM{complete: func(context.Context, llm.Request) (string, error) {
		return `{"domain": "traffic", "complexity": "complex", "entities": ["StVO"], "locations": [], "confidence": 0.8}`, nil
	}}
	c := New(refined, 0.99, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{Text: "Darf ich da parken?"})
	assert.Equal(t, models.DomainTraffic, it.Domain)
	assert.Equal(t, models.ComplexityComplex, it.Complexity)
	assert.Equal(t, []string{"StVO"}, it.ExtractedEntities)
}

func TestUnknownQueryDefaultsToGeneral(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{Text: "Hallo, wie geht es dir heute so?"})
	assert.Equal(t, models.DomainGeneral, it.Domain)
}

func TestEmptyExtractionIsNotAnError(t *testing.T) {
	c := New(nil, 0.5, zaptest.NewLogger(t))
	it := c.Classify(context.Background(), models.Query{Text: "kurze frage"})
	assert.Empty(t, it.ExtractedEntities)
	assert.Empty(t, it.ExtractedLocations)
}
