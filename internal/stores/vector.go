package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/circuitbreaker"
	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/tracing"
)

// QdrantConfig configures the vector store client.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Timeout    time.Duration
}

// QdrantClient is a minimal Qdrant HTTP client implementing VectorClient.
type QdrantClient struct {
	cfg      QdrantConfig
	base     string
	httpw    *circuitbreaker.HTTPWrapper
	embedder Embedder
	log      *zap.Logger
}

// NewQdrantClient builds the client. The embedder encodes query text when
// the caller did not supply a precomputed embedding.
func NewQdrantClient(cfg QdrantConfig, embedder Embedder, logger *zap.Logger) *QdrantClient {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &QdrantClient{
		cfg:      cfg,
		base:     fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw:    circuitbreaker.NewHTTPWrapper(hc, "qdrant", logger),
		embedder: embedder,
		log:      logger,
	}
}

type qdrantQueryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search implements VectorClient. Results are ordered by descending
// similarity; scores are clamped into [0,1].
func (c *QdrantClient) Search(ctx context.Context, q VectorQuery) ([]models.Source, error) {
	vec := q.Embedding
	if len(vec) == 0 {
		if c.embedder == nil {
			return nil, &StoreError{Store: models.OriginVector, Category: CategoryBadRequest,
				Cause: fmt.Errorf("no embedding and no embedder configured")}
		}
		var err error
		vec, err = c.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, classify(models.OriginVector, err)
		}
	}

	var filter map[string]interface{}
	if len(q.Filter) > 0 {
		must := make([]map[string]interface{}, 0, len(q.Filter))
		for k, v := range q.Filter {
			must = append(must, map[string]interface{}{
				"key":   k,
				"match": map[string]interface{}{"value": v},
			})
		}
		filter = map[string]interface{}{"must": must}
	}

	reqBody := qdrantQueryRequest{Query: vec, Limit: q.K, WithPayload: true, Filter: filter}
	buf, _ := json.Marshal(reqBody)

	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, classify(models.OriginVector, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, classify(models.OriginVector, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &StoreError{Store: models.OriginVector, Category: CategoryBadRequest,
			Cause: fmt.Errorf("qdrant status %d", resp.StatusCode)}
	default:
		return nil, &StoreError{Store: models.OriginVector, Category: CategoryInternal,
			Cause: fmt.Errorf("qdrant status %d", resp.StatusCode)}
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, &StoreError{Store: models.OriginVector, Category: CategoryInternal, Cause: err}
	}

	sources := make([]models.Source, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		sim := p.Score
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		s := models.Source{
			Origin:     models.OriginVector,
			BackingKey: fmt.Sprintf("%v", p.ID),
			Content:    payloadString(p.Payload, "content", "text"),
			Metadata:   payloadMetadata(p.Payload),
			Scores:     models.Scores{Similarity: &sim},
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func payloadString(payload map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func payloadMetadata(payload map[string]interface{}) map[string]string {
	md := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "content" || k == "text" {
			continue
		}
		if s, ok := v.(string); ok {
			md[k] = s
		} else {
			md[k] = fmt.Sprintf("%v", v)
		}
	}
	return md
}

// classify maps transport errors onto the contract categories.
func classify(store models.Origin, err error) *StoreError {
	if err == nil {
		return nil
	}
	switch {
	case isTimeout(err):
		return &StoreError{Store: store, Category: CategoryTimeout, Cause: err}
	case isConnError(err):
		return &StoreError{Store: store, Category: CategoryUnreachable, Cause: err}
	default:
		return AsStoreError(store, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "Client.Timeout")
}

func isConnError(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}
