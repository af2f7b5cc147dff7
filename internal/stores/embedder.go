package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EmbedderConfig configures the query-side embedding service client.
type EmbedderConfig struct {
	Endpoint  string
	Model     string
	Timeout   time.Duration
	CacheSize int
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint with a
// small LRU-ish cache keyed by query text. Only query-time encoding;
// document ingestion is out of scope.
type HTTPEmbedder struct {
	cfg  EmbedderConfig
	http *http.Client
	log  *zap.Logger

	mu    sync.Mutex
	cache map[string][]float32
	order []string
}

// NewHTTPEmbedder builds the client.
func NewHTTPEmbedder(cfg EmbedderConfig, logger *zap.Logger) *HTTPEmbedder {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPEmbedder{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   logger,
		cache: make(map[string][]float32),
	}
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	if v, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	buf, _ := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: []string{text}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+"/embeddings", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings status %d", resp.StatusCode)
	}
	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("embeddings returned no data")
	}
	vec := er.Data[0].Embedding

	e.mu.Lock()
	if len(e.order) >= e.cfg.CacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
	e.cache[text] = vec
	e.order = append(e.order, text)
	e.mu.Unlock()

	return vec, nil
}
