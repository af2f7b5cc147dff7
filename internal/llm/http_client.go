package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amtsauskunft/orchestrator/internal/circuitbreaker"
	"github.com/amtsauskunft/orchestrator/internal/tracing"
)

// Config for the OpenAI-compatible completion backend.
type Config struct {
	Endpoint          string // base URL, e.g. http://localhost:8080/v1
	ModelID           string
	Temperature       float64
	RequestsPerSecond float64
	Timeout           time.Duration
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint,
// streaming over SSE. It is the only LLM implementation shipped; tests use
// fakes of the Client interface.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	httpw   *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient builds a client with rate limiting and a circuit breaker.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &HTTPClient{
		cfg:     cfg,
		http:    hc,
		httpw:   circuitbreaker.NewHTTPWrapper(hc, "llm", logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

func (c *HTTPClient) ModelID() string { return c.cfg.ModelID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

func (c *HTTPClient) buildRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	body := chatRequest{
		Model:       c.cfg.ModelID,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
		Stop:        req.Stop,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)
	return httpReq, nil
}

// Generate streams a completion over SSE.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (Stream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", c.cfg.Endpoint+"/chat/completions")

	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		span.End()
		return nil, err
	}
	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		span.End()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		span.End()
		return nil, fmt.Errorf("llm status %d", resp.StatusCode)
	}
	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		span:    span,
	}, nil
}

// Complete performs a non-streaming call.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", c.cfg.Endpoint+"/chat/completions")
	defer span.End()

	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm status %d", resp.StatusCode)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// sseStream parses "data: {...}" lines from the response body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	span    oteltrace.Span
	done    bool
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return Chunk{Done: true}, nil
		}
		var cr chatResponse
		if err := json.Unmarshal([]byte(data), &cr); err != nil {
			// A malformed frame is skipped, not fatal; the backend keeps
			// streaming valid frames after it.
			continue
		}
		if len(cr.Choices) == 0 {
			continue
		}
		ch := cr.Choices[0]
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			s.done = true
			return Chunk{Text: ch.Delta.Content, Done: true}, nil
		}
		if ch.Delta.Content == "" {
			continue
		}
		return Chunk{Text: ch.Delta.Content}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	s.done = true
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	if s.span != nil {
		s.span.End()
		s.span = nil
	}
	return s.body.Close()
}
