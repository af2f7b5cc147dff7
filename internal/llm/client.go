package llm

import (
	"context"
)

// Chunk is one streamed completion fragment.
type Chunk struct {
	Text string
	Done bool
}

// Request carries one generation call.
type Request struct {
	Prompt      string
	System      string
	Stop        []string
	MaxTokens   int
	Temperature float64
}

// Stream is a lazy sequence of chunks. Closing it early is a valid
// cancellation and releases the underlying connection.
type Stream interface {
	// Recv blocks until the next chunk, io.EOF at end of stream, or an
	// error. Recv must observe ctx cancellation at the next network read.
	Recv() (Chunk, error)
	Close() error
}

// Client is the LLM contract the core depends on.
type Client interface {
	// Generate streams a completion. The stream ends with a Done chunk.
	Generate(ctx context.Context, req Request) (Stream, error)

	// Complete is the non-streaming convenience used by the intent
	// classifier, the reranker and the summarizer.
	Complete(ctx context.Context, req Request) (string, error)

	// ModelID identifies the configured model.
	ModelID() string
}
