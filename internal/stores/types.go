package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Category is the typed error surface of the store contract.
type Category string

const (
	CategoryUnreachable Category = "unreachable"
	CategoryTimeout     Category = "timeout"
	CategoryBadRequest  Category = "bad_request"
	CategoryInternal    Category = "internal"
)

// StoreError is the structured error a store client surfaces. Connection
// class errors (unreachable) are the only ones the gateway retries.
type StoreError struct {
	Store    models.Origin
	Category Category
	Cause    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Store, e.Category, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// Retryable reports whether the gateway may retry this error once.
func (e *StoreError) Retryable() bool { return e.Category == CategoryUnreachable }

// AsStoreError extracts a StoreError, wrapping foreign errors as internal.
func AsStoreError(store models.Origin, err error) *StoreError {
	var se *StoreError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StoreError{Store: store, Category: CategoryTimeout, Cause: err}
	}
	return &StoreError{Store: store, Category: CategoryInternal, Cause: err}
}

// VectorQuery is one dense-vector search.
type VectorQuery struct {
	Text      string
	Embedding []float32 // used instead of Text when non-empty
	K         int
	Filter    map[string]string
}

// GraphQuery is one graph traversal search.
type GraphQuery struct {
	SeedEntities      []string
	RelationWhitelist []string
	MaxDepth          int
	K                 int
}

// RelationalQuery is one relational predicate search.
type RelationalQuery struct {
	Table     string
	Predicate map[string]string
	K         int
}

// VectorClient is the dense-vector store contract.
type VectorClient interface {
	Search(ctx context.Context, q VectorQuery) ([]models.Source, error)
}

// GraphClient is the knowledge-graph store contract.
type GraphClient interface {
	Search(ctx context.Context, q GraphQuery) ([]models.Source, error)
}

// RelationalClient is the relational store contract.
type RelationalClient interface {
	Search(ctx context.Context, q RelationalQuery) ([]models.Source, error)
}

// Embedder turns query text into a dense vector. Document-side embedding
// generation is out of scope; this is only for query-time encoding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
