package stores

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Request is the gateway-level retrieval request built by the Controller
// from the query and intent.
type Request struct {
	QueryText    string
	SeedEntities []string
	Table        string
	Predicate    map[string]string
	Filter       map[string]string
	K            int
}

// StoreResult is one store's outcome: either a list (possibly empty) or a
// structured error. A deadline expiry never fails the pipeline by itself.
type StoreResult struct {
	Store   models.Origin
	Sources []models.Source
	Err     *StoreError
	Elapsed time.Duration
}

// Gateway fans a retrieval request out to the three stores with
// independent deadlines. At most one retry on connection-class errors,
// no retry on decoded application errors.
type Gateway struct {
	vector     VectorClient
	graph      GraphClient
	relational RelationalClient
	deadline   time.Duration
	maxResults int
	logger     *zap.Logger
}

// NewGateway builds the gateway. Any nil client is treated as an
// unconfigured store and reported as unreachable.
func NewGateway(vector VectorClient, graph GraphClient, relational RelationalClient,
	perStoreDeadline time.Duration, maxResults int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perStoreDeadline <= 0 {
		perStoreDeadline = 4 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 20
	}
	return &Gateway{
		vector:     vector,
		graph:      graph,
		relational: relational,
		deadline:   perStoreDeadline,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Retrieve queries all three stores concurrently. Each store's response
// list is fully assembled before being returned; the three are unordered
// with respect to each other.
func (g *Gateway) Retrieve(ctx context.Context, req Request) []StoreResult {
	k := req.K
	if k <= 0 || k > g.maxResults {
		k = g.maxResults
	}

	results := make([]StoreResult, 3)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		results[0] = g.call(ctx, models.OriginVector, func(ctx context.Context) ([]models.Source, error) {
			if g.vector == nil {
				return nil, &StoreError{Store: models.OriginVector, Category: CategoryUnreachable,
					Cause: errNotConfigured}
			}
			return g.vector.Search(ctx, VectorQuery{Text: req.QueryText, K: k, Filter: req.Filter})
		})
	}()
	go func() {
		defer wg.Done()
		results[1] = g.call(ctx, models.OriginGraph, func(ctx context.Context) ([]models.Source, error) {
			if g.graph == nil {
				return nil, &StoreError{Store: models.OriginGraph, Category: CategoryUnreachable,
					Cause: errNotConfigured}
			}
			return g.graph.Search(ctx, GraphQuery{SeedEntities: req.SeedEntities, K: k})
		})
	}()
	go func() {
		defer wg.Done()
		results[2] = g.call(ctx, models.OriginRelational, func(ctx context.Context) ([]models.Source, error) {
			if g.relational == nil {
				return nil, &StoreError{Store: models.OriginRelational, Category: CategoryUnreachable,
					Cause: errNotConfigured}
			}
			return g.relational.Search(ctx, RelationalQuery{Table: req.Table, Predicate: req.Predicate, K: k})
		})
	}()

	wg.Wait()
	return results
}

func (g *Gateway) call(ctx context.Context, store models.Origin,
	fn func(context.Context) ([]models.Source, error)) StoreResult {

	start := time.Now()
	sources, serr := g.attempt(ctx, fn, store)
	if serr != nil && serr.Retryable() && ctx.Err() == nil {
		g.logger.Debug("Retrying store after connection error",
			zap.String("store", string(store)), zap.Error(serr))
		sources, serr = g.attempt(ctx, fn, store)
	}
	elapsed := time.Since(start)

	status := "ok"
	if serr != nil {
		status = string(serr.Category)
		g.logger.Warn("Store search failed",
			zap.String("store", string(store)),
			zap.String("category", string(serr.Category)),
			zap.Duration("elapsed", elapsed),
			zap.Error(serr.Cause))
	}
	metrics.RecordStoreSearch(string(store), status, elapsed.Seconds())

	return StoreResult{Store: store, Sources: sources, Err: serr, Elapsed: elapsed}
}

func (g *Gateway) attempt(ctx context.Context,
	fn func(context.Context) ([]models.Source, error), store models.Origin) ([]models.Source, *StoreError) {

	callCtx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	sources, err := fn(callCtx)
	if err != nil {
		return nil, AsStoreError(store, err)
	}
	return sources, nil
}

var errNotConfigured = &notConfiguredError{}

type notConfiguredError struct{}

func (*notConfiguredError) Error() string { return "store not configured" }
