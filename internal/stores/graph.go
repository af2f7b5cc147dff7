package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/circuitbreaker"
	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/tracing"
)

// GraphConfig configures the knowledge-graph store client.
type GraphConfig struct {
	Endpoint string
	MaxDepth int
	Timeout  time.Duration
}

// HTTPGraphClient talks to the graph service's JSON traversal endpoint.
type HTTPGraphClient struct {
	cfg   GraphConfig
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewHTTPGraphClient builds the client.
func NewHTTPGraphClient(cfg GraphConfig, logger *zap.Logger) *HTTPGraphClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &HTTPGraphClient{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPWrapper(hc, "graph", logger),
		log:   logger,
	}
}

type graphTraverseRequest struct {
	Seeds     []string `json:"seeds"`
	Relations []string `json:"relations,omitempty"`
	MaxDepth  int      `json:"max_depth"`
	Limit     int      `json:"limit"`
}

type graphNode struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Distance   int               `json:"distance"`
	SeedOrder  int               `json:"seed_order"`
	Properties map[string]string `json:"properties,omitempty"`
}

type graphTraverseResponse struct {
	Nodes []graphNode `json:"nodes"`
}

// Search implements GraphClient. Nodes within MaxDepth hops, tie-broken by
// seed proximity then stable node id.
func (c *HTTPGraphClient) Search(ctx context.Context, q GraphQuery) ([]models.Source, error) {
	depth := q.MaxDepth
	if depth <= 0 || depth > c.cfg.MaxDepth {
		depth = c.cfg.MaxDepth
	}
	body := graphTraverseRequest{
		Seeds:     q.SeedEntities,
		Relations: q.RelationWhitelist,
		MaxDepth:  depth,
		Limit:     q.K,
	}
	buf, _ := json.Marshal(body)

	url := c.cfg.Endpoint + "/traverse"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, classify(models.OriginGraph, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, classify(models.OriginGraph, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &StoreError{Store: models.OriginGraph, Category: CategoryBadRequest,
			Cause: fmt.Errorf("graph status %d", resp.StatusCode)}
	default:
		return nil, &StoreError{Store: models.OriginGraph, Category: CategoryInternal,
			Cause: fmt.Errorf("graph status %d", resp.StatusCode)}
	}

	var gr graphTraverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &StoreError{Store: models.OriginGraph, Category: CategoryInternal, Cause: err}
	}

	// Distance, then seed proximity, then stable node id.
	sort.SliceStable(gr.Nodes, func(i, j int) bool {
		a, b := gr.Nodes[i], gr.Nodes[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.SeedOrder != b.SeedOrder {
			return a.SeedOrder < b.SeedOrder
		}
		return a.ID < b.ID
	})
	if q.K > 0 && len(gr.Nodes) > q.K {
		gr.Nodes = gr.Nodes[:q.K]
	}

	sources := make([]models.Source, 0, len(gr.Nodes))
	for _, n := range gr.Nodes {
		dist := n.Distance
		md := make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			md[k] = v
		}
		sources = append(sources, models.Source{
			Origin:     models.OriginGraph,
			BackingKey: n.ID,
			Content:    n.Content,
			Metadata:   md,
			Scores:     models.Scores{GraphDistance: &dist},
		})
	}
	return sources, nil
}
