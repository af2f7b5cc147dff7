package stores

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

// RelationalConfig configures the relational store client.
type RelationalConfig struct {
	Driver string // postgres | sqlite3
	DSN    string
	// AllowedTables maps table name -> ordering key column. Queries
	// against unknown tables are rejected as bad_request.
	AllowedTables map[string]string
}

// SQLClient implements RelationalClient over sqlx.
type SQLClient struct {
	db  *sqlx.DB
	cfg RelationalConfig
	log *zap.Logger
}

// NewSQLClient opens the database. Connection pool sizing is independent
// from agent parallelism.
func NewSQLClient(cfg RelationalConfig, logger *zap.Logger) (*SQLClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	return &SQLClient{db: db, cfg: cfg, log: logger}, nil
}

// NewSQLClientFromDB wraps an existing connection (used by tests with
// sqlmock).
func NewSQLClientFromDB(db *sql.DB, driver string, cfg RelationalConfig, logger *zap.Logger) *SQLClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLClient{db: sqlx.NewDb(db, driver), cfg: cfg, log: logger}
}

// Close releases the connection pool.
func (c *SQLClient) Close() error { return c.db.Close() }

// Search implements RelationalClient. Predicates become equality WHERE
// clauses; ordering is deterministic by the per-table key.
func (c *SQLClient) Search(ctx context.Context, q RelationalQuery) ([]models.Source, error) {
	orderKey, ok := c.cfg.AllowedTables[q.Table]
	if !ok {
		return nil, &StoreError{Store: models.OriginRelational, Category: CategoryBadRequest,
			Cause: fmt.Errorf("table %q not allowed", q.Table)}
	}

	// Deterministic clause order: sort predicate keys.
	keys := make([]string, 0, len(q.Predicate))
	for k := range q.Predicate {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		where []string
		args  []interface{}
	)
	for i, k := range keys {
		if !isSafeIdent(k) {
			return nil, &StoreError{Store: models.OriginRelational, Category: CategoryBadRequest,
				Cause: fmt.Errorf("predicate column %q", k)}
		}
		where = append(where, fmt.Sprintf("%s = %s", k, c.placeholder(i+1)))
		args = append(args, q.Predicate[k])
	}

	query := fmt.Sprintf("SELECT %s AS key, content, title, jurisdiction, document_type FROM %s", orderKey, q.Table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s ASC", orderKey)
	if q.K > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.K)
	}

	rows, err := c.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(models.OriginRelational, err)
	}
	defer rows.Close()

	var sources []models.Source
	rank := 0
	for rows.Next() {
		var (
			key, content                     string
			title, jurisdiction, documentType sql.NullString
		)
		if err := rows.Scan(&key, &content, &title, &jurisdiction, &documentType); err != nil {
			return nil, &StoreError{Store: models.OriginRelational, Category: CategoryInternal, Cause: err}
		}
		rank++
		r := rank
		md := map[string]string{"table": q.Table}
		if title.Valid {
			md["title"] = title.String
		}
		if jurisdiction.Valid {
			md["jurisdiction"] = jurisdiction.String
		}
		if documentType.Valid {
			md["document_type"] = documentType.String
		}
		sources = append(sources, models.Source{
			Origin:     models.OriginRelational,
			BackingKey: q.Table + ":" + key,
			Content:    content,
			Metadata:   md,
			Scores:     models.Scores{RelationalRank: &r},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(models.OriginRelational, err)
	}
	return sources, nil
}

func (c *SQLClient) placeholder(n int) string {
	if c.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
