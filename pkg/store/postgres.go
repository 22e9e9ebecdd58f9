// pkg/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
)

// PostgresCollection stores documents as JSONB rows keyed by a text primary
// key: one table per collection with columns (pk TEXT PRIMARY KEY, doc JSONB).
type PostgresCollection struct {
	db       *sqlx.DB
	name     string
	keyField string
	logger   *zap.Logger
}

// OpenPostgres connects to PostgreSQL and applies pool settings.
func OpenPostgres(ctx context.Context, cfg *config.PostgresConfig) (*sqlx.DB, error) {
	logger := zap.L().Named("postgres")

	logger.Info("Connecting to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))

	db, err := sqlx.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, &ConnError{Op: "open postgres", Err: err}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ConnError{Op: "ping postgres", Err: err}
	}

	return db, nil
}

// NewPostgresCollection binds an adapter to one collection table.
func NewPostgresCollection(db *sqlx.DB, name, keyField string, logger *zap.Logger) *PostgresCollection {
	return &PostgresCollection{
		db:       db,
		name:     name,
		keyField: keyField,
		logger:   logger.Named("pg-collection").With(zap.String("collection", name)),
	}
}

// DB exposes the underlying handle so a checkpoint store can share the
// connection pool.
func (c *PostgresCollection) DB() *sqlx.DB { return c.db }

func (c *PostgresCollection) Name() string { return c.name }

// table returns the quoted table identifier. Collection names come from
// operator configuration, not from record data.
func (c *PostgresCollection) table() string {
	return pq.QuoteIdentifier(c.name)
}

// Validate verifies connectivity and creates the collection table if absent,
// so a cross-destination run can target a fresh database.
func (c *PostgresCollection) Validate(ctx context.Context) error {
	var version string
	if err := c.db.GetContext(ctx, &version, "SELECT version()"); err != nil {
		return &ConnError{Op: "validate", Err: err}
	}
	c.logger.Info("Connected to PostgreSQL", zap.String("version", version))

	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			pk  TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		)
	`, c.table()))
	if err != nil {
		return &ConnError{Op: "ensure collection table", Err: err}
	}
	return nil
}

func (c *PostgresCollection) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table()))
	if err != nil {
		return 0, &ConnError{Op: "count", Err: err}
	}
	return count, nil
}

// Scan pages documents by primary-key range. Resume is a key comparison, not
// a row offset, so deletes between runs cannot shift the cursor.
func (c *PostgresCollection) Scan(ctx context.Context, afterAnchor string, limit int) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT pk, doc FROM %s
		WHERE pk > $1
		ORDER BY pk
		LIMIT $2
	`, c.table()), afterAnchor, limit)
	if err != nil {
		return nil, &ConnError{Op: "scan", Err: err}
	}
	defer rows.Close()

	docs := make([]Document, 0, limit)
	for rows.Next() {
		var pk string
		var raw []byte
		if err := rows.Scan(&pk, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc, err := decodeDocument(pk, raw, c.keyField)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnError{Op: "scan", Err: err}
	}
	return docs, nil
}

func (c *PostgresCollection) FetchByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT pk, doc FROM %s WHERE pk = ANY($1)
	`, c.table()), pq.Array(ids))
	if err != nil {
		return nil, &ConnError{Op: "fetch by ids", Err: err}
	}
	defer rows.Close()

	out := make(map[string]Document, len(ids))
	for rows.Next() {
		var pk string
		var raw []byte
		if err := rows.Scan(&pk, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc, err := decodeDocument(pk, raw, c.keyField)
		if err != nil {
			return nil, err
		}
		out[pk] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnError{Op: "fetch by ids", Err: err}
	}
	return out, nil
}

// Upsert replaces documents by primary key within one transaction. The batch
// commits or rolls back as a whole, which keeps checkpoint replay safe.
func (c *PostgresCollection) Upsert(ctx context.Context, docs []Document) error {
	return c.write(ctx, docs, fmt.Sprintf(`
		INSERT INTO %s (pk, doc) VALUES ($1, $2)
		ON CONFLICT (pk) DO UPDATE SET doc = EXCLUDED.doc
	`, c.table()), "upsert")
}

// Insert writes new documents, leaving existing keys untouched. A resumed
// run replays batches that were written but never checkpointed; skipping
// existing keys keeps the replay from clobbering already-masked copies.
func (c *PostgresCollection) Insert(ctx context.Context, docs []Document) error {
	return c.write(ctx, docs, fmt.Sprintf(`
		INSERT INTO %s (pk, doc) VALUES ($1, $2)
		ON CONFLICT (pk) DO NOTHING
	`, c.table()), "insert")
}

func (c *PostgresCollection) write(ctx context.Context, docs []Document, query, op string) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return &ConnError{Op: op, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return &WriteError{Op: op, Count: len(docs), Err: err}
	}
	defer stmt.Close()

	for _, doc := range docs {
		pk, err := PrimaryKey(doc, c.keyField)
		if err != nil {
			return &WriteError{Op: op, Count: len(docs), Err: err}
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return &WriteError{Op: op, Count: len(docs), Err: err}
		}
		if _, err := stmt.ExecContext(ctx, pk, raw); err != nil {
			return &WriteError{Op: op, Count: len(docs), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &WriteError{Op: op, Count: len(docs), Err: err}
	}
	return nil
}

// Indexes lists non-primary indexes on the collection table.
func (c *PostgresCollection) Indexes(ctx context.Context) ([]Index, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT indexname, indexdef FROM pg_indexes
		WHERE tablename = $1 AND indexname NOT LIKE '%_pkey'
	`, c.name)
	if err != nil {
		return nil, &ConnError{Op: "list indexes", Err: err}
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		indexes = append(indexes, Index{
			Name:   name,
			Fields: parseIndexFields(def),
			Unique: strings.Contains(def, "UNIQUE INDEX"),
		})
	}
	return indexes, rows.Err()
}

// EnsureIndexes creates expression indexes over JSONB document fields.
func (c *PostgresCollection) EnsureIndexes(ctx context.Context, indexes []Index) error {
	for _, idx := range indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		exprs := make([]string, 0, len(idx.Fields))
		for _, f := range idx.Fields {
			exprs = append(exprs, fmt.Sprintf("(doc ->> %s)", pq.QuoteLiteral(f)))
		}
		query := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, pq.QuoteIdentifier(idx.Name), c.table(), strings.Join(exprs, ", "))
		if _, err := c.db.ExecContext(ctx, query); err != nil {
			return &WriteError{Op: "ensure index " + idx.Name, Count: 0, Err: err}
		}
		c.logger.Info("Ensured index", zap.String("index", idx.Name))
	}
	return nil
}

func (c *PostgresCollection) Close() error {
	return c.db.Close()
}

// decodeDocument unmarshals a JSONB payload and guarantees the key field is
// present and consistent with the row key.
func decodeDocument(pk string, raw []byte, keyField string) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", pk, err)
	}
	if _, ok := doc[keyField]; !ok {
		doc[keyField] = pk
	}
	return doc, nil
}

// parseIndexFields extracts doc ->> 'field' expressions from an index
// definition.
func parseIndexFields(def string) []string {
	var fields []string
	rest := def
	for {
		i := strings.Index(rest, "->> '")
		if i < 0 {
			break
		}
		rest = rest[i+len("->> '"):]
		j := strings.Index(rest, "'")
		if j < 0 {
			break
		}
		fields = append(fields, rest[:j])
		rest = rest[j+1:]
	}
	return fields
}
