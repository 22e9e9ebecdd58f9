// pkg/store/snowflake.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
)

// SnowflakeCollection is a read-only document source backed by a Snowflake
// table with (PK STRING, DOC VARIANT) columns. It serves cross-destination
// runs that read from a warehouse and write masked copies into PostgreSQL.
type SnowflakeCollection struct {
	db       *sqlx.DB
	name     string
	keyField string
	timeout  time.Duration
	logger   *zap.Logger
}

// OpenSnowflake establishes a pooled connection to Snowflake.
func OpenSnowflake(ctx context.Context, cfg *config.SnowflakeConfig) (*sqlx.DB, error) {
	logger := zap.L().Named("snowflake")

	logger.Info("Connecting to Snowflake",
		zap.String("account", cfg.Account),
		zap.String("database", cfg.Database),
		zap.String("schema", cfg.Schema),
		zap.String("warehouse", cfg.Warehouse))

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, &ConnError{Op: "build snowflake dsn", Err: err}
	}

	db, err := sqlx.Open("snowflake", dsn)
	if err != nil {
		return nil, &ConnError{Op: "open snowflake connection", Err: err}
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ConnError{Op: "ping snowflake", Err: err}
	}

	return db, nil
}

// NewSnowflakeCollection wraps an open connection as a read-only Collection.
func NewSnowflakeCollection(db *sqlx.DB, name, keyField string, timeout time.Duration, logger *zap.Logger) *SnowflakeCollection {
	return &SnowflakeCollection{
		db:       db,
		name:     name,
		keyField: keyField,
		timeout:  timeout,
		logger:   logger.Named("sf-collection").With(zap.String("collection", name)),
	}
}

func (c *SnowflakeCollection) Name() string { return c.name }

// table returns the quoted identifier for the backing table.
func (c *SnowflakeCollection) table() string {
	return fmt.Sprintf("%q", c.name)
}

func (c *SnowflakeCollection) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Validate confirms the connection works and the table is reachable.
func (c *SnowflakeCollection) Validate(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var version string
	if err := c.db.GetContext(qctx, &version, "SELECT CURRENT_VERSION()"); err != nil {
		return &ConnError{Op: "validate snowflake connection", Err: err}
	}
	c.logger.Info("Connected to Snowflake", zap.String("version", version))

	// An empty table returns no rows, which is fine. Anything else means
	// the table is missing or unreadable.
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", c.table())
	if err := c.db.GetContext(qctx, &one, query); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &ConnError{Op: "validate source table", Err: err}
	}
	return nil
}

func (c *SnowflakeCollection) Count(ctx context.Context) (int64, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var count int64
	err := c.db.GetContext(qctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table()))
	if err != nil {
		return 0, &ConnError{Op: "count documents", Err: err}
	}
	return count, nil
}

// Scan returns up to limit documents whose primary key sorts strictly after
// afterAnchor, in ascending key order. VARIANT documents come back as JSON
// text.
func (c *SnowflakeCollection) Scan(ctx context.Context, afterAnchor string, limit int) ([]Document, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT PK, TO_JSON(DOC) FROM %s WHERE PK > ? ORDER BY PK LIMIT %d",
		c.table(), limit)

	rows, err := c.db.QueryContext(qctx, query, afterAnchor)
	if err != nil {
		return nil, &ConnError{Op: "scan documents", Err: err}
	}
	defer rows.Close()

	docs := make([]Document, 0, limit)
	for rows.Next() {
		var pk, raw string
		if err := rows.Scan(&pk, &raw); err != nil {
			return nil, &ConnError{Op: "scan row", Err: err}
		}
		doc, err := decodeDocument(pk, []byte(raw), c.keyField)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnError{Op: "scan documents", Err: err}
	}
	return docs, nil
}

func (c *SnowflakeCollection) FetchByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}

	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	query, args, err := sqlx.In(
		fmt.Sprintf("SELECT PK, TO_JSON(DOC) FROM %s WHERE PK IN (?)", c.table()), ids)
	if err != nil {
		return nil, &ConnError{Op: "build fetch query", Err: err}
	}

	rows, err := c.db.QueryContext(qctx, c.db.Rebind(query), args...)
	if err != nil {
		return nil, &ConnError{Op: "fetch documents", Err: err}
	}
	defer rows.Close()

	out := make(map[string]Document, len(ids))
	for rows.Next() {
		var pk, raw string
		if err := rows.Scan(&pk, &raw); err != nil {
			return nil, &ConnError{Op: "scan row", Err: err}
		}
		doc, err := decodeDocument(pk, []byte(raw), c.keyField)
		if err != nil {
			return nil, err
		}
		out[pk] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnError{Op: "fetch documents", Err: err}
	}
	return out, nil
}

// Upsert is not supported: the warehouse source is read-only.
func (c *SnowflakeCollection) Upsert(ctx context.Context, docs []Document) error {
	return ErrReadOnlySource
}

// Insert is not supported: the warehouse source is read-only.
func (c *SnowflakeCollection) Insert(ctx context.Context, docs []Document) error {
	return ErrReadOnlySource
}

// Indexes returns nothing: Snowflake tables carry no secondary indexes to
// copy to a destination.
func (c *SnowflakeCollection) Indexes(ctx context.Context) ([]Index, error) {
	return nil, nil
}

func (c *SnowflakeCollection) EnsureIndexes(ctx context.Context, indexes []Index) error {
	return ErrReadOnlySource
}

func (c *SnowflakeCollection) Close() error {
	return c.db.Close()
}
