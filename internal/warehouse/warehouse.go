// Package warehouse connects to the Microsoft Fabric SQL endpoint for
// schema discovery and read-only query execution. Discovery is filtered
// through an explicit table allowlist and cached with a TTL; a curated
// schema-notes document is preferred over live introspection when present.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/go-mssqldb/azuread"
	"go.uber.org/zap"
)

// ErrMissingCredentials indicates the Fabric connection settings are
// incomplete. Raised when the call path needs the warehouse, not at
// startup.
var ErrMissingCredentials = errors.New("FABRIC_SQL_ENDPOINT/DATABASE/TENANT_ID/CLIENT_ID/CLIENT_SECRET missing in .env")

// TableAllowlist restricts schema discovery to warehouse tables the
// generator is allowed to see. Policy table, tuned by hand.
var TableAllowlist = map[string]bool{
	"grp.FactSale": true,
}

// Config holds Fabric connection settings.
type Config struct {
	Endpoint        string
	Database        string
	TenantID        string
	ClientID        string
	ClientSecret    string
	SchemaNotesPath string
	SchemaTTL       time.Duration
}

// Client is the Fabric warehouse client.
type Client struct {
	cfg    Config
	logger *zap.Logger

	connMu sync.Mutex
	db     *sql.DB

	schemaMu sync.Mutex
	schema   string
	schemaAt time.Time
}

// NewClient creates a warehouse client. The connection opens lazily on
// first use so planning-only requests never touch the warehouse.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger.Named("warehouse")}
}

func (c *Client) conn(ctx context.Context) (*sql.DB, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	if c.cfg.Endpoint == "" || c.cfg.Database == "" ||
		c.cfg.TenantID == "" || c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}

	dsn := fmt.Sprintf(
		"server=%s;port=1433;database=%s;encrypt=true;TrustServerCertificate=false;"+
			"fedauth=ActiveDirectoryServicePrincipal;user id=%s@%s;password=%s",
		c.cfg.Endpoint, c.cfg.Database, c.cfg.ClientID, c.cfg.TenantID, c.cfg.ClientSecret)

	db, err := sql.Open(azuread.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	c.db = db
	c.logger.Info("warehouse connection established",
		zap.String("endpoint", c.cfg.Endpoint), zap.String("database", c.cfg.Database))
	return db, nil
}

// Close releases the warehouse connection if one was opened.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// SchemaNotes returns the curated schema-notes document, or ("", false)
// when it is absent or empty.
func (c *Client) SchemaNotes() (string, bool) {
	if c.cfg.SchemaNotesPath == "" {
		return "", false
	}
	data, err := os.ReadFile(c.cfg.SchemaNotesPath)
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	return content, true
}

// SchemaText returns schema text for prompt injection, preferring the
// curated notes document over live introspection. Introspected text is
// cached with the configured TTL.
func (c *Client) SchemaText(ctx context.Context) (string, error) {
	if notes, ok := c.SchemaNotes(); ok {
		return notes, nil
	}

	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	if c.schema != "" && time.Since(c.schemaAt) < c.cfg.SchemaTTL {
		return c.schema, nil
	}

	db, err := c.conn(ctx)
	if err != nil {
		return "", err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`)
	if err != nil {
		return "", fmt.Errorf("introspect schema: %w", err)
	}
	defer rows.Close()

	var cols []columnRow
	for rows.Next() {
		var cr columnRow
		if err := rows.Scan(&cr.Schema, &cr.Table, &cr.Column, &cr.DataType); err != nil {
			return "", err
		}
		cols = append(cols, cr)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	c.schema = formatSchemaText(cols, TableAllowlist)
	c.schemaAt = time.Now()
	return c.schema, nil
}

type columnRow struct {
	Schema   string
	Table    string
	Column   string
	DataType string
}

// formatSchemaText renders allowlisted columns as one line per table.
func formatSchemaText(cols []columnRow, allowlist map[string]bool) string {
	tables := map[string][]string{}
	var order []string
	for _, cr := range cols {
		key := cr.Schema + "." + cr.Table
		if len(allowlist) > 0 && !allowlist[key] {
			continue
		}
		if _, seen := tables[key]; !seen {
			order = append(order, key)
		}
		tables[key] = append(tables[key], fmt.Sprintf("%s (%s)", cr.Column, cr.DataType))
	}

	lines := []string{"Database schema:"}
	for _, key := range order {
		lines = append(lines, fmt.Sprintf("Table %s: %s", key, strings.Join(tables[key], ", ")))
	}
	return strings.Join(lines, "\n")
}

// ListTables returns allowlisted base tables.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_SCHEMA, TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, err
		}
		name := schema + "." + table
		if len(TableAllowlist) > 0 && !TableAllowlist[name] {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

// Query executes a SELECT statement and returns columns plus rows. Only
// read statements ever reach this method; safety validation happens
// upstream in the generation pipeline.
func (c *Client) Query(ctx context.Context, sqlText string, args ...any) ([]string, [][]any, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	c.logger.Debug("query executed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("rows", len(out)))
	return columns, out, nil
}
