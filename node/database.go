package node

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/flowmaestro/flowmaestro/connector"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
)

// DatabaseExecutor runs a parameterized query against a stored database
// connection. The DSN is unsealed on demand; the core never caches plaintext.
type DatabaseExecutor struct {
	store  store.Store
	sealer *connector.Sealer
	// openDSN is swapped in tests to avoid a live server.
	openDSN func(driver, dsn string) (*sql.DB, error)
}

// NewDatabase constructs the database-query executor.
func NewDatabase(st store.Store, sealer *connector.Sealer) *DatabaseExecutor {
	return &DatabaseExecutor{store: st, sealer: sealer, openDSN: openDSN}
}

func openDSN(driver, dsn string) (*sql.DB, error) {
	if driver != "postgres" {
		return nil, fault.Newf(fault.KindValidation, "unsupported database driver %q", driver)
	}
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), nil
}

// Metadata implements Executor.
func (e *DatabaseExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "database-query",
		Description: "Run a parameterized SQL query against a stored connection",
		Category:    "data",
		Retryable:   true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["connection_id", "query"],
			"properties": {
				"connection_id": {"type": "string", "minLength": 1},
				"query": {"type": "string", "minLength": 1},
				"params": {"type": "array"}
			}
		}`),
	}
}

// Execute implements Executor. The output exposes rows as a list of column
// name to value maps plus the row count.
func (e *DatabaseExecutor) Execute(ctx context.Context, req Request) (any, error) {
	if e.store == nil || e.sealer == nil {
		return nil, fault.New(fault.KindServer, "database connections are not configured")
	}
	connID, _ := req.Config["connection_id"].(string)
	query, _ := req.Config["query"].(string)
	if connID == "" || query == "" {
		return nil, fault.New(fault.KindValidation, "database node requires connection_id and query")
	}
	conn, err := e.store.Connections().GetDatabase(ctx, req.UserID, connID)
	if err != nil {
		return nil, err
	}
	dsn, err := e.sealer.OpenString(conn.Sealed)
	if err != nil {
		return nil, err
	}
	db, err := e.openDSN(conn.Driver, dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var args []any
	if params, ok := req.Config["params"].([]any); ok {
		args = params
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindServer, err, "query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fault.Wrap(fault.KindServer, err, "read columns")
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fault.Wrap(fault.KindServer, err, "scan row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindNetwork, err, "row iteration failed")
	}
	return map[string]any{"rows": out, "count": len(out)}, nil
}
