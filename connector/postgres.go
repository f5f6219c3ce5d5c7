package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net"

	"github.com/juju/errors"
	_ "github.com/lib/pq"

	"github.com/agentxhq/agentrun/types"
)

// PostgresDriver serves relational-store connectors. The target is a DSN
// without credentials ("host=... port=... dbname=..."); user and password
// come from the resolved credentials. Operations: "query" returns rows,
// "exec" returns the affected row count. The SQL text travels in the
// payload under "sql" with positional "args".
type PostgresDriver struct{}

func NewPostgresDriver() *PostgresDriver {
	return &PostgresDriver{}
}

func (d *PostgresDriver) Type() string {
	return "postgres"
}

func (d *PostgresDriver) Open(ctx context.Context, target string, creds Credentials) (Handle, error) {
	dsn := target
	if user := creds["user"]; user != "" {
		dsn = fmt.Sprintf("%s user=%s password=%s", dsn, user, creds["password"])
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.NewPermanentError(errors.Annotatef(err, "open postgres"))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, types.NewTransientError(errors.Annotatef(err, "ping postgres"))
	}
	return &pgHandle{db: db}, nil
}

type pgHandle struct {
	db *sql.DB
}

func (h *pgHandle) Call(ctx context.Context, operation string, payload types.Data) (types.Data, error) {
	query, exists := payload.GetString("sql")
	if !exists || query == "" {
		return nil, types.NewPermanentErrorf("payload missing sql")
	}
	args, _ := payload.Get("args")
	argSlice, _ := args.([]any)

	switch operation {
	case "query":
		return h.query(ctx, query, argSlice)
	case "exec":
		return h.exec(ctx, query, argSlice)
	}
	return nil, types.NewPermanentErrorf("unknown operation %q", operation)
}

func (h *pgHandle) query(ctx context.Context, query string, args []any) (types.Data, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLErr(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifySQLErr(ctx, err)
	}

	result := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		scan := make([]any, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, classifySQLErr(ctx, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, isBytes := values[i].([]byte); isBytes {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLErr(ctx, err)
	}
	return types.Data{"rows": result, "count": len(result)}, nil
}

func (h *pgHandle) exec(ctx context.Context, query string, args []any) (types.Data, error) {
	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLErr(ctx, err)
	}
	affected, _ := res.RowsAffected()
	return types.Data{"affected": affected}, nil
}

// classifySQLErr: connectivity problems are transient, everything else
// (syntax, constraint violations) is permanent.
func classifySQLErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Trace(ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return types.NewTransientError(errors.Trace(err))
	}
	return types.NewPermanentError(errors.Trace(err))
}

func (h *pgHandle) Close() error {
	return h.db.Close()
}
