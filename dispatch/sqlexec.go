package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ineyio/querygate"
)

// Querier runs SQL. *pgxpool.Pool and *pgx.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// maxResultRows caps how many rows an artifact holds.
const maxResultRows = 10_000

// SQLResult is the artifact an SQL executor produces.
type SQLResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated,omitempty"`
}

// SQLExecutor returns an Executor that runs the job's SQL on db and encodes
// the rows as a JSON SQLResult.
func SQLExecutor(db Querier) Executor {
	return func(ctx context.Context, job querygate.Job) ([]byte, error) {
		rows, err := db.Query(ctx, job.Query.SQL)
		if err != nil {
			return nil, fmt.Errorf("dispatch: query: %w", err)
		}
		defer rows.Close()

		res := SQLResult{Rows: []map[string]any{}}
		for _, fd := range rows.FieldDescriptions() {
			res.Columns = append(res.Columns, fd.Name)
		}
		for rows.Next() {
			if len(res.Rows) == maxResultRows {
				res.Truncated = true
				break
			}
			row, err := pgx.RowToMap(rows)
			if err != nil {
				return nil, fmt.Errorf("dispatch: scan: %w", err)
			}
			res.Rows = append(res.Rows, row)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("dispatch: rows: %w", err)
		}
		return json.Marshal(res)
	}
}
