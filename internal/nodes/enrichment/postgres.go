package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PostgresProvider selects one row of a table. Column and table names are
// restricted to plain identifiers; values are always bound parameters.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) Name() string { return "postgres" }

func (p *PostgresProvider) Validate(src Source) error {
	if !identifier.MatchString(src.Collection) {
		return fmt.Errorf("postgres source requires a valid table name, got %q", src.Collection)
	}
	if len(src.Query) == 0 && src.Field == "" {
		return fmt.Errorf("postgres source requires a query or a field")
	}
	if src.Field != "" && !identifier.MatchString(src.Field) {
		return fmt.Errorf("invalid column %q", src.Field)
	}
	for col := range src.Query {
		if !identifier.MatchString(col) {
			return fmt.Errorf("invalid column %q", col)
		}
	}
	return nil
}

func (p *PostgresProvider) statement(src Source, key string) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	if len(src.Query) > 0 {
		query := substituteQuery(src.Query, key)
		cols := make([]string, 0, len(query))
		for col := range query {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for i, col := range cols {
			conditions = append(conditions, fmt.Sprintf("%s = $%d", col, i+1))
			args = append(args, query[col])
		}
	} else {
		conditions = []string{src.Field + " = $1"}
		args = []interface{}{key}
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", src.Collection, strings.Join(conditions, " AND ")), args
}

func (p *PostgresProvider) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	query, args := p.statement(src, key)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgresql query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgresql query failed: %w", err)
		}
		return nil, errNoRecord
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("postgresql scan failed: %w", err)
	}

	result := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		b, ok := values[i].([]byte)
		if !ok {
			result[col] = values[i]
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(b, &decoded); err == nil {
			result[col] = decoded
		} else {
			result[col] = string(b)
		}
	}
	return result, nil
}
