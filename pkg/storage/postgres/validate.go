package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ankurah-core/pkg/errs"
)

// TableStructureError reports a mismatch between a table's actual
// information_schema structure and what this store requires, surfaced
// from validateSchema at construct time rather than failing later on the
// first query against a malformed table.
type TableStructureError struct {
	errs.Base
	TableName  string
	ColumnName string
	Issue      string
}

func newTableStructureError(op, table, column, issue string, err error) error {
	return &TableStructureError{
		Base:       errs.New(op, err),
		TableName:  table,
		ColumnName: column,
		Issue:      issue,
	}
}

type expectedColumn struct {
	dataType   string
	isNullable string
}

// expectedSchema names, per table, every column this store reads or
// writes and the information_schema shape Schema's DDL produces for it.
// "ARRAY" is information_schema's own reported data_type for any array
// column, regardless of element type (matching Postgres's own
// pg_catalog behavior), so head's actual element type is not compared.
var expectedSchema = map[string]map[string]expectedColumn{
	"events": {
		"id":         {dataType: "text", isNullable: "NO"},
		"entity_id":  {dataType: "text", isNullable: "NO"},
		"operations": {dataType: "jsonb", isNullable: "NO"},
		"created_at": {dataType: "timestamp with time zone", isNullable: "NO"},
	},
	"event_parents": {
		"event_id":  {dataType: "text", isNullable: "NO"},
		"parent_id": {dataType: "text", isNullable: "NO"},
	},
	"entity_state": {
		"entity_id":       {dataType: "text", isNullable: "NO"},
		"head":            {dataType: "ARRAY", isNullable: "NO"},
		"backend_buffers": {dataType: "jsonb", isNullable: "NO"},
		"attestation":     {dataType: "bytea", isNullable: "YES"},
	},
}

// validateSchema checks that every table Store depends on exists with
// exactly the columns, types and nullability Schema's DDL establishes,
// so a pool pointed at a stale or foreign database fails loudly at
// construct time instead of on the first malformed query.
func validateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range []string{"events", "event_parents", "entity_state"} {
		if err := validateTableExists(ctx, pool, table); err != nil {
			return err
		}
		if err := validateTableColumns(ctx, pool, table); err != nil {
			return err
		}
	}
	return nil
}

func validateTableExists(ctx context.Context, pool *pgxpool.Pool, table string) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = $1
		)
	`, table).Scan(&exists)
	if err != nil {
		return newTableStructureError("validateSchema", table, "", "failed to check table existence", err)
	}
	if !exists {
		return newTableStructureError("validateSchema", table, "", "required table does not exist", fmt.Errorf("table %q not found", table))
	}
	return nil
}

func validateTableColumns(ctx context.Context, pool *pgxpool.Pool, table string) error {
	expected := expectedSchema[table]

	rows, err := pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return newTableStructureError("validateSchema", table, "", "failed to query table structure", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(expected))
	for rows.Next() {
		var column, dataType, isNullable sql.NullString
		if err := rows.Scan(&column, &dataType, &isNullable); err != nil {
			return newTableStructureError("validateSchema", table, "", "failed to scan column info", err)
		}
		if !column.Valid {
			continue
		}
		found[column.String] = true

		want, ok := expected[column.String]
		if !ok {
			return newTableStructureError("validateSchema", table, column.String, "unexpected column found",
				fmt.Errorf("column %q not part of this store's schema", column.String))
		}
		if want.dataType != dataType.String {
			return newTableStructureError("validateSchema", table, column.String, "incorrect data type",
				fmt.Errorf("column %q should be %s, got %s", column.String, want.dataType, dataType.String))
		}
		if want.isNullable != isNullable.String {
			return newTableStructureError("validateSchema", table, column.String, "incorrect nullable constraint",
				fmt.Errorf("column %q should be nullable=%s, got %s", column.String, want.isNullable, isNullable.String))
		}
	}
	if err := rows.Err(); err != nil {
		return newTableStructureError("validateSchema", table, "", "error iterating table columns", err)
	}

	for column := range expected {
		if !found[column] {
			return newTableStructureError("validateSchema", table, column, "missing required column",
				fmt.Errorf("column %q not found", column))
		}
	}
	return nil
}
