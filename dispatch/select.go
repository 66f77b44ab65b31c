package dispatch

import (
	"regexp"
	"strings"

	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/session"
)

var cannedSelects = map[string]Result{
	"SELECT 1": {
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "?column?", Oid: oid.Int4, Width: 4}},
		Rows:     [][]any{{"1"}},
	},
	"SELECT VERSION()": {
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "version", Oid: oid.Text, Width: -1}},
		Rows:     [][]any{{"PostgreSQL 13.0 (Mock) on x86_64-pc-linux-gnu"}},
	},
	"SELECT CURRENT_USER": {
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "current_user", Oid: oid.Name, Width: 64}},
		Rows:     [][]any{{"postgres"}},
	},
	"SELECT CURRENT_DATABASE()": {
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "current_database", Oid: oid.Name, Width: 64}},
		Rows:     [][]any{{"postgres"}},
	},
	"SELECT NOW()": {
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "now", Oid: oid.TimestampTZ, Width: 8}},
		Rows:     [][]any{{"2024-01-01 00:00:00+00"}},
	},
}

var arrayConstructorPattern = regexp.MustCompile(`(?i)^SELECT\s+ARRAY\s*\[`)
var arrayLiteralPattern = regexp.MustCompile(`(?i)^SELECT\s+'\{.*\}'(::\w+\[\])?`)
var castPattern = regexp.MustCompile(`(?i)::(bool|int2|int4|int8|text|varchar|float4|float8|numeric|date|timestamp|timestamptz|uuid|json|jsonb)\[\]`)
var introspectionPattern = regexp.MustCompile(`(?i)\b(information_schema|pg_catalog)\.`)

// dispatchSelect classifies a SELECT statement into one of the canned exact
// matches, array forms, introspection handlers, or the generic mock fallback.
func (d *Dispatcher) dispatchSelect(sess *session.Session, full, rest string) (Result, error) {
	if sess.TransactionStatus() == session.InFailedTransaction {
		return Result{}, errInFailedTransaction()
	}

	normalized := strings.ToUpper(strings.Join(strings.Fields(full), " "))
	if canned, ok := cannedSelects[normalized]; ok {
		return canned, nil
	}

	if arrayConstructorPattern.MatchString(full) || arrayLiteralPattern.MatchString(full) {
		return d.dispatchArraySelect(full), nil
	}

	if introspectionPattern.MatchString(full) {
		return d.dispatchIntrospection(full), nil
	}

	return Result{
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "mock", Oid: oid.Text, Width: -1}},
		Rows:     [][]any{{"mock"}},
	}, nil
}

// dispatchArraySelect returns an array-typed column. A cast (e.g. ::int4[])
// selects the base element type; otherwise the array is text by default.
func (d *Dispatcher) dispatchArraySelect(full string) Result {
	base := oid.Text
	if m := castPattern.FindStringSubmatch(full); m != nil {
		base = baseOidForCastName(m[1])
	}

	return Result{
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []Column{{Name: "array", Oid: oid.ArrayOf(base), Width: -1}},
		Rows:     [][]any{{"{}"}},
	}
}

func baseOidForCastName(name string) oid.Oid {
	switch strings.ToLower(name) {
	case "bool":
		return oid.Bool
	case "int2":
		return oid.Int2
	case "int4":
		return oid.Int4
	case "int8":
		return oid.Int8
	case "float4":
		return oid.Float4
	case "float8":
		return oid.Float8
	case "numeric":
		return oid.Numeric
	case "date":
		return oid.Date
	case "timestamp":
		return oid.Timestamp
	case "timestamptz":
		return oid.TimestampTZ
	case "uuid":
		return oid.UUID
	case "json":
		return oid.JSON
	case "jsonb":
		return oid.JSONB
	case "varchar":
		return oid.Varchar
	default:
		return oid.Text
	}
}

// dispatchIntrospection returns a fixed-column schema and a small canned row
// set for information_schema.*/pg_catalog.* queries.
func (d *Dispatcher) dispatchIntrospection(full string) Result {
	lower := strings.ToLower(full)

	switch {
	case strings.Contains(lower, "information_schema.tables"):
		return Result{
			Command:  "SELECT",
			RowCount: 1,
			Columns: []Column{
				{Name: "table_catalog", Oid: oid.Name, Width: 64},
				{Name: "table_schema", Oid: oid.Name, Width: 64},
				{Name: "table_name", Oid: oid.Name, Width: 64},
				{Name: "table_type", Oid: oid.Varchar, Width: -1},
			},
			Rows: [][]any{{"postgres", "public", "mock_table", "BASE TABLE"}},
		}
	case strings.Contains(lower, "information_schema.columns"):
		return Result{
			Command:  "SELECT",
			RowCount: 1,
			Columns: []Column{
				{Name: "table_name", Oid: oid.Name, Width: 64},
				{Name: "column_name", Oid: oid.Name, Width: 64},
				{Name: "data_type", Oid: oid.Varchar, Width: -1},
			},
			Rows: [][]any{{"mock_table", "id", "integer"}},
		}
	case strings.Contains(lower, "pg_catalog.pg_namespace") || strings.Contains(lower, "pg_catalog.pg_class"):
		return Result{
			Command:  "SELECT",
			RowCount: 1,
			Columns: []Column{
				{Name: "oid", Oid: oid.Int4, Width: 4},
				{Name: "relname", Oid: oid.Name, Width: 64},
			},
			Rows: [][]any{{"16384", "mock_relation"}},
		}
	default:
		return Result{
			Command:  "SELECT",
			RowCount: 0,
			Columns:  []Column{{Name: "mock", Oid: oid.Text, Width: -1}},
			Rows:     [][]any{},
		}
	}
}
