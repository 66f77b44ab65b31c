package dispatch

import (
	"strings"

	"github.com/pgmockd/pgmockd/pkg/oid"
)

// cannedSettings holds the canned values for SHOW, case-folded on the
// setting name.
var cannedSettings = map[string]string{
	"server_version":       "13.0 (Mock)",
	"server_version_num":   "130000",
	"timezone":             "UTC",
	"client_encoding":      "UTF8",
	"server_encoding":      "UTF8",
	"standard_conforming_strings": "on",
	"integer_datetimes":    "on",
	"application_name":     "",
	"is_superuser":         "off",
	"transaction_isolation": "read committed",
	"datestyle":            "ISO, MDY",
	"default_transaction_read_only": "off",
}

// dispatchShow returns a single-row, single-column result named after the
// requested setting. SHOW ALL returns the full canned settings table.
func (d *Dispatcher) dispatchShow(rest string) (Result, error) {
	name := strings.ToLower(strings.TrimSpace(strings.Trim(rest, ";")))

	if name == "all" {
		return d.dispatchShowAll(), nil
	}

	value, ok := cannedSettings[name]
	if !ok {
		value = ""
	}

	return Result{
		Command:  "SHOW",
		RowCount: 1,
		Columns:  []Column{{Name: name, Oid: oid.Text, Width: -1}},
		Rows:     [][]any{{value}},
	}, nil
}

func (d *Dispatcher) dispatchShowAll() Result {
	names := []string{
		"server_version", "timezone", "client_encoding", "server_encoding",
		"standard_conforming_strings", "integer_datetimes", "application_name",
		"is_superuser", "transaction_isolation", "datestyle",
		"default_transaction_read_only",
	}

	rows := make([][]any, 0, len(names))
	for _, n := range names {
		rows = append(rows, []any{n, cannedSettings[n], ""})
	}

	return Result{
		Command:  "SHOW",
		RowCount: len(rows),
		Columns: []Column{
			{Name: "name", Oid: oid.Text, Width: -1},
			{Name: "setting", Oid: oid.Text, Width: -1},
			{Name: "description", Oid: oid.Text, Width: -1},
		},
		Rows: rows,
	}
}
