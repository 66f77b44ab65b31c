// Package dispatch classifies SQL text on its first keyword and routes it to
// a handler family that returns a plausible, structurally-correct synthetic
// result. It is not a SQL engine: no query is planned or executed against
// real data.
package dispatch

import (
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/session"
)

// Column describes one result column independent of wire encoding.
type Column struct {
	Name  string
	Oid   oid.Oid
	Width int16
}

// Result is what a handler returns to the protocol state machine, matching
// the Query Handler contract at the external-interfaces boundary.
type Result struct {
	Command string
	RowCount int
	Columns  []Column
	Rows     [][]any

	EmptyQuery bool

	NeedsCopyIn  bool
	NeedsCopyOut bool
	CopyInfo     *session.CopyState
	// CopyRows supplies synthetic rows for a COPY TO STDOUT.
	CopyRows [][]string
}
