package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/session"
)

var copyFromPattern = regexp.MustCompile(`(?is)^(\S+)\s*(?:\(([^)]*)\))?\s+FROM\s+(STDIN|'[^']*')\s*(?:WITH)?\s*(?:\((.*)\))?\s*;?\s*$`)
var copyToPattern = regexp.MustCompile(`(?is)^(\S+)\s*(?:\(([^)]*)\))?\s+TO\s+(STDOUT|'[^']*')\s*(?:WITH)?\s*(?:\((.*)\))?\s*;?\s*$`)
var copyOptionPattern = regexp.MustCompile(`(?i)(FORMAT|DELIMITER|NULL|HEADER|QUOTE)\s+'?([^,')]*)'?`)

// dispatchCopy parses a COPY statement into a session.CopyState and signals
// the caller which CopyInResponse/CopyOutResponse to emit. File-source/sink
// COPY is rejected as a feature-not-supported error.
func (d *Dispatcher) dispatchCopy(sess *session.Session, rest string) (Result, error) {
	if sess.TransactionStatus() == session.InFailedTransaction {
		return Result{}, errInFailedTransaction()
	}

	if m := copyFromPattern.FindStringSubmatch(rest); m != nil {
		if !strings.EqualFold(m[3], "STDIN") {
			return Result{}, errCopyFileNotSupported()
		}

		state := buildCopyState(session.CopyIn, m[1], m[2], m[4])
		sess.SetCopyState(state)

		return Result{Command: "COPY", NeedsCopyIn: true, CopyInfo: state}, nil
	}

	if m := copyToPattern.FindStringSubmatch(rest); m != nil {
		if !strings.EqualFold(m[3], "STDOUT") {
			return Result{}, errCopyFileNotSupported()
		}

		state := buildCopyState(session.CopyOut, m[1], m[2], m[4])
		sess.SetCopyState(state)

		return Result{
			Command:      "COPY",
			NeedsCopyOut: true,
			CopyInfo:     state,
			CopyRows:     syntheticCopyRows(state),
		}, nil
	}

	return Result{}, errSyntax(rest)
}

func buildCopyState(direction session.CopyDirection, table, columns, options string) *session.CopyState {
	state := &session.CopyState{
		Direction: direction,
		Format:    session.CopyText,
		Table:     strings.Trim(table, `"`),
		Delimiter: "\t",
		NullStr:   `\N`,
	}

	if columns != "" {
		for _, c := range strings.Split(columns, ",") {
			state.Columns = append(state.Columns, strings.TrimSpace(c))
		}
	}

	for _, m := range copyOptionPattern.FindAllStringSubmatch(options, -1) {
		switch strings.ToUpper(m[1]) {
		case "FORMAT":
			switch strings.ToLower(strings.TrimSpace(m[2])) {
			case "binary":
				state.Format = session.CopyBinary
			case "csv":
				state.Format = session.CopyCSV
				state.Delimiter = ","
			default:
				state.Format = session.CopyText
			}
		case "DELIMITER":
			state.Delimiter = m[2]
		case "NULL":
			state.NullStr = m[2]
		case "HEADER":
			state.Header = strings.EqualFold(strings.TrimSpace(m[2]), "true") || strings.TrimSpace(m[2]) == ""
		case "QUOTE":
			state.Quote = m[2]
		}
	}

	return state
}

// syntheticCopyRows returns a small canned row set for COPY TO STDOUT.
func syntheticCopyRows(state *session.CopyState) [][]string {
	cols := state.Columns
	if len(cols) == 0 {
		cols = []string{"id", "value"}
	}

	row := make([]string, len(cols))
	for i := range cols {
		row[i] = "mock"
	}

	rows := [][]string{row}
	if state.Header {
		rows = append([][]string{cols}, rows...)
	}

	return rows
}

func errCopyFileNotSupported() error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("COPY to/from a file is not supported"), codes.FeatureNotSupported), psqlerr.LevelError)
}
