package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/session"
)

var isolationPattern = regexp.MustCompile(`(?i)ISOLATION\s+LEVEL\s+(READ\s+UNCOMMITTED|READ\s+COMMITTED|REPEATABLE\s+READ|SERIALIZABLE)`)
var readOnlyPattern = regexp.MustCompile(`(?i)\bREAD\s+ONLY\b`)
var readWritePattern = regexp.MustCompile(`(?i)\bREAD\s+WRITE\b`)
var deferrablePattern = regexp.MustCompile(`(?i)\bDEFERRABLE\b`)

func parseTransactionOptions(rest string) session.TransactionOptions {
	opts := session.TransactionOptions{}

	if m := isolationPattern.FindStringSubmatch(rest); m != nil {
		opts.Isolation = session.IsolationLevel(strings.ToUpper(strings.Join(strings.Fields(m[1]), " ")))
	}

	if readOnlyPattern.MatchString(rest) {
		opts.ReadOnly = true
	}
	if readWritePattern.MatchString(rest) {
		opts.ReadOnly = false
	}
	if deferrablePattern.MatchString(rest) {
		opts.Deferrable = true
	}

	return opts
}

func (d *Dispatcher) dispatchBegin(sess *session.Session, rest, keyword string) (Result, error) {
	opts := parseTransactionOptions(rest)
	err := sess.BeginTransaction(opts)
	if err != nil {
		return Result{}, err
	}

	return Result{Command: "BEGIN"}, nil
}

func (d *Dispatcher) dispatchRollback(sess *session.Session, rest string) (Result, error) {
	trimmed := strings.TrimSpace(rest)
	upper := strings.ToUpper(trimmed)

	if strings.HasPrefix(upper, "TO ") || strings.HasPrefix(upper, "TO SAVEPOINT ") {
		name := extractSavepointName(trimmed)
		if name == "" {
			return Result{}, errMissingSavepointName()
		}

		if err := sess.RollbackToSavepoint(name); err != nil {
			return Result{}, err
		}

		return Result{Command: "ROLLBACK"}, nil
	}

	if err := sess.RollbackTransaction(); err != nil {
		return Result{}, err
	}

	return Result{Command: "ROLLBACK"}, nil
}

func (d *Dispatcher) dispatchSavepoint(sess *session.Session, rest string) (Result, error) {
	name := strings.TrimSpace(rest)
	if name == "" {
		return Result{}, psqlerr.WithSeverity(psqlerr.WithCode(
			fmt.Errorf("syntax error: SAVEPOINT requires a name"), codes.Syntax), psqlerr.LevelError)
	}

	if err := sess.CreateSavepoint(name); err != nil {
		return Result{}, err
	}

	return Result{Command: "SAVEPOINT"}, nil
}

func (d *Dispatcher) dispatchRelease(sess *session.Session, rest string) (Result, error) {
	name := extractSavepointName(rest)
	if name == "" {
		return Result{}, errMissingSavepointName()
	}

	if err := sess.ReleaseSavepoint(name); err != nil {
		return Result{}, err
	}

	return Result{Command: "RELEASE"}, nil
}

// extractSavepointName strips an optional "SAVEPOINT" / "TO [SAVEPOINT]"
// keyword prefix and returns the bare identifier.
func extractSavepointName(rest string) string {
	fields := strings.Fields(rest)
	for len(fields) > 0 {
		switch strings.ToUpper(fields[0]) {
		case "SAVEPOINT", "TO":
			fields = fields[1:]
			continue
		}
		break
	}

	if len(fields) == 0 {
		return ""
	}

	return fields[0]
}

func errMissingSavepointName() error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("syntax error: savepoint name required"), codes.Syntax), psqlerr.LevelError)
}
