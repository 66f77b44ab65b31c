package dispatch

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/notify"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/session"
)

// Dispatcher classifies and executes SQL text against session state, the
// notification hub, and a small set of canned result tables. It owns the
// transaction-status transitions described in session state preconditions.
type Dispatcher struct {
	logger      *slog.Logger
	hub         *notify.Hub
	customTypes *oid.Registry
}

// New constructs a Dispatcher. hub may not be nil; customTypes may be nil.
func New(logger *slog.Logger, hub *notify.Hub, customTypes *oid.Registry) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{logger: logger, hub: hub, customTypes: customTypes}
}

var firstWordPattern = regexp.MustCompile(`^\s*([A-Za-z]+)`)

// Dispatch classifies a single SQL statement (already split on ';' by the
// caller) and routes it to the matching handler family.
func (d *Dispatcher) Dispatch(sess *session.Session, sql string) (Result, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return Result{EmptyQuery: true}, nil
	}

	match := firstWordPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return Result{}, errSyntax(trimmed)
	}

	keyword := strings.ToUpper(match[1])
	rest := strings.TrimSpace(trimmed[len(match[0]):])

	// Every statement except COMMIT/ROLLBACK/ROLLBACK TO SAVEPOINT is refused
	// while the transaction is already failed.
	switch keyword {
	case "COMMIT", "END", "ROLLBACK", "ABORT", "BEGIN", "START":
	default:
		if sess.TransactionStatus() == session.InFailedTransaction {
			return Result{}, errInFailedTransaction()
		}
	}

	switch keyword {
	case "SELECT":
		return d.dispatchSelect(sess, trimmed, rest)
	case "SHOW":
		return d.dispatchShow(rest)
	case "BEGIN", "START":
		return d.dispatchBegin(sess, rest, keyword)
	case "COMMIT", "END":
		return Result{Command: "COMMIT"}, sess.CommitTransaction()
	case "ROLLBACK", "ABORT":
		return d.dispatchRollback(sess, rest)
	case "SAVEPOINT":
		return d.dispatchSavepoint(sess, rest)
	case "RELEASE":
		return d.dispatchRelease(sess, rest)
	case "LISTEN":
		return d.dispatchListen(sess, rest)
	case "UNLISTEN":
		return d.dispatchUnlisten(sess, rest)
	case "NOTIFY":
		return d.dispatchNotify(sess, rest)
	case "COPY":
		return d.dispatchCopy(sess, rest)
	case "EXPLAIN":
		return d.dispatchExplain(rest)
	case "INSERT":
		return d.dispatchDML(sess, "INSERT", 1)
	case "UPDATE":
		return d.dispatchDML(sess, "UPDATE", 1)
	case "DELETE":
		return d.dispatchDML(sess, "DELETE", 1)
	case "CREATE":
		return d.dispatchCreateDrop(rest, "CREATE")
	case "DROP":
		return d.dispatchCreateDrop(rest, "DROP")
	case "SET":
		return Result{Command: "SET"}, nil
	default:
		return Result{}, errSyntax(trimmed)
	}
}

// dispatchDML returns a canned affected-row-count without mutating any state.
func (d *Dispatcher) dispatchDML(sess *session.Session, command string, rowCount int) (Result, error) {
	if sess.TransactionStatus() == session.InFailedTransaction {
		return Result{}, errInFailedTransaction()
	}

	return Result{Command: command, RowCount: rowCount}, nil
}

func (d *Dispatcher) dispatchCreateDrop(rest, verb string) (Result, error) {
	match := firstWordPattern.FindStringSubmatch(rest)
	object := "TABLE"
	if match != nil {
		object = strings.ToUpper(match[1])
	}

	return Result{Command: fmt.Sprintf("%s %s", verb, object)}, nil
}

func errSyntax(stmt string) error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("syntax error: unable to classify statement %q", stmt), codes.Syntax), psqlerr.LevelError)
}

func errInFailedTransaction() error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("current transaction is aborted, commands ignored until end of transaction block"),
		codes.InFailedSQLTransaction), psqlerr.LevelError)
}
