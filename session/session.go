// Package session implements the per-connection authoritative state model:
// transaction status and savepoint stack, prepared statements, portals,
// listening channels and COPY state.
package session

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/pkg/types"
)

// TransactionStatus mirrors the byte reported on every ReadyForQuery message.
type TransactionStatus int

const (
	Idle TransactionStatus = iota
	InTransaction
	InFailedTransaction
)

// StatusByte returns the wire status byte for the current transaction state.
func (s TransactionStatus) StatusByte() types.ServerStatus {
	switch s {
	case InTransaction:
		return types.ServerTransactionBlock
	case InFailedTransaction:
		return types.ServerTransactionFailed
	default:
		return types.ServerIdle
	}
}

// IsolationLevel mirrors the SQL standard isolation levels a BEGIN may request.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	ReadCommitted   IsolationLevel = "READ COMMITTED"
	RepeatableRead  IsolationLevel = "REPEATABLE READ"
	Serializable    IsolationLevel = "SERIALIZABLE"
)

// TransactionOptions are the parsed options from BEGIN/START TRANSACTION.
type TransactionOptions struct {
	Isolation   IsolationLevel
	ReadOnly    bool
	Deferrable  bool
}

// Savepoint is a named marker within a transaction.
type Savepoint struct {
	Name      string
	CreatedAt time.Time
}

// PreparedStatement is a named, parsed query awaiting Bind.
type PreparedStatement struct {
	Name       string
	SQL        string
	ParamOids  []uint32
}

// Portal is a bound, executable instance of a PreparedStatement.
type Portal struct {
	Name           string
	Statement      *PreparedStatement
	ParameterFormats []int16
	Parameters     [][]byte
	ResultFormats  []int16
}

// CopyDirection describes which way a COPY sub-protocol moves data.
type CopyDirection string

const (
	CopyIn  CopyDirection = "in"
	CopyOut CopyDirection = "out"
	CopyBoth CopyDirection = "both"
)

// CopyFormat is the wire/text encoding requested for a COPY operation.
type CopyFormat string

const (
	CopyText   CopyFormat = "text"
	CopyBinary CopyFormat = "binary"
	CopyCSV    CopyFormat = "csv"
)

// CopyState describes an in-flight COPY operation.
type CopyState struct {
	Direction CopyDirection
	Format    CopyFormat
	Table     string
	Columns   []string
	Delimiter string
	Header    bool
	NullStr   string
	Quote     string
}

// Notifier is the narrow interface the notification hub uses to deliver a
// NotificationResponse to a listening session without ever touching the raw
// socket directly. Implementations must serialize their own writes against
// the connection's command loop.
type Notifier interface {
	Notify(senderPid int32, channel, payload string) error
	Connected() bool
}

// Session is the authoritative per-connection state. Fields are only ever
// mutated by the goroutine driving that connection's protocol state machine,
// except for the writeMu-guarded Notify path used by the notification hub
// from other goroutines.
type Session struct {
	ConnectionID int64
	BackendPid   int32
	BackendSecret int32

	Authenticated bool
	ProtocolVersion types.Version

	Parameters map[string]string

	transactionStatus TransactionStatus
	isolation         IsolationLevel
	readOnly          bool
	deferrable        bool
	transactionStartedAt time.Time
	transactionDepth     int
	savepoints           []Savepoint

	preparedStatements map[string]*PreparedStatement
	portals            map[string]*Portal

	listeningChannels map[string]struct{}

	copyState *CopyState

	SkipTillSync bool

	conn           net.Conn
	connected      bool
	connectionTime time.Time
	lastActivity   time.Time

	writeMu sync.Mutex
	write   func(senderPid int32, channel, payload string) error
}

// New constructs a fresh, idle Session wrapping the given connection.
func New(connID int64, pid, secret int32, conn net.Conn) *Session {
	now := time.Now()
	return &Session{
		ConnectionID:       connID,
		BackendPid:         pid,
		BackendSecret:      secret,
		Parameters:         make(map[string]string),
		isolation:          ReadCommitted,
		preparedStatements: make(map[string]*PreparedStatement),
		portals:            make(map[string]*Portal),
		listeningChannels:  make(map[string]struct{}),
		conn:               conn,
		connected:          true,
		connectionTime:     now,
		lastActivity:       now,
	}
}

// SetNotifyFunc installs the function used to deliver NotificationResponse
// frames to this session's socket. Called once by the protocol state machine
// wiring, since the actual frame encoding depends on the session's buffer.Writer.
func (s *Session) SetNotifyFunc(fn func(senderPid int32, channel, payload string) error) {
	s.write = fn
}

// Notify implements Notifier. It serializes concurrent delivery against any
// other goroutine delivering a notification to this same session, but does not
// hold the hub's lock while doing the socket write.
func (s *Session) Notify(senderPid int32, channel, payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.write == nil || !s.connected {
		return nil
	}

	return s.write(senderPid, channel, payload)
}

// Connected implements Notifier.
func (s *Session) Connected() bool {
	return s.connected
}

// MarkDisconnected flags the session as no longer connected to its socket.
func (s *Session) MarkDisconnected() {
	s.connected = false
}

// Close closes the underlying socket and marks the session disconnected.
// Used by the cancel-request handshake, which has no other way to interrupt
// a blocked read on the target connection's goroutine.
func (s *Session) Close() error {
	s.connected = false
	if s.conn == nil {
		return nil
	}

	return s.conn.Close()
}

// Touch records activity on the session, used for idle-reap bookkeeping.
func (s *Session) Touch() {
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent recorded activity.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// ConnectionTime returns when the session was created.
func (s *Session) ConnectionTime() time.Time {
	return s.connectionTime
}

// TransactionStatus returns the current transaction status.
func (s *Session) TransactionStatus() TransactionStatus {
	return s.transactionStatus
}

// StatusByte returns the wire ReadyForQuery status byte for the session.
func (s *Session) StatusByte() types.ServerStatus {
	return s.transactionStatus.StatusByte()
}

// IsolationLevel returns the session's current isolation level.
func (s *Session) IsolationLevel() IsolationLevel { return s.isolation }

// ReadOnly reports whether the current transaction is read-only.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Deferrable reports whether the current transaction is deferrable.
func (s *Session) Deferrable() bool { return s.deferrable }

// TransactionDepth returns the number of (possibly erroneous) nested BEGIN
// attempts recorded since the transaction started.
func (s *Session) TransactionDepth() int { return s.transactionDepth }

// Savepoints returns a copy of the current savepoint stack.
func (s *Session) Savepoints() []Savepoint {
	out := make([]Savepoint, len(s.savepoints))
	copy(out, s.savepoints)
	return out
}

// BeginTransaction starts a new transaction. Fails 25001 if already in a
// transaction (depth is still incremented to support S4's introspection
// contract); fails 25P02 if in a failed transaction.
func (s *Session) BeginTransaction(opts TransactionOptions) error {
	switch s.transactionStatus {
	case InTransaction:
		s.transactionDepth++
		return psqlerr.WithSeverity(psqlerr.WithCode(errAlreadyInTransaction, codes.ActiveSQLTransaction), psqlerr.LevelError)
	case InFailedTransaction:
		return psqlerr.WithSeverity(psqlerr.WithCode(errInFailedTransactionBegin, codes.InFailedSQLTransaction), psqlerr.LevelError)
	}

	s.transactionStatus = InTransaction
	if opts.Isolation != "" {
		s.isolation = opts.Isolation
	} else {
		s.isolation = ReadCommitted
	}
	s.readOnly = opts.ReadOnly
	s.deferrable = opts.Deferrable
	s.transactionDepth = 1
	s.transactionStartedAt = time.Now()
	return nil
}

// CommitTransaction commits (or releases a failed transaction), clearing
// savepoints and resetting isolation defaults.
func (s *Session) CommitTransaction() error {
	if s.transactionStatus == Idle {
		return errNoActiveTransaction()
	}

	s.resetTransaction()
	return nil
}

// RollbackTransaction rolls back the current transaction. Preconditions and
// cleanup match CommitTransaction.
func (s *Session) RollbackTransaction() error {
	if s.transactionStatus == Idle {
		return errNoActiveTransaction()
	}

	s.resetTransaction()
	return nil
}

func (s *Session) resetTransaction() {
	s.transactionStatus = Idle
	s.savepoints = nil
	s.isolation = ReadCommitted
	s.readOnly = false
	s.deferrable = false
	s.transactionDepth = 0
}

// FailTransaction transitions an in-progress transaction to the failed state.
func (s *Session) FailTransaction() {
	if s.transactionStatus == InTransaction {
		s.transactionStatus = InFailedTransaction
	}
}

// CreateSavepoint pushes a new savepoint, replacing any prior occurrence of
// the same name.
func (s *Session) CreateSavepoint(name string) error {
	switch s.transactionStatus {
	case Idle:
		return errNoActiveTransaction()
	case InFailedTransaction:
		return psqlerr.WithSeverity(psqlerr.WithCode(errInFailedTransactionBegin, codes.InFailedSQLTransaction), psqlerr.LevelError)
	}

	s.removeSavepoint(name)
	s.savepoints = append(s.savepoints, Savepoint{Name: name, CreatedAt: time.Now()})
	return nil
}

// RollbackToSavepoint removes every savepoint strictly after the named one.
// From a failed transaction, this recovers the session back to InTransaction.
func (s *Session) RollbackToSavepoint(name string) error {
	if s.transactionStatus != InTransaction && s.transactionStatus != InFailedTransaction {
		return errNoActiveTransaction()
	}

	idx := s.savepointIndex(name)
	if idx < 0 {
		return psqlerr.WithSeverity(psqlerr.WithCode(errUndefinedSavepoint(name), codes.InvalidSavepointSpecification), psqlerr.LevelError)
	}

	s.savepoints = s.savepoints[:idx+1]
	if s.transactionStatus == InFailedTransaction {
		s.transactionStatus = InTransaction
	}
	return nil
}

// ReleaseSavepoint removes the named savepoint and everything after it.
func (s *Session) ReleaseSavepoint(name string) error {
	switch s.transactionStatus {
	case Idle:
		return errNoActiveTransaction()
	case InFailedTransaction:
		return psqlerr.WithSeverity(psqlerr.WithCode(errInFailedTransactionBegin, codes.InFailedSQLTransaction), psqlerr.LevelError)
	}

	idx := s.savepointIndex(name)
	if idx < 0 {
		return psqlerr.WithSeverity(psqlerr.WithCode(errUndefinedSavepoint(name), codes.InvalidSavepointSpecification), psqlerr.LevelError)
	}

	s.savepoints = s.savepoints[:idx]
	return nil
}

func (s *Session) savepointIndex(name string) int {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *Session) removeSavepoint(name string) {
	idx := s.savepointIndex(name)
	if idx < 0 {
		return
	}
	s.savepoints = append(s.savepoints[:idx], s.savepoints[idx+1:]...)
}

// AddPreparedStatement stores a prepared statement, replacing any existing
// entry under the same name (the unnamed statement is a singleton).
func (s *Session) AddPreparedStatement(stmt *PreparedStatement) {
	s.preparedStatements[stmt.Name] = stmt
}

// GetPreparedStatement looks up a prepared statement by name.
func (s *Session) GetPreparedStatement(name string) (*PreparedStatement, bool) {
	stmt, ok := s.preparedStatements[name]
	return stmt, ok
}

// RemovePreparedStatement removes a prepared statement by name.
func (s *Session) RemovePreparedStatement(name string) {
	delete(s.preparedStatements, name)
}

// AddPortal stores a portal, replacing any existing entry under the same name.
func (s *Session) AddPortal(portal *Portal) {
	s.portals[portal.Name] = portal
}

// GetPortal looks up a portal by name.
func (s *Session) GetPortal(name string) (*Portal, bool) {
	portal, ok := s.portals[name]
	return portal, ok
}

// RemovePortal removes a portal by name.
func (s *Session) RemovePortal(name string) {
	delete(s.portals, name)
}

// AddListeningChannel records a LISTEN on a case-folded channel name.
func (s *Session) AddListeningChannel(channel string) {
	s.listeningChannels[strings.ToLower(channel)] = struct{}{}
}

// RemoveListeningChannel undoes a single LISTEN.
func (s *Session) RemoveListeningChannel(channel string) {
	delete(s.listeningChannels, strings.ToLower(channel))
}

// ClearAllListeningChannels implements UNLISTEN *.
func (s *Session) ClearAllListeningChannels() {
	s.listeningChannels = make(map[string]struct{})
}

// ListeningChannels returns the set of channels this session listens on.
func (s *Session) ListeningChannels() []string {
	out := make([]string, 0, len(s.listeningChannels))
	for ch := range s.listeningChannels {
		out = append(out, ch)
	}
	return out
}

// CopyState returns the session's current COPY state, or nil if not copying.
func (s *Session) CopyState() *CopyState {
	return s.copyState
}

// SetCopyState enters COPY mode with the given state.
func (s *Session) SetCopyState(state *CopyState) {
	s.copyState = state
}

// ClearCopyState exits COPY mode.
func (s *Session) ClearCopyState() {
	s.copyState = nil
}

// IsInCopyMode reports whether the session currently has an active COPY state.
func (s *Session) IsInCopyMode() bool {
	return s.copyState != nil
}

// IsReusable reports whether the session can be handed back to a connection
// pool for a new client without resetting its socket.
func (s *Session) IsReusable() bool {
	return s.Authenticated &&
		s.connected &&
		s.transactionStatus == Idle &&
		len(s.preparedStatements) == 0 &&
		len(s.portals) == 0 &&
		len(s.listeningChannels) == 0
}

// ResetForReuse clears prepared statements, portals and listening channels,
// and resets transaction configuration to defaults. Returns false if the
// session cannot be safely reused (e.g. disconnected).
func (s *Session) ResetForReuse() bool {
	if !s.connected {
		return false
	}

	s.preparedStatements = make(map[string]*PreparedStatement)
	s.portals = make(map[string]*Portal)
	s.listeningChannels = make(map[string]struct{})
	s.resetTransaction()
	s.copyState = nil
	s.SkipTillSync = false
	s.Touch()
	return true
}

var errAlreadyInTransaction = alreadyInTransactionError{}
var errInFailedTransactionBegin = inFailedTransactionError{}

type alreadyInTransactionError struct{}

func (alreadyInTransactionError) Error() string { return "Already in a transaction" }

type inFailedTransactionError struct{}

func (inFailedTransactionError) Error() string {
	return "current transaction is aborted, commands ignored until end of transaction block"
}

func errNoActiveTransaction() error {
	return psqlerr.WithSeverity(psqlerr.WithCode(noActiveTransactionError{}, codes.NoActiveSQLTransaction), psqlerr.LevelError)
}

type noActiveTransactionError struct{}

func (noActiveTransactionError) Error() string { return "there is no transaction in progress" }

func errUndefinedSavepoint(name string) error {
	return undefinedSavepointError{name: name}
}

type undefinedSavepointError struct{ name string }

func (e undefinedSavepointError) Error() string {
	return "no such savepoint: " + e.name
}
