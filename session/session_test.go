package session

import (
	"net"
	"testing"

	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return New(1, 100, 200, nil)
}

func TestNewSessionIsIdle(t *testing.T) {
	sess := newTestSession()

	assert.Equal(t, Idle, sess.TransactionStatus())
	assert.Equal(t, ReadCommitted, sess.IsolationLevel())
	assert.False(t, sess.ReadOnly())
	assert.Empty(t, sess.Savepoints())
	assert.True(t, sess.Connected())
}

func TestBeginCommitTransaction(t *testing.T) {
	sess := newTestSession()

	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	assert.Equal(t, InTransaction, sess.TransactionStatus())

	require.NoError(t, sess.CommitTransaction())
	assert.Equal(t, Idle, sess.TransactionStatus())
	assert.Empty(t, sess.Savepoints())
}

func TestBeginTransactionWhileAlreadyInOneFails(t *testing.T) {
	sess := newTestSession()

	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))

	err := sess.BeginTransaction(TransactionOptions{})
	require.Error(t, err)
	assert.Equal(t, "25001", string(psqlerr.GetCode(err)))
	assert.Equal(t, 2, sess.TransactionDepth(), "depth still increments on a redundant BEGIN")
}

func TestBeginTransactionWhileFailedIsRejected(t *testing.T) {
	sess := newTestSession()

	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	sess.FailTransaction()

	err := sess.BeginTransaction(TransactionOptions{})
	require.Error(t, err)
	assert.Equal(t, "25P02", string(psqlerr.GetCode(err)))
}

func TestCommitTransactionWithoutOneFails(t *testing.T) {
	sess := newTestSession()

	err := sess.CommitTransaction()
	require.Error(t, err)
	assert.Equal(t, "25P01", string(psqlerr.GetCode(err)))
}

func TestRollbackTransaction(t *testing.T) {
	sess := newTestSession()

	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	require.NoError(t, sess.CreateSavepoint("s1"))

	require.NoError(t, sess.RollbackTransaction())
	assert.Equal(t, Idle, sess.TransactionStatus())
	assert.Empty(t, sess.Savepoints())
}

func TestFailTransactionOnlyAppliesWhileInTransaction(t *testing.T) {
	sess := newTestSession()

	sess.FailTransaction()
	assert.Equal(t, Idle, sess.TransactionStatus(), "FailTransaction is a no-op outside a transaction")

	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	sess.FailTransaction()
	assert.Equal(t, InFailedTransaction, sess.TransactionStatus())
}

func TestSavepointLifecycle(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))

	require.NoError(t, sess.CreateSavepoint("s1"))
	require.NoError(t, sess.CreateSavepoint("s2"))
	assert.Len(t, sess.Savepoints(), 2)

	require.NoError(t, sess.ReleaseSavepoint("s1"))
	assert.Empty(t, sess.Savepoints(), "releasing s1 drops s1 and everything after it")
}

func TestRollbackToSavepointRecoversFailedTransaction(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	require.NoError(t, sess.CreateSavepoint("s1"))

	sess.FailTransaction()
	require.NoError(t, sess.RollbackToSavepoint("s1"))

	assert.Equal(t, InTransaction, sess.TransactionStatus())
	assert.Len(t, sess.Savepoints(), 1)
}

func TestCreateSavepointWhileIdleFails(t *testing.T) {
	sess := newTestSession()

	err := sess.CreateSavepoint("s1")
	require.Error(t, err)
	assert.Equal(t, "25P01", string(psqlerr.GetCode(err)))
}

func TestCreateSavepointWhileInFailedTransactionFails(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	sess.FailTransaction()

	err := sess.CreateSavepoint("s1")
	require.Error(t, err)
	assert.Equal(t, "25P02", string(psqlerr.GetCode(err)))
}

func TestReleaseSavepointWhileIdleFails(t *testing.T) {
	sess := newTestSession()

	err := sess.ReleaseSavepoint("s1")
	require.Error(t, err)
	assert.Equal(t, "25P01", string(psqlerr.GetCode(err)))
}

func TestReleaseSavepointWhileInFailedTransactionFails(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	require.NoError(t, sess.CreateSavepoint("s1"))
	sess.FailTransaction()

	err := sess.ReleaseSavepoint("s1")
	require.Error(t, err)
	assert.Equal(t, "25P02", string(psqlerr.GetCode(err)))
}

func TestRollbackToUndefinedSavepointFails(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))

	err := sess.RollbackToSavepoint("missing")
	require.Error(t, err)
	assert.Equal(t, "3B001", string(psqlerr.GetCode(err)))
}

func TestPreparedStatementBookkeeping(t *testing.T) {
	sess := newTestSession()
	stmt := &PreparedStatement{Name: "stmt1", SQL: "SELECT 1"}

	sess.AddPreparedStatement(stmt)
	got, ok := sess.GetPreparedStatement("stmt1")
	require.True(t, ok)
	assert.Same(t, stmt, got)

	sess.RemovePreparedStatement("stmt1")
	_, ok = sess.GetPreparedStatement("stmt1")
	assert.False(t, ok)
}

func TestPortalBookkeeping(t *testing.T) {
	sess := newTestSession()
	portal := &Portal{Name: "p1"}

	sess.AddPortal(portal)
	got, ok := sess.GetPortal("p1")
	require.True(t, ok)
	assert.Same(t, portal, got)

	sess.RemovePortal("p1")
	_, ok = sess.GetPortal("p1")
	assert.False(t, ok)
}

func TestListeningChannelsAreCaseFolded(t *testing.T) {
	sess := newTestSession()

	sess.AddListeningChannel("Updates")
	assert.Equal(t, []string{"updates"}, sess.ListeningChannels())

	sess.RemoveListeningChannel("UPDATES")
	assert.Empty(t, sess.ListeningChannels())
}

func TestClearAllListeningChannels(t *testing.T) {
	sess := newTestSession()

	sess.AddListeningChannel("a")
	sess.AddListeningChannel("b")
	sess.ClearAllListeningChannels()

	assert.Empty(t, sess.ListeningChannels())
}

func TestCopyState(t *testing.T) {
	sess := newTestSession()
	assert.False(t, sess.IsInCopyMode())

	sess.SetCopyState(&CopyState{Direction: CopyIn, Format: CopyText, Table: "t"})
	assert.True(t, sess.IsInCopyMode())

	sess.ClearCopyState()
	assert.False(t, sess.IsInCopyMode())
	assert.Nil(t, sess.CopyState())
}

func TestIsReusable(t *testing.T) {
	sess := newTestSession()
	assert.False(t, sess.IsReusable(), "not authenticated yet")

	sess.Authenticated = true
	assert.True(t, sess.IsReusable())

	sess.AddListeningChannel("updates")
	assert.False(t, sess.IsReusable(), "a session still listening on a channel cannot be reused")

	sess.ClearAllListeningChannels()
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))
	assert.False(t, sess.IsReusable(), "mid-transaction sessions cannot be reused")
}

func TestResetForReuse(t *testing.T) {
	sess := newTestSession()
	sess.Authenticated = true

	sess.AddPreparedStatement(&PreparedStatement{Name: "stmt1"})
	sess.AddPortal(&Portal{Name: "p1"})
	sess.AddListeningChannel("updates")
	require.NoError(t, sess.BeginTransaction(TransactionOptions{}))

	ok := sess.ResetForReuse()
	require.True(t, ok)

	assert.True(t, sess.IsReusable())
	_, found := sess.GetPreparedStatement("stmt1")
	assert.False(t, found)
	_, found = sess.GetPortal("p1")
	assert.False(t, found)
	assert.Empty(t, sess.ListeningChannels())
}

func TestResetForReuseFailsWhenDisconnected(t *testing.T) {
	sess := newTestSession()
	sess.MarkDisconnected()

	assert.False(t, sess.ResetForReuse())
}

func TestNotifyDeliversThroughInstalledFunc(t *testing.T) {
	sess := newTestSession()

	var gotPid int32
	var gotChannel, gotPayload string
	sess.SetNotifyFunc(func(senderPid int32, channel, payload string) error {
		gotPid, gotChannel, gotPayload = senderPid, channel, payload
		return nil
	})

	require.NoError(t, sess.Notify(42, "updates", "hello"))
	assert.Equal(t, int32(42), gotPid)
	assert.Equal(t, "updates", gotChannel)
	assert.Equal(t, "hello", gotPayload)
}

func TestNotifyIsNoopWhenDisconnected(t *testing.T) {
	sess := newTestSession()

	called := false
	sess.SetNotifyFunc(func(senderPid int32, channel, payload string) error {
		called = true
		return nil
	})

	sess.MarkDisconnected()
	require.NoError(t, sess.Notify(1, "c", "p"))
	assert.False(t, called)
}

func TestCloseIsSafeWithoutAConnection(t *testing.T) {
	sess := newTestSession()
	require.NoError(t, sess.Close())
	assert.False(t, sess.Connected())
}

func TestCloseClosesTheUnderlyingConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := New(1, 100, 200, server)
	require.NoError(t, sess.Close())
	assert.False(t, sess.Connected())

	_, err := client.Write([]byte("x"))
	assert.Error(t, err, "writing to the peer of a closed net.Conn must fail")
}
