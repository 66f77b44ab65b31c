package wire

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TListenAndServe opens a TCP listener on an unallocated local port and
// starts serving it with server, returning the listener address for clients
// to dial. The server and listener are closed on test cleanup.
func TListenAndServe(t *testing.T, server *Server) *net.TCPAddr {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, server.Close())
	})

	go server.Serve(listener) //nolint:errcheck
	return listener.Addr().(*net.TCPAddr)
}

func TestClientConnect(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	t.Run("lib/pq", func(t *testing.T) {
		connstr := fmt.Sprintf("host=%s port=%d sslmode=disable", address.IP, address.Port)
		conn, err := sql.Open("postgres", connstr)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Ping())
	})

	t.Run("jackc/pgx", func(t *testing.T) {
		ctx := context.Background()
		connstr := fmt.Sprintf("postgres://%s:%d", address.IP, address.Port)
		conn, err := pgx.Connect(ctx, connstr)
		require.NoError(t, err)
		defer conn.Close(ctx)

		require.NoError(t, conn.Ping(ctx))
	})
}

func TestSimpleQuerySelect(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	ctx := context.Background()
	connstr := fmt.Sprintf("postgres://%s:%d", address.IP, address.Port)
	conn, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	defer rows.Close()

	var count int
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Err())
	assert.Greater(t, count, 0)
}

func TestTransactionLifecycle(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	ctx := context.Background()
	connstr := fmt.Sprintf("postgres://%s:%d", address.IP, address.Port)
	conn, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "SAVEPOINT s1")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
}

func TestFailedTransactionRejectsFurtherCommands(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	ctx := context.Background()
	connstr := fmt.Sprintf("postgres://%s:%d", address.IP, address.Port)
	conn, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "THIS IS NOT VALID SQL")
	assert.Error(t, err)

	_, err = tx.Exec(ctx, "SAVEPOINT s1")
	assert.Error(t, err, "a failed transaction must reject further commands until rollback")

	require.NoError(t, tx.Rollback(ctx))
}

func TestListenNotify(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	ctx := context.Background()
	connstr := fmt.Sprintf("postgres://%s:%d", address.IP, address.Port)

	listener, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer listener.Close(ctx)

	_, err = listener.Exec(ctx, "LISTEN updates")
	require.NoError(t, err)

	sender, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer sender.Close(ctx)

	_, err = sender.Exec(ctx, "NOTIFY updates, 'hello'")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	notification, err := listener.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "updates", notification.Channel)
	assert.Equal(t, "hello", notification.Payload)
}
