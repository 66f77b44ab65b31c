package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/pgmockd/pgmockd/codes"
	"github.com/pgmockd/pgmockd/dispatch"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/types"
	"github.com/pgmockd/pgmockd/session"
)

// errClientTerminate is returned by handleCommand on a Terminate ('X')
// message. consumeCommands treats it as a clean connection close rather than
// a protocol error.
var errClientTerminate = errors.New("client requested connection termination")

// NewErrUnimplementedMessageType reports an unrecognized frontend message
// type byte, per the protocol state machine's dispatch table.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("unrecognized frontend message type: %q", byte(t)), codes.ProtocolViolation), psqlerr.LevelError)
}

// NewErrUndefinedStatement reports a Bind/Describe referencing a
// prepared statement name this session never parsed.
func NewErrUndefinedStatement(name string) error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("prepared statement %q does not exist", name), codes.InvalidSQLStatementName), psqlerr.LevelError)
}

// NewErrUndefinedPortal reports a Describe/Execute referencing a portal name
// this session never bound.
func NewErrUndefinedPortal(name string) error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("portal %q does not exist", name), codes.InvalidCursorName), psqlerr.LevelError)
}

// newErrClientCopyFailed wraps a client-reported COPY failure (CopyFail).
func newErrClientCopyFailed(desc string) error {
	return psqlerr.WithSeverity(psqlerr.WithCode(
		fmt.Errorf("COPY from stdin failed: %s", desc), codes.QueryCanceled), psqlerr.LevelError)
}

// consumeCommands drives the authenticated command loop described in the
// protocol state machine: read one frontend message, dispatch on its type,
// repeat until the client terminates the connection or the socket closes.
func (srv *Server) consumeCommands(ctx context.Context, sess *session.Session, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) error {
	for {
		typed, _, err := reader.ReadTypedMsg()
		if err != nil {
			if sizeErr, ok := buffer.UnwrapMessageSizeExceeded(err); ok {
				if err := srv.handleMessageSizeExceeded(reader, writer, sizeErr); err != nil {
					return err
				}
				continue
			}

			return err
		}

		err = srv.handleCommand(ctx, sess, reader, writer, typed)
		if errors.Is(err, errClientTerminate) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// handleMessageSizeExceeded drains the oversized frame's remaining bytes
// (never read off the socket, since ReadUntypedMsg bails before the body)
// so the stream stays frame-aligned, then reports the condition.
func (srv *Server) handleMessageSizeExceeded(reader *buffer.Reader, writer *buffer.Writer, sizeErr buffer.MessageSizeExceeded) error {
	if err := reader.Slurp(sizeErr.Size); err != nil {
		return err
	}

	err := psqlerr.WithSeverity(psqlerr.WithCode(sizeErr, codes.ProgramLimitExceeded), psqlerr.LevelError)
	return ErrorCode(writer, err, types.ServerIdle)
}

// handleCommand routes a single frontend message to its handler.
func (srv *Server) handleCommand(ctx context.Context, sess *session.Session, reader *buffer.Reader, writer *buffer.Writer, typed types.ClientMessage) error {
	sess.Touch()

	// Once an error inside an extended-query batch has set SkipTillSync,
	// every subsequent Parse/Bind/Describe/Execute is discarded unanswered
	// until the matching Sync, per the protocol state machine.
	if sess.SkipTillSync {
		switch typed {
		case types.ClientParse, types.ClientBind, types.ClientDescribe, types.ClientExecute:
			return nil
		}
	}

	switch typed {
	case types.ClientSimpleQuery:
		return srv.handleSimpleQuery(ctx, sess, reader, writer)
	case types.ClientParse:
		return srv.handleParse(sess, reader, writer)
	case types.ClientBind:
		return srv.handleBind(sess, reader, writer)
	case types.ClientDescribe:
		return srv.handleDescribe(ctx, sess, reader, writer)
	case types.ClientExecute:
		return srv.handleExecute(ctx, sess, reader, writer)
	case types.ClientSync:
		return srv.handleSync(sess, writer)
	case types.ClientClose:
		return srv.handleClose(sess, reader, writer)
	case types.ClientFlush:
		return nil
	case types.ClientTerminate:
		srv.logger.Debug("client requested connection termination")
		return errClientTerminate
	case types.ClientCopyData, types.ClientCopyDone, types.ClientCopyFail:
		// A stray copy message outside of an active COPY exchange; the
		// sub-protocol loop in handleCopyIn consumes these directly and
		// never hands them back to this switch.
		return nil
	default:
		return ErrorCode(writer, NewErrUnimplementedMessageType(typed), sess.StatusByte())
	}
}

// firstWordPattern extracts a statement's leading keyword, mirroring the
// dispatcher's own classification so Describe can decide whether a
// statement produces rows without executing it twice.
var firstWordPattern = regexp.MustCompile(`^\s*([A-Za-z]+)`)

// previewableKeywords names the statement kinds whose handlers never mutate
// session state, so Describe may safely dispatch them a second time (once
// for the preview, once for real at Execute) to learn their result shape.
var previewableKeywords = map[string]bool{
	"SELECT":  true,
	"SHOW":    true,
	"EXPLAIN": true,
}

func describesRows(sql string) bool {
	match := firstWordPattern.FindStringSubmatch(sql)
	if match == nil {
		return false
	}

	return previewableKeywords[strings.ToUpper(match[1])]
}

// splitStatements splits a simple-query message body on top-level
// semicolons, honoring single-quoted string literals. A trailing empty
// segment (the common case of a single ';'-terminated statement) is
// dropped; any other empty segment becomes an EmptyQueryResponse cycle, as
// on real Postgres.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inQuote := false

	for _, r := range sql {
		switch {
		case r == '\'':
			inQuote = !inQuote
			current.WriteRune(r)
		case r == ';' && !inQuote:
			statements = append(statements, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}

	return statements
}

// handleSimpleQuery implements the 'Q' message: split on ';', dispatch each
// statement in turn, and finish with a single ReadyForQuery regardless of
// how many statements ran.
func (srv *Server) handleSimpleQuery(ctx context.Context, sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	sql, err := reader.GetString()
	if err != nil {
		return err
	}

	statements := splitStatements(sql)
	if len(statements) == 0 {
		writer.Start(types.ServerEmptyQuery)
		if err := writer.End(); err != nil {
			return err
		}

		return readyForQuery(writer, sess.StatusByte())
	}

	for _, stmt := range statements {
		start := time.Now()
		result, err := srv.handler.Dispatch(sess, stmt)
		if err != nil {
			sess.FailTransaction()
			return ErrorCode(writer, err, sess.StatusByte())
		}

		srv.stats.QueryObserved(result.Command, time.Since(start))

		if result.EmptyQuery {
			writer.Start(types.ServerEmptyQuery)
			if err := writer.End(); err != nil {
				return err
			}

			continue
		}

		if result.NeedsCopyIn {
			if err := srv.handleCopyIn(sess, reader, writer, result); err != nil {
				sess.FailTransaction()
				return ErrorCode(writer, err, sess.StatusByte())
			}

			continue
		}

		if result.NeedsCopyOut {
			if err := srv.handleCopyOut(writer, result); err != nil {
				return err
			}

			continue
		}

		if err := srv.writeQueryResult(ctx, writer, result, []FormatCode{TextFormat}); err != nil {
			return err
		}
	}

	return readyForQuery(writer, sess.StatusByte())
}

// writeQueryResult writes the RowDescription (when the result carries
// columns) followed by one DataRow per row and a final CommandComplete.
func (srv *Server) writeQueryResult(ctx context.Context, writer *buffer.Writer, result dispatch.Result, formats []FormatCode) error {
	rowCount := result.RowCount

	if len(result.Columns) > 0 {
		cols := columnsFromDispatch(result.Columns)
		if err := cols.Define(ctx, writer, formats); err != nil {
			return err
		}

		for _, row := range result.Rows {
			if err := cols.Write(ctx, formats, writer, row); err != nil {
				return err
			}
		}

		rowCount = len(result.Rows)
	}

	writer.Start(types.ServerCommandComplete)
	writer.AddString(buffer.FormatCommandTag(result.Command, rowCount))
	writer.AddNullTerminate()
	return writer.End()
}

// columnsFromDispatch adapts the handler-facing dispatch.Column shape to the
// wire-level Columns used by RowDescription/DataRow encoding.
func columnsFromDispatch(cols []dispatch.Column) Columns {
	out := make(Columns, len(cols))
	for i, c := range cols {
		out[i] = Column{
			Name:         c.Name,
			AttrNo:       int16(i + 1),
			Oid:          c.Oid,
			Width:        c.Width,
			TypeModifier: -1,
		}
	}

	return out
}

// handleCopyIn drives a COPY FROM STDIN started by the dispatcher, streaming
// CopyData chunks from the client until CopyDone/CopyFail.
func (srv *Server) handleCopyIn(sess *session.Session, reader *buffer.Reader, writer *buffer.Writer, result dispatch.Result) error {
	numCols := len(result.CopyInfo.Columns)

	writer.Start(types.ServerCopyInResponse)
	writer.AddByte(0) // overall format: text
	writer.AddInt16(int16(numCols))
	for i := 0; i < numCols; i++ {
		writer.AddInt16(0)
	}
	if err := writer.End(); err != nil {
		return err
	}

	rows, err := readCopyInRows(NewCopyReader(reader, writer), result.CopyInfo)
	sess.ClearCopyState()
	if err != nil {
		return err
	}

	writer.Start(types.ServerCommandComplete)
	writer.AddString(buffer.FormatCommandTag("COPY", rows))
	writer.AddNullTerminate()
	return writer.End()
}

// handleCopyOut drives a COPY TO STDOUT, streaming the dispatcher's
// synthetic rows as CopyData frames.
func (srv *Server) handleCopyOut(writer *buffer.Writer, result dispatch.Result) error {
	numCols := len(result.CopyInfo.Columns)
	if numCols == 0 && len(result.CopyRows) > 0 {
		numCols = len(result.CopyRows[0])
	}

	writer.Start(types.ServerCopyOutResponse)
	writer.AddByte(0)
	writer.AddInt16(int16(numCols))
	for i := 0; i < numCols; i++ {
		writer.AddInt16(0)
	}
	if err := writer.End(); err != nil {
		return err
	}

	delim := "\t"
	if result.CopyInfo != nil && result.CopyInfo.Delimiter != "" {
		delim = result.CopyInfo.Delimiter
	}

	for _, row := range result.CopyRows {
		writer.Start(types.ServerCopyData)
		writer.AddString(strings.Join(row, delim))
		writer.AddString("\n")
		if err := writer.End(); err != nil {
			return err
		}
	}

	writer.Start(types.ServerCopyDone)
	if err := writer.End(); err != nil {
		return err
	}

	writer.Start(types.ServerCommandComplete)
	writer.AddString(buffer.FormatCommandTag("COPY", len(result.CopyRows)))
	writer.AddNullTerminate()
	return writer.End()
}

// handleParse implements the 'P' message: store the named (or unnamed)
// prepared statement. No SQL analysis beyond recording the parameter OIDs
// the client declares; the dispatcher classifies the text lazily, at
// Describe/Execute time.
func (srv *Server) handleParse(sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	name, err := reader.GetString()
	if err != nil {
		return err
	}

	sql, err := reader.GetString()
	if err != nil {
		return err
	}

	numParams, err := reader.GetUint16()
	if err != nil {
		return err
	}

	paramOids := make([]uint32, numParams)
	for i := range paramOids {
		oid, err := reader.GetUint32()
		if err != nil {
			return err
		}
		paramOids[i] = oid
	}

	srv.logger.Debug("parsed statement", slog.String("name", name), slog.String("sql", sql))

	sess.AddPreparedStatement(&session.PreparedStatement{Name: name, SQL: sql, ParamOids: paramOids})

	writer.Start(types.ServerParseComplete)
	return writer.End()
}

// readFormatCodes reads a wire format-code array: Int16 count followed by
// that many Int16 codes. Used for both parameter and result format arrays.
func readFormatCodes(reader *buffer.Reader) ([]int16, error) {
	n, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	out := make([]int16, n)
	for i := range out {
		v, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}
		out[i] = int16(v)
	}

	return out, nil
}

// handleBind implements the 'B' message: bind a prepared statement and raw
// parameter values to a named (or unnamed) portal.
func (srv *Server) handleBind(sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	portalName, err := reader.GetString()
	if err != nil {
		return err
	}

	stmtName, err := reader.GetString()
	if err != nil {
		return err
	}

	stmt, ok := sess.GetPreparedStatement(stmtName)
	if !ok {
		sess.SkipTillSync = true
		return ErrorCode(writer, NewErrUndefinedStatement(stmtName), sess.StatusByte())
	}

	paramFormats, err := readFormatCodes(reader)
	if err != nil {
		return err
	}

	numParams, err := reader.GetUint16()
	if err != nil {
		return err
	}

	params := make([][]byte, numParams)
	for i := range params {
		size, err := reader.GetInt32()
		if err != nil {
			return err
		}

		val, err := reader.GetBytes(int(size))
		if err != nil {
			return err
		}

		params[i] = val
	}

	resultFormats, err := readFormatCodes(reader)
	if err != nil {
		return err
	}

	sess.AddPortal(&session.Portal{
		Name:             portalName,
		Statement:        stmt,
		ParameterFormats: paramFormats,
		Parameters:       params,
		ResultFormats:    resultFormats,
	})

	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// writeParameterDescription writes the ParameterDescription ('t') message
// carrying a prepared statement's declared parameter OIDs.
func writeParameterDescription(writer *buffer.Writer, oids []uint32) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(oids)))
	for _, o := range oids {
		writer.AddInt32(int32(o))
	}
	return writer.End()
}

// handleDescribe implements the 'D' message for both statement and portal
// targets. Non-row-producing statements (anything but SELECT/SHOW/EXPLAIN)
// answer NoData without dispatching, since dispatching them has side
// effects that must only happen once, at Execute.
func (srv *Server) handleDescribe(ctx context.Context, sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	kind, err := reader.GetPrepareType()
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	var stmt *session.PreparedStatement

	switch kind {
	case buffer.PrepareStatement:
		s, ok := sess.GetPreparedStatement(name)
		if !ok {
			sess.SkipTillSync = true
			return ErrorCode(writer, NewErrUndefinedStatement(name), sess.StatusByte())
		}
		stmt = s

		if err := writeParameterDescription(writer, stmt.ParamOids); err != nil {
			return err
		}
	case buffer.PreparePortal:
		portal, ok := sess.GetPortal(name)
		if !ok {
			sess.SkipTillSync = true
			return ErrorCode(writer, NewErrUndefinedPortal(name), sess.StatusByte())
		}
		stmt = portal.Statement
	default:
		sess.SkipTillSync = true
		return ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientDescribe), sess.StatusByte())
	}

	if !describesRows(stmt.SQL) {
		writer.Start(types.ServerNoData)
		return writer.End()
	}

	result, err := srv.handler.Dispatch(sess, stmt.SQL)
	if err != nil {
		sess.SkipTillSync = true
		return ErrorCode(writer, err, sess.StatusByte())
	}

	if len(result.Columns) == 0 {
		writer.Start(types.ServerNoData)
		return writer.End()
	}

	cols := columnsFromDispatch(result.Columns)
	return cols.Define(ctx, writer, []FormatCode{TextFormat})
}

// handleExecute implements the 'E' message: run the portal's statement and
// stream its rows, honoring the client's requested row limit via
// PortalSuspended.
func (srv *Server) handleExecute(ctx context.Context, sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	portalName, err := reader.GetString()
	if err != nil {
		return err
	}

	maxRows, err := reader.GetInt32()
	if err != nil {
		return err
	}

	portal, ok := sess.GetPortal(portalName)
	if !ok {
		sess.SkipTillSync = true
		return ErrorCode(writer, NewErrUndefinedPortal(portalName), sess.StatusByte())
	}

	start := time.Now()
	result, err := srv.handler.Dispatch(sess, portal.Statement.SQL)
	if err != nil {
		sess.FailTransaction()
		sess.SkipTillSync = true
		return ErrorCode(writer, err, sess.StatusByte())
	}

	srv.stats.QueryObserved(result.Command, time.Since(start))

	if result.EmptyQuery {
		writer.Start(types.ServerEmptyQuery)
		return writer.End()
	}

	if result.NeedsCopyIn {
		if err := srv.handleCopyIn(sess, reader, writer, result); err != nil {
			sess.FailTransaction()
			sess.SkipTillSync = true
			return ErrorCode(writer, err, sess.StatusByte())
		}
		return nil
	}

	if result.NeedsCopyOut {
		return srv.handleCopyOut(writer, result)
	}

	if len(result.Columns) == 0 {
		writer.Start(types.ServerCommandComplete)
		writer.AddString(buffer.FormatCommandTag(result.Command, result.RowCount))
		writer.AddNullTerminate()
		return writer.End()
	}

	formats := portal.ResultFormats
	if len(formats) == 0 {
		formats = []int16{int16(TextFormat)}
	}

	fcodes := make([]FormatCode, len(formats))
	for i, f := range formats {
		fcodes[i] = FormatCode(f)
	}

	cols := columnsFromDispatch(result.Columns)

	total := len(result.Rows)
	limit := total
	if maxRows > 0 && int(maxRows) < total {
		limit = int(maxRows)
	}

	for _, row := range result.Rows[:limit] {
		if err := cols.Write(ctx, fcodes, writer, row); err != nil {
			return err
		}
	}

	if limit < total {
		writer.Start(types.ServerPortalSuspended)
		return writer.End()
	}

	writer.Start(types.ServerCommandComplete)
	writer.AddString(buffer.FormatCommandTag(result.Command, total))
	writer.AddNullTerminate()
	return writer.End()
}

// handleSync implements the 'S' message: end of an extended-query batch.
func (srv *Server) handleSync(sess *session.Session, writer *buffer.Writer) error {
	sess.SkipTillSync = false
	return readyForQuery(writer, sess.StatusByte())
}

// handleClose implements the 'C' message: drop a prepared statement or
// portal by name.
func (srv *Server) handleClose(sess *session.Session, reader *buffer.Reader, writer *buffer.Writer) error {
	kind, err := reader.GetPrepareType()
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	switch kind {
	case buffer.PrepareStatement:
		sess.RemovePreparedStatement(name)
	case buffer.PreparePortal:
		sess.RemovePortal(name)
	}

	writer.Start(types.ServerCloseComplete)
	return writer.End()
}
