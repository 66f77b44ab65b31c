package wire

import (
	"fmt"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/types"
)

// writeErrorFields writes the ErrorResponse ('E') body for err, without the
// trailing ReadyForQuery. Shared by ErrorCode (simple/extended query errors,
// which always follow with a status-bearing ReadyForQuery) and any caller
// that needs to report an error mid-stream, such as a COPY failure.
func writeErrorFields(writer *buffer.Writer, err error) error {
	desc := psqlerr.Flatten(err)

	writer.Start(types.ServerErrorResponse)

	writer.AddByte(byte(buffer.ServerErrFieldSeverity))
	writer.AddString(string(desc.Severity))
	writer.AddNullTerminate()
	writer.AddByte(byte(buffer.ServerErrFieldSQLState))
	writer.AddString(string(desc.Code))
	writer.AddNullTerminate()
	writer.AddByte(byte(buffer.ServerErrFieldMsgPrimary))
	writer.AddString(desc.Message)
	writer.AddNullTerminate()

	if desc.Hint != "" {
		writer.AddByte(byte(buffer.ServerErrFieldHint))
		writer.AddString(desc.Hint)
		writer.AddNullTerminate()
	}

	if desc.Detail != "" {
		writer.AddByte(byte(buffer.ServerErrFieldDetail))
		writer.AddString(desc.Detail)
		writer.AddNullTerminate()
	}

	if desc.Position != 0 {
		writer.AddByte(byte(buffer.ServerErrFieldPosition))
		writer.AddString(fmt.Sprintf("%d", desc.Position))
		writer.AddNullTerminate()
	}

	if desc.SchemaName != "" {
		writer.AddByte(byte(buffer.ServerErrFieldSchemaName))
		writer.AddString(desc.SchemaName)
		writer.AddNullTerminate()
	}

	if desc.TableName != "" {
		writer.AddByte(byte(buffer.ServerErrFieldTableName))
		writer.AddString(desc.TableName)
		writer.AddNullTerminate()
	}

	if desc.ColumnName != "" {
		writer.AddByte(byte(buffer.ServerErrFieldColumnName))
		writer.AddString(desc.ColumnName)
		writer.AddNullTerminate()
	}

	if desc.ConstraintName != "" {
		writer.AddByte(byte(buffer.ServerErrFieldConstraintName))
		writer.AddString(desc.ConstraintName)
		writer.AddNullTerminate()
	}

	if desc.Source != nil {
		writer.AddByte(byte(buffer.ServerErrFieldSrcFile))
		writer.AddString(desc.Source.File)
		writer.AddNullTerminate()

		writer.AddByte(byte(buffer.ServerErrFieldSrcLine))
		writer.AddInt32(desc.Source.Line)
		writer.AddNullTerminate()

		writer.AddByte(byte(buffer.ServerErrFieldSrcFunction))
		writer.AddString(desc.Source.Function)
		writer.AddNullTerminate()
	}

	writer.AddNullTerminate()
	return writer.End()
}

// ErrorCode writes an error message as response to a command with the given
// severity and error message. A ready for query message reflecting status is
// written back to the client once the error has been written, indicating the
// end of a command cycle. For an InvalidPassword error (an authentication
// failure, which terminates the connection instead of returning to the
// command loop) no ready for query message is written, whatever the status.
// https://www.postgresql.org/docs/current/static/protocol-error-fields.html
func ErrorCode(writer *buffer.Writer, err error, status types.ServerStatus) error {
	desc := psqlerr.Flatten(err)

	if werr := writeErrorFields(writer, err); werr != nil {
		return werr
	}

	// NOTE: we are writing a ready for query message to indicate the end of a
	// command cycle. However, for authentication failures, we skip this
	// because the connection will be terminated.
	if desc.Code == codes.InvalidPassword {
		return nil
	}

	return readyForQuery(writer, status)
}
