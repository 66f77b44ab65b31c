package wire

import (
	"bytes"
	"io"
	"strings"

	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/types"
	"github.com/pgmockd/pgmockd/session"
)

// CopySignature is the signature PostgreSQL's binary COPY format begins
// with. A binary COPY-in stream carrying it is accepted but its rows are
// not decoded; the mock server only needs a row count.
// https://www.postgresql.org/docs/current/sql-copy.html
var CopySignature = []byte("PGCOPY\n\377\r\n\000")

// NewCopyReader constructs a CopyReader that pulls CopyData chunks from the
// client for the duration of a single COPY FROM STDIN.
func NewCopyReader(reader *buffer.Reader, writer *buffer.Writer) *CopyReader {
	return &CopyReader{Reader: reader, writer: writer}
}

// CopyReader drives the low-level CopyData/CopyDone/CopyFail message loop
// described in the COPY sub-protocol. It hands back raw chunks; splitting
// them into rows is the caller's job, since the mock server never needs to
// decode values, only count rows.
type CopyReader struct {
	*buffer.Reader
	writer *buffer.Writer
}

// Read pulls the next CopyData chunk. Returns io.EOF on CopyDone.
func (r *CopyReader) Read() ([]byte, error) {
	for {
		typed, _, err := r.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch typed {
		case types.ClientFlush, types.ClientSync:
			// Ignored during copy-in, per the COPY sub-protocol.
			continue
		case types.ClientCopyData:
			return r.Msg, nil
		case types.ClientCopyDone:
			return nil, io.EOF
		case types.ClientCopyFail:
			desc, err := r.GetString()
			if err != nil {
				return nil, err
			}
			return nil, newErrClientCopyFailed(desc)
		default:
			// Any other message type aborts the copy-in state.
			return nil, NewErrUnimplementedMessageType(typed)
		}
	}
}

// readCopyInRows drains a COPY FROM STDIN stream, splitting it into rows on
// newlines (binary-format streams, identified by CopySignature, are drained
// without attempting to decode their contents) and returns the row count.
func readCopyInRows(r *CopyReader, state *session.CopyState) (int, error) {
	var pending bytes.Buffer
	rows := 0
	binary := false
	first := true

	for {
		chunk, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}

		if first {
			first = false
			if state.Format == session.CopyBinary || bytes.HasPrefix(chunk, CopySignature) {
				binary = true
			}
		}

		if binary {
			continue
		}

		pending.Write(chunk)
		for {
			line, ok := cutLine(&pending)
			if !ok {
				break
			}
			if strings.TrimSpace(line) != "" {
				rows++
			}
		}
	}

	if !binary && pending.Len() > 0 && strings.TrimSpace(pending.String()) != "" {
		rows++
	}

	return rows, nil
}

// cutLine removes and returns the first newline-terminated line from buf, if
// any is complete.
func cutLine(buf *bytes.Buffer) (string, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}

	line := string(data[:idx])
	buf.Next(idx + 1)
	return strings.TrimSuffix(line, "\r"), true
}
