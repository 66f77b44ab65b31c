package wire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/pkg/types"
)

// Columns represent a collection of columns.
type Columns []Column

// Define writes the RowDescription header for the given columns. Headers
// must be written before any DataRow is sent for the same result set.
func (columns Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		format := column.Format
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > index {
			format = formats[index]
		}

		column.Define(writer, format)
	}

	return writer.End()
}

// Write encodes a single row of values and appends it as a DataRow message.
func (columns Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, srcs []any) (err error) {
	if len(srcs) != len(columns) {
		return fmt.Errorf("unexpected row shape: %d columns defined but %d values given", len(columns), len(srcs))
	}

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		format := column.Format
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > index {
			format = formats[index]
		}

		if err = column.Write(ctx, writer, format, srcs[index]); err != nil {
			return err
		}
	}

	return writer.End()
}

// Column represents a table column and its wire attributes.
// https://www.postgresql.org/docs/8.3/catalog-pg-attribute.html
type Column struct {
	Table        int32
	Name         string
	AttrNo       int16
	Oid          oid.Oid
	Width        int16
	TypeModifier int32
	Format       FormatCode
}

// Define writes the column header values to the given writer, part of a
// RowDescription message.
func (column Column) Define(writer *buffer.Writer, format FormatCode) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.Oid))
	writer.AddInt16(column.Width)
	writer.AddInt32(-1)
	writer.AddInt16(int16(format))
}

// Write encodes the given source value using the column's OID and the
// requested format, appending it to a DataRow message.
func (column Column) Write(ctx context.Context, writer *buffer.Writer, format FormatCode, src any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if src == nil {
		writer.AddInt32(-1)
		return nil
	}

	tm := TypeMap(ctx)
	if tm == nil {
		return fmt.Errorf("postgres type map has not been defined inside the given context")
	}

	bb, err := encodeValue(tm, uint32(column.Oid), int16(format), src)
	if err != nil {
		return err
	}

	writer.AddInt32(int32(len(bb)))
	writer.AddBytes(bb)
	return nil
}

// encodeValue encodes src for the given OID/format, preferring the plain
// textual form for strings since most synthetic rows are already strings.
func encodeValue(tm *pgtype.Map, typeOid uint32, format int16, src any) ([]byte, error) {
	if format == int16(TextFormat) {
		if s, ok := src.(string); ok {
			return []byte(s), nil
		}
	}

	return tm.Encode(typeOid, format, src, nil)
}
