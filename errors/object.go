package errors

import "errors"

// WithSchemaName decorates the error with the schema name involved in
// introspection/name-resolution failures.
func WithSchemaName(err error, schema string) error {
	if err == nil {
		return nil
	}

	return &withSchemaName{cause: err, schema: schema}
}

// GetSchemaName returns the schema name inside the given error, if any.
func GetSchemaName(err error) string {
	if s, ok := err.(*withSchemaName); ok {
		return s.schema
	}

	if n := errors.Unwrap(err); n != nil {
		return GetSchemaName(n)
	}

	return ""
}

type withSchemaName struct {
	cause  error
	schema string
}

func (w *withSchemaName) Error() string { return w.cause.Error() }
func (w *withSchemaName) Unwrap() error { return w.cause }

// WithTableName decorates the error with the table name involved.
func WithTableName(err error, table string) error {
	if err == nil {
		return nil
	}

	return &withTableName{cause: err, table: table}
}

// GetTableName returns the table name inside the given error, if any.
func GetTableName(err error) string {
	if t, ok := err.(*withTableName); ok {
		return t.table
	}

	if n := errors.Unwrap(err); n != nil {
		return GetTableName(n)
	}

	return ""
}

type withTableName struct {
	cause error
	table string
}

func (w *withTableName) Error() string { return w.cause.Error() }
func (w *withTableName) Unwrap() error { return w.cause }

// WithColumnName decorates the error with the column name involved.
func WithColumnName(err error, column string) error {
	if err == nil {
		return nil
	}

	return &withColumnName{cause: err, column: column}
}

// GetColumnName returns the column name inside the given error, if any.
func GetColumnName(err error) string {
	if c, ok := err.(*withColumnName); ok {
		return c.column
	}

	if n := errors.Unwrap(err); n != nil {
		return GetColumnName(n)
	}

	return ""
}

type withColumnName struct {
	cause  error
	column string
}

func (w *withColumnName) Error() string { return w.cause.Error() }
func (w *withColumnName) Unwrap() error { return w.cause }
