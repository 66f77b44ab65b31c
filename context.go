package wire

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type ctxKey int

const (
	ctxTypeInfo ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
)

// setTypeInfo attaches the server's shared pgx/v5 type map to the context.
func setTypeInfo(ctx context.Context, tm *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeInfo, tm)
}

// TypeMap returns the pgx/v5 type map used to encode/decode column values, if
// one has been set inside the given context.
func TypeMap(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeInfo)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a collection of parameter status keys and values.
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key defined inside a server/client
// metadata definition.
type ParameterStatus string

// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
	ParamDateStyle            ParameterStatus = "DateStyle"
	ParamTimeZone             ParameterStatus = "TimeZone"
)

// setClientParameters constructs a new context containing the given
// parameters. Any previously defined metadata is overridden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters set inside the given
// context, if any.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given
// parameters map. Any previously defined metadata is overridden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the server parameters set inside the given
// context, if any.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}
