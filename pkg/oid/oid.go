// Package oid provides the subset of PostgreSQL's OID catalogue used by the
// dispatcher and row encoder, built on top of github.com/lib/pq/oid.
package oid

import "github.com/lib/pq/oid"

// Oid is re-exported so callers only need to import this package for the
// common case.
type Oid = oid.Oid

// Well-known base type OIDs used by canned query results.
const (
	Bool      = oid.T_bool
	Bytea     = oid.T_bytea
	Int8      = oid.T_int8
	Int2      = oid.T_int2
	Int4      = oid.T_int4
	Text      = oid.T_text
	Float4    = oid.T_float4
	Float8    = oid.T_float8
	Varchar   = oid.T_varchar
	Date      = oid.T_date
	Timestamp = oid.T_timestamp
	TimestampTZ = oid.T_timestamptz
	Numeric   = oid.T_numeric
	UUID      = oid.T_uuid
	JSON      = oid.T_json
	JSONB     = oid.T_jsonb
	Name      = oid.T_name
	RegProc   = oid.T_regproc
	Unknown   = oid.T_unknown
)

// arrayOids maps a base element OID to its standard base+1000-band array
// OID, for every base type the dispatcher can return.
var arrayOids = map[oid.Oid]oid.Oid{
	oid.T_bool:        oid.T__bool,
	oid.T_bytea:       oid.T__bytea,
	oid.T_int8:        oid.T__int8,
	oid.T_int2:        oid.T__int2,
	oid.T_int4:        oid.T__int4,
	oid.T_text:        oid.T__text,
	oid.T_float4:      oid.T__float4,
	oid.T_float8:      oid.T__float8,
	oid.T_varchar:     oid.T__varchar,
	oid.T_date:        oid.T__date,
	oid.T_timestamp:   oid.T__timestamp,
	oid.T_timestamptz: oid.T__timestamptz,
	oid.T_numeric:     oid.T__numeric,
	oid.T_uuid:        oid.T__uuid,
	oid.T_json:        oid.T__json,
	oid.T_jsonb:       oid.T__jsonb,
	oid.T_name:        oid.T__name,
}

// ArrayOf returns the array OID for a base element OID, falling back to
// the text array (_text) for any base type without a direct mapping.
func ArrayOf(base oid.Oid) oid.Oid {
	if arr, ok := arrayOids[base]; ok {
		return arr
	}

	return oid.T__text
}

// Custom describes a user-registered type (configuration surface
// "customTypes"). Custom types are held in a Registry that the server hands
// to the default dispatcher; no introspection query and no row encoding path
// looks them up, and Encode/Decode are not called.
type Custom struct {
	Name    string
	Oid     uint32
	Typlen  int16
	Typtype string
	Encode  func(any) (string, error)
	Decode  func(string) (any, error)
}

// Registry resolves custom type OIDs by name and by numeric OID, on top of
// the standard catalogue above.
type Registry struct {
	byName map[string]Custom
	byOid  map[uint32]Custom
}

// NewRegistry constructs a Registry seeded with the given custom types.
func NewRegistry(types []Custom) *Registry {
	r := &Registry{
		byName: make(map[string]Custom, len(types)),
		byOid:  make(map[uint32]Custom, len(types)),
	}

	for _, t := range types {
		r.byName[t.Name] = t
		r.byOid[t.Oid] = t
	}

	return r
}

// ByName looks up a custom type by its configured name.
func (r *Registry) ByName(name string) (Custom, bool) {
	if r == nil {
		return Custom{}, false
	}

	c, ok := r.byName[name]
	return c, ok
}

// ByOid looks up a custom type by its numeric OID.
func (r *Registry) ByOid(o uint32) (Custom, bool) {
	if r == nil {
		return Custom{}, false
	}

	c, ok := r.byOid[o]
	return c, ok
}
