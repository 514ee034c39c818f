// Package model holds the immutable per-remote-model metadata and the
// typed, materialized view of one server row. Model schema definition
// machinery (validation rules, field descriptor authoring) is out of core
// scope per ; this package consumes descriptors, it does not
// generate them from anything fancier than plain Go literals.
package model

// FieldKind enumerates the semantic field types names.
type FieldKind string

const (
	KindText      FieldKind = "text"
	KindInteger   FieldKind = "integer"
	KindNumber    FieldKind = "number"
	KindDecimal   FieldKind = "decimal"
	KindBoolean   FieldKind = "boolean"
	KindDate      FieldKind = "date"
	KindTimestamp FieldKind = "timestamp"
	KindBytes     FieldKind = "bytes"
	KindSelection FieldKind = "selection"
	KindMany2One  FieldKind = "many2one"
	KindOne2Many  FieldKind = "one2many"
	KindMany2Many FieldKind = "many2many"
)

// Field is one entry of a model's ordered field set.
type Field struct {
	Name string
	Kind FieldKind
	Nullable bool
	Choices []string // KindSelection
	Target string // KindMany2One / KindOne2Many / KindMany2Many: related model name
	Inverse string // KindOne2Many: the many2one field on Target pointing back
	LinkTable string // KindMany2Many: optional explicit link table
	// CascadeHint, when true, marks that a delete of a record with this
	// field populated cascades server-side and has no reliable inverse.
	// txn.Scope does not read it; a caller passes it to
	// Scope.RecordDelete as cascadeHit.
	CascadeHint bool
}

// IsRelational reports whether the field carries a resolution slot.
func (f Field) IsRelational() bool {
	switch f.Kind {
	case KindMany2One, KindOne2Many, KindMany2Many:
		return true
	default:
		return false
	}
}

// IsToMany reports whether the field resolves to an ordered sequence rather
// than a single optional record.
func (f Field) IsToMany() bool {
	return f.Kind == KindOne2Many || f.Kind == KindMany2Many
}

// Descriptor is immutable metadata for one remote model, created once at
// registration and never mutated afterwards.
type Descriptor struct {
	Name string
	fields []Field
	byName map[string]Field
}

// NewDescriptor builds a Descriptor from an ordered field list. The field
// order is preserved for projection defaults and stable wire output.
func NewDescriptor(name string, fields...Field) *Descriptor {
	d := &Descriptor{Name: name, fields: fields, byName: make(map[string]Field, len(fields))}
	for _, f := range fields {
		d.byName[f.Name] = f
	}
	return d
}

// Field looks up a field by name, returning ok=false for unknown fields —
// callers use this to enforce the domain invariant that every leaf's
// field-path resolves to a known field.
func (d *Descriptor) Field(name string) (Field, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// Fields returns the ordered field set.
func (d *Descriptor) Fields() []Field { return d.fields }

// Registry is an explicit, per-session-parameterizable model registry,
// avoiding any process-global lookup table.
type Registry struct {
	models map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{models: make(map[string]*Descriptor)} }

// Register adds or replaces a descriptor under its own Name.
func (r *Registry) Register(d *Descriptor) { r.models[d.Name] = d }

// Get looks up a previously registered descriptor.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.models[name]
	return d, ok
}

// Resolve walks a dotted field path (e.g. "partner_id.country_id.name")
// starting at d, following many2one hops through the registry, and returns
// the descriptor and field at the end of the path. It is the mechanism that
// enforces "every leaf's field-path resolves to a known field of its head
// model or of a reachable related model" (Domain AST invariant).
func (r *Registry) Resolve(d *Descriptor, path []string) (*Descriptor, Field, bool) {
	cur := d
	for i, name := range path {
		f, ok := cur.Field(name)
		if !ok {
			return nil, Field{}, false
		}
		if i == len(path)-1 {
			return cur, f, true
		}
		if f.Kind != KindMany2One {
			return nil, Field{}, false
		}
		next, ok := r.Get(f.Target)
		if !ok {
			return nil, Field{}, false
		}
		cur = next
	}
	return nil, Field{}, false
}
