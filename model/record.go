package model

// SlotState is the tagged-union state of one relationship resolution slot
// (Relationship resolution table).
type SlotState int

const (
	Unresolved SlotState = iota
	Resolved
	Failed
)

// RelationSlot is the per-record, per-field resolution state for one
// relationship field. Resolution is monotone: once State is Resolved the
// slot holds records; an explicit Invalidate is required to go back to
// Unresolved after a server-side change.
type RelationSlot struct {
	State SlotState
	Many bool

	// Unresolved state.
	UnresolvedID *int64 // many2one
	UnresolvedIDs []int64 // one2many / many2many

	// Resolved state. Records are *Record so relation.Planner and the query
	// package can attach results without model importing either.
	ResolvedOne *Record
	ResolvedMany []*Record

	Err error
}

// Invalidate resets a resolved slot back to Unresolved using its last-known
// ids, per the monotonicity invariant in.
func (s *RelationSlot) Invalidate() {
	if s.State != Resolved {
		return
	}
	if s.Many {
		ids := make([]int64, 0, len(s.ResolvedMany))
		for _, r := range s.ResolvedMany {
			if r.ID != nil {
				ids = append(ids, *r.ID)
			}
		}
		s.UnresolvedIDs = ids
		s.ResolvedMany = nil
	} else {
		if s.ResolvedOne != nil {
			id := *s.ResolvedOne.ID
			s.UnresolvedID = &id
		}
		s.ResolvedOne = nil
	}
	s.State = Unresolved
	s.Err = nil
}

// Record is a typed view of one server row. It is owned by the
// session that produced it; sharing a Record across sessions is undefined
// per spec.
type Record struct {
	Model string
	ID *int64 // absent (nil) for an unsaved record

	Values map[string]any
	Relations map[string]*RelationSlot

	// Extras holds server keys not present in the model descriptor so that
	// serialize(materialize(x)) == x survives unknown fields (// round-trip law), minus display-name sugar on to-one references.
	Extras map[string]any
}

// NewRecord returns an empty Record for the given model, ready for
// materialization.
func NewRecord(modelName string) *Record {
	return &Record{
		Model: modelName,
		Values: make(map[string]any),
		Relations: make(map[string]*RelationSlot),
		Extras: make(map[string]any),
	}
}

// Get returns a scalar field value, or nil if absent.
func (r *Record) Get(field string) any { return r.Values[field] }

// Slot returns the resolution slot for a relationship field, creating an
// empty Unresolved one if the field was never materialized (e.g. it was
// excluded from the read projection).
func (r *Record) Slot(field string) *RelationSlot {
	s, ok := r.Relations[field]
	if !ok {
		s = &RelationSlot{State: Unresolved}
		r.Relations[field] = s
	}
	return s
}

// InvalidateAll clears every relationship resolution table on the record,
// as required when the record itself is invalidated by an explicit call or
// a write (invariants).
func (r *Record) InvalidateAll() {
	for _, s := range r.Relations {
		s.Invalidate()
	}
}
