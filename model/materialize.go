package model

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Odoo's two canonical timestamp layouts on the wire.
const (
	layoutTimestamp = "2006-01-02 15:04:05"
	layoutDate      = "2006-01-02"
)

// Materialize coerces a raw server dict into a typed Record per the
// descriptor's field set. Unknown keys are preserved in Extras; many2one
// pairs [id, display] become an unresolved slot carrying both id and the
// display string (stashed in Extras under "field__display") so it
// survives round-trip without polluting Values.
func Materialize(d *Descriptor, row map[string]any) (*Record, error) {
	rec := NewRecord(d.Name)

	if idv, ok := row["id"]; ok {
		id, err := toInt64(idv)
		if err != nil {
			return nil, fmt.Errorf("model: decoding id: %w", err)
		}
		rec.ID = &id
	}

	known := make(map[string]bool, len(d.Fields()))
	for _, f := range d.Fields() {
		known[f.Name] = true
		raw, present := row[f.Name]
		if !present {
			continue
		}
		if f.IsRelational() {
			if err := materializeRelation(rec, f, raw); err != nil {
				return nil, fmt.Errorf("model: field %q: %w", f.Name, err)
			}
			continue
		}
		val, err := coerceScalar(f, raw)
		if err != nil {
			return nil, fmt.Errorf("model: field %q: %w", f.Name, err)
		}
		rec.Values[f.Name] = val
	}

	for k, v := range row {
		if k == "id" || known[k] {
			continue
		}
		rec.Extras[k] = v
	}
	return rec, nil
}

func materializeRelation(rec *Record, f Field, raw any) error {
	slot := &RelationSlot{State: Unresolved, Many: f.IsToMany()}
	switch f.Kind {
	case KindMany2One:
		switch v := raw.(type) {
		case bool:
			// false means "no related record".
		case []any:
			if len(v) != 2 {
				return fmt.Errorf("many2one expects [id, display], got %v", v)
			}
			id, err := toInt64(v[0])
			if err != nil {
				return err
			}
			slot.UnresolvedID = &id
			rec.Extras[f.Name+"__display"] = v[1]
		default:
			id, err := toInt64(raw)
			if err != nil {
				return fmt.Errorf("unexpected many2one value %v: %w", raw, err)
			}
			slot.UnresolvedID = &id
		}
	case KindOne2Many, KindMany2Many:
		ids, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("expected list of ids, got %T", raw)
		}
		out := make([]int64, 0, len(ids))
		for _, idv := range ids {
			id, err := toInt64(idv)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		slot.UnresolvedIDs = out
	}
	rec.Relations[f.Name] = slot
	return nil
}

func coerceScalar(f Field, raw any) (any, error) {
	switch f.Kind {
	case KindText, KindSelection:
		return raw, nil
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case KindInteger:
		return toInt64(raw)
	case KindNumber:
		return toFloat64(raw)
	case KindDecimal:
		switch v := raw.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return nil, fmt.Errorf("unexpected decimal value %T", raw)
		}
	case KindBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", raw)
		}
		return base64.StdEncoding.DecodeString(s)
	case KindDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected date string, got %T", raw)
		}
		return time.Parse(layoutDate, s)
	case KindTimestamp:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", raw)
		}
		return time.Parse(layoutTimestamp, s)
	default:
		return raw, nil
	}
}

// Serialize is the inverse of Materialize restricted to scalar fields,
// witnessing the round-trip law in : serialize(materialize(x)) ==
// x for server-provided x, ignoring display-name sugar on to-one refs.
func Serialize(d *Descriptor, rec *Record) map[string]any {
	out := make(map[string]any, len(rec.Values)+len(rec.Relations)+len(rec.Extras))
	if rec.ID != nil {
		out["id"] = *rec.ID
	}
	for _, f := range d.Fields() {
		if f.IsRelational() {
			continue
		}
		v, ok := rec.Values[f.Name]
		if !ok {
			continue
		}
		out[f.Name] = encodeScalar(f, v)
	}
	for name, slot := range rec.Relations {
		f, ok := d.Field(name)
		if !ok {
			continue
		}
		out[name] = encodeRelation(f, slot)
	}
	for k, v := range rec.Extras {
		out[k] = v
	}
	return out
}

func encodeScalar(f Field, v any) any {
	switch f.Kind {
	case KindDate:
		if t, ok := v.(time.Time); ok {
			return t.Format(layoutDate)
		}
	case KindTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.Format(layoutTimestamp)
		}
	case KindDecimal:
		if d, ok := v.(decimal.Decimal); ok {
			return d.String()
		}
	case KindBytes:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b)
		}
	}
	return v
}

func encodeRelation(f Field, slot *RelationSlot) any {
	if f.IsToMany() {
		if slot.State == Resolved {
			ids := make([]any, len(slot.ResolvedMany))
			for i, r := range slot.ResolvedMany {
				ids[i] = *r.ID
			}
			return ids
		}
		ids := make([]any, len(slot.UnresolvedIDs))
		for i, id := range slot.UnresolvedIDs {
			ids[i] = id
		}
		return ids
	}
	if slot.State == Resolved {
		if slot.ResolvedOne == nil {
			return false
		}
		return *slot.ResolvedOne.ID
	}
	if slot.UnresolvedID == nil {
		return false
	}
	return *slot.UnresolvedID
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case bool:
		if !n {
			return 0, nil
		}
		return 0, fmt.Errorf("cannot convert true to id")
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
