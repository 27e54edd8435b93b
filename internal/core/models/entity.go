// Package models holds the entity shapes shared between the optimistic
// engine, the remote gateway and the sync layers.
package models

import (
	"encoding/json"
	"reflect"
)

// Fields is the untyped payload of an item: field name to value, as decoded
// from JSON. All engine-level merging is field-granular over this shape.
type Fields map[string]any

// Clone returns a shallow copy of the field map. Values are JSON scalars,
// slices or nested maps; the engine never mutates nested values in place, so
// a top-level copy is sufficient isolation.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with every entry of patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Equal reports deep equality of two field maps.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]any(f), map[string]any(other))
}

// Item is a single entity in the collection: a stable identity plus its
// payload.
type Item struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Clone returns a copy whose field map is independent of the receiver.
func (it Item) Clone() Item {
	return Item{ID: it.ID, Fields: it.Fields.Clone()}
}

// WithPatch returns a copy of the item with patch merged into its fields.
func (it Item) WithPatch(patch Fields) Item {
	return Item{ID: it.ID, Fields: it.Fields.Merge(patch)}
}

// FieldsOf converts a typed value into Fields via its JSON representation.
func FieldsOf(value any) (Fields, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err = json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// DecodeFields converts Fields back into a typed value via JSON.
func DecodeFields[T any](f Fields) (T, error) {
	var out T
	raw, err := json.Marshal(f)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
