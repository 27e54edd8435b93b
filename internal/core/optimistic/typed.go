package optimistic

import (
	"context"

	"github.com/cartsync/cartsync/internal/core/models"
)

// Typed is a typed view over an untyped Store. The engine stays
// field-granular internally; Typed converts at the boundary so callers work
// with their own struct type.
type Typed[T any] struct {
	store *Store
}

// NewTyped wraps an existing store.
func NewTyped[T any](store *Store) *Typed[T] {
	return &Typed[T]{store: store}
}

// Entry pairs an item id with its decoded value.
type Entry[T any] struct {
	ID    string
	Value T
}

func (t *Typed[T]) Insert(ctx context.Context, value T) (Entry[T], error) {
	fields, err := models.FieldsOf(value)
	if err != nil {
		return Entry[T]{}, err
	}
	item, err := t.store.Insert(ctx, fields)
	if err != nil {
		return Entry[T]{}, err
	}
	return decodeEntry[T](item)
}

// Update patches the stored item with the non-zero representation of patch.
func (t *Typed[T]) Update(ctx context.Context, id string, patch models.Fields) (Entry[T], error) {
	item, err := t.store.Update(ctx, id, patch)
	if err != nil {
		return Entry[T]{}, err
	}
	return decodeEntry[T](item)
}

func (t *Typed[T]) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, id)
}

func (t *Typed[T]) Get(id string) (Entry[T], bool, error) {
	item, ok := t.store.GetItem(id)
	if !ok {
		return Entry[T]{}, false, nil
	}
	entry, err := decodeEntry[T](item)
	if err != nil {
		return Entry[T]{}, false, err
	}
	return entry, true, nil
}

// Items decodes the full collection in order. A row that no longer matches
// T fails the whole call rather than silently dropping.
func (t *Typed[T]) Items() ([]Entry[T], error) {
	items := t.store.Items()
	out := make([]Entry[T], 0, len(items))
	for _, item := range items {
		entry, err := decodeEntry[T](item)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// AsUntyped exposes the wrapped store for engine-level calls like Resync
// and RollbackAll.
func (t *Typed[T]) AsUntyped() *Store {
	return t.store
}

func decodeEntry[T any](item models.Item) (Entry[T], error) {
	value, err := models.DecodeFields[T](item.Fields)
	if err != nil {
		return Entry[T]{}, err
	}
	return Entry[T]{ID: item.ID, Value: value}, nil
}
