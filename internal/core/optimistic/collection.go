package optimistic

import (
	"github.com/cartsync/cartsync/internal/core/models"
)

// Collection is the ordered item sequence the UI observes. It is immutable:
// every mutation returns a new Collection, so a state transition is a single
// pointer swap and partial updates are never observable. Insertion order is
// significant; at most one item per id.
type Collection struct {
	items []models.Item
}

func NewCollection(items ...models.Item) *Collection {
	out := make([]models.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return &Collection{items: out}
}

func (c *Collection) Len() int {
	return len(c.items)
}

// Items returns cloned copies; callers may mutate them freely.
func (c *Collection) Items() []models.Item {
	out := make([]models.Item, len(c.items))
	for i, it := range c.items {
		out[i] = it.Clone()
	}
	return out
}

func (c *Collection) Get(id string) (models.Item, bool) {
	for _, it := range c.items {
		if it.ID == id {
			return it.Clone(), true
		}
	}
	return models.Item{}, false
}

func (c *Collection) IndexOf(id string) int {
	for i, it := range c.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// WithAppended returns a collection with item appended. The caller
// guarantees id uniqueness.
func (c *Collection) WithAppended(item models.Item) *Collection {
	out := make([]models.Item, len(c.items)+1)
	copy(out, c.items)
	out[len(c.items)] = item.Clone()
	return &Collection{items: out}
}

// WithReplacedAt returns a collection with the item at index i replaced,
// keeping its position.
func (c *Collection) WithReplacedAt(i int, item models.Item) *Collection {
	out := make([]models.Item, len(c.items))
	copy(out, c.items)
	out[i] = item.Clone()
	return &Collection{items: out}
}

// WithReplaced replaces the item currently holding id, preserving its index.
// When id is absent the item is appended instead.
func (c *Collection) WithReplaced(id string, item models.Item) *Collection {
	if i := c.IndexOf(id); i >= 0 {
		return c.WithReplacedAt(i, item)
	}
	return c.WithAppended(item)
}

// WithRemoved returns a collection without the item holding id; unchanged
// when id is absent.
func (c *Collection) WithRemoved(id string) *Collection {
	i := c.IndexOf(id)
	if i < 0 {
		return c
	}
	out := make([]models.Item, 0, len(c.items)-1)
	out = append(out, c.items[:i]...)
	out = append(out, c.items[i+1:]...)
	return &Collection{items: out}
}
