package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/cartsync/cartsync/internal/core/models"
)

// MemoryGateway is an in-memory backend used by tests and local demos. Its
// behavior is scriptable: outcomes can be queued, calls can be blocked until
// released, and id allocation can be overridden.
type MemoryGateway struct {
	mu      sync.Mutex
	records []models.Item
	errs    []error
	block   chan struct{}
	seq     int

	// IDFunc overrides authoritative id allocation when set.
	IDFunc func() string
}

var _ Gateway = (*MemoryGateway)(nil)

func NewMemory(seed ...models.Item) *MemoryGateway {
	g := &MemoryGateway{}
	for _, it := range seed {
		g.records = append(g.records, it.Clone())
	}
	return g
}

// FailNext queues err as the outcome of the next mutating call. Multiple
// queued errors are consumed in order.
func (g *MemoryGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, err)
}

// BlockAll makes every subsequent call wait; the returned release function
// unblocks them all and is safe to call more than once.
func (g *MemoryGateway) BlockAll() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.block == ch {
				g.block = nil
			}
			close(ch)
		})
	}
}

func (g *MemoryGateway) Create(ctx context.Context, fields models.Fields) Result {
	if err := g.gate(ctx); err != nil {
		return Fail(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr(); err != nil {
		return Fail(err)
	}
	item := models.Item{ID: g.nextID(), Fields: fields.Clone()}
	g.records = append(g.records, item)
	return Ok(item.Clone())
}

func (g *MemoryGateway) Update(ctx context.Context, id string, patch models.Fields) Result {
	if err := g.gate(ctx); err != nil {
		return Fail(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr(); err != nil {
		return Fail(err)
	}
	for i, it := range g.records {
		if it.ID == id {
			g.records[i] = it.WithPatch(patch)
			return Ok(g.records[i].Clone())
		}
	}
	return Fail(ErrNotFound)
}

func (g *MemoryGateway) Delete(ctx context.Context, id string) Result {
	if err := g.gate(ctx); err != nil {
		return Fail(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr(); err != nil {
		return Fail(err)
	}
	for i, it := range g.records {
		if it.ID == id {
			g.records = append(g.records[:i:i], g.records[i+1:]...)
			return Result{}
		}
	}
	return Fail(ErrNotFound)
}

func (g *MemoryGateway) ListAll(ctx context.Context) ([]models.Item, error) {
	if err := g.gate(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Item, len(g.records))
	for i, it := range g.records {
		out[i] = it.Clone()
	}
	return out, nil
}

// Records returns a copy of the current backend state.
func (g *MemoryGateway) Records() []models.Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Item, len(g.records))
	for i, it := range g.records {
		out[i] = it.Clone()
	}
	return out
}

func (g *MemoryGateway) gate(ctx context.Context) error {
	g.mu.Lock()
	ch := g.block
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *MemoryGateway) popErr() error {
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func (g *MemoryGateway) nextID() string {
	if g.IDFunc != nil {
		return g.IDFunc()
	}
	g.seq++
	return fmt.Sprintf("srv-%d", g.seq)
}
