package campaign

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/haricheung/model-search/internal/engine"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/registry"
	"github.com/haricheung/model-search/internal/types"
)

// Catalogue is the campaign-wide model database: one id and one handle per
// canonical name, shared by every tree so a model is only learned once.
type Catalogue struct {
	mu      sync.Mutex
	byName  map[string]*registry.Model
	nextID  types.ModelID
	learner singleflight.Group
}

// NewCatalogue creates an empty catalogue. Ids start at 1.
func NewCatalogue() *Catalogue {
	return &Catalogue{byName: make(map[string]*registry.Model), nextID: 1}
}

// Resolve returns the handle for name, allocating a new id for names not seen
// before. created reports whether the handle is new.
func (c *Catalogue) Resolve(name string) (m *registry.Model, created bool) {
	canonical := naming.Canonical(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byName[canonical]; ok {
		return m, false
	}
	m = registry.NewModel(c.nextID, canonical)
	c.nextID++
	c.byName[canonical] = m
	return m, true
}

// Lookup returns the handle for name if one exists.
func (c *Catalogue) Lookup(name string) (*registry.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byName[naming.Canonical(name)]
	return m, ok
}

// Len is the number of distinct models seen.
func (c *Catalogue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}

// Learn learns m with eng unless it is already learned. Concurrent calls for
// the same model share one learning run. learned reports whether this call
// did the work.
func (c *Catalogue) Learn(ctx context.Context, eng engine.Engine, m *registry.Model) (learned bool, err error) {
	if m.Learned() {
		return false, nil
	}
	did := false
	_, err, _ = c.learner.Do(strconv.Itoa(int(m.ID)), func() (any, error) {
		if m.Learned() {
			return nil, nil
		}
		did = true
		return nil, eng.Learn(ctx, m)
	})
	return did && err == nil, err
}

// BranchIDs allocates branch ids unique across a campaign.
type BranchIDs struct {
	next atomic.Int64
}

// Next returns a fresh branch id, starting at 1.
func (b *BranchIDs) Next() types.BranchID {
	return types.BranchID(b.next.Add(1))
}
