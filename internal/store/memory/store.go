// Package memory provides an ephemeral, thread-safe, in-memory store.
//
// Instances live in a sync.Map keyed by id; each entry carries its own
// mutex, so writes to one instance never wait on another. Nothing survives
// the process, which makes this backend suitable for tests and one-shot
// runs only.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

type entry struct {
	mu   sync.Mutex
	inst *model.Instance
}

// Backend is the in-memory store.Backend.
type Backend struct {
	instances sync.Map // Key: model.InstanceID, Value: *entry
}

var _ store.Backend = (*Backend)(nil)

// New creates a new, empty in-memory store.
func New(opts ...store.Option) *store.Documents {
	return store.NewDocuments(&Backend{}, opts...)
}

func (b *Backend) Insert(_ context.Context, inst *model.Instance) error {
	if _, loaded := b.instances.LoadOrStore(inst.ID, &entry{inst: inst.Clone()}); loaded {
		return fmt.Errorf("%w: %s", store.ErrExists, inst.ID)
	}
	return nil
}

func (b *Backend) lookup(id model.InstanceID) (*entry, error) {
	v, ok := b.instances.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return v.(*entry), nil
}

func (b *Backend) Get(_ context.Context, id model.InstanceID) (*model.Instance, error) {
	e, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.Clone(), nil
}

func (b *Backend) Update(_ context.Context, id model.InstanceID, fn func(*model.Instance) error) error {
	e, err := b.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.inst.Clone()
	if err := fn(next); err != nil {
		return err
	}
	e.inst = next
	return nil
}

func (b *Backend) Summaries(_ context.Context) ([]model.InstanceSummary, error) {
	var out []model.InstanceSummary
	b.instances.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.inst.Summarize())
		e.mu.Unlock()
		return true
	})
	return out, nil
}
