// Package filestore keeps one JSON document per instance in a directory.
// Documents are replaced atomically: written to a temporary file in the
// same directory, synced, then renamed over the old one. Any process can
// read the directory, but only one process may write an instance at a time.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

const ext = ".json"

// Backend is the file-per-instance store.Backend.
type Backend struct {
	dir   string
	locks sync.Map // Key: model.InstanceID, Value: *sync.Mutex
}

var _ store.Backend = (*Backend)(nil)

// New opens (creating if needed) a store rooted at dir.
func New(dir string, opts ...store.Option) (*store.Documents, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", dir, err)
	}
	return store.NewDocuments(&Backend{dir: dir}, opts...), nil
}

func (b *Backend) path(id model.InstanceID) (string, error) {
	if !store.ValidID(id) {
		return "", fmt.Errorf("%w: malformed id %q", store.ErrNotFound, id)
	}
	return filepath.Join(b.dir, string(id)+ext), nil
}

func (b *Backend) lock(id model.InstanceID) func() {
	v, _ := b.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (b *Backend) Insert(_ context.Context, inst *model.Instance) error {
	p, err := b.path(inst.ID)
	if err != nil {
		return err
	}
	defer b.lock(inst.ID)()

	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("%w: %s", store.ErrExists, inst.ID)
	}
	return b.write(p, inst)
}

func (b *Backend) Get(_ context.Context, id model.InstanceID) (*model.Instance, error) {
	p, err := b.path(id)
	if err != nil {
		return nil, err
	}
	return read(p, id)
}

func (b *Backend) Update(_ context.Context, id model.InstanceID, fn func(*model.Instance) error) error {
	p, err := b.path(id)
	if err != nil {
		return err
	}
	defer b.lock(id)()

	inst, err := read(p, id)
	if err != nil {
		return err
	}
	if err := fn(inst); err != nil {
		return err
	}
	return b.write(p, inst)
}

func (b *Backend) Summaries(_ context.Context) ([]model.InstanceSummary, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: listing %s: %w", b.dir, err)
	}
	var out []model.InstanceSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		id := model.InstanceID(strings.TrimSuffix(name, ext))
		if !store.ValidID(id) {
			continue
		}
		inst, err := read(filepath.Join(b.dir, name), id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst.Summarize())
	}
	return out, nil
}

func read(p string, id model.InstanceID) (*model.Instance, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("filestore: reading %s: %w", id, err)
	}
	var inst model.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("filestore: decoding %s: %w", id, err)
	}
	return &inst, nil
}

// write replaces p atomically and syncs the directory so the rename itself
// survives a crash.
func (b *Backend) write(p string, inst *model.Instance) (err error) {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encoding %s: %w", inst.ID, err)
	}

	tmp, err := os.CreateTemp(b.dir, "."+string(inst.ID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: writing %s: %w", inst.ID, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: syncing %s: %w", inst.ID, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("filestore: closing %s: %w", inst.ID, err)
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("filestore: replacing %s: %w", inst.ID, err)
	}

	dir, err := os.Open(b.dir)
	if err != nil {
		return fmt.Errorf("filestore: opening %s: %w", b.dir, err)
	}
	defer dir.Close()
	if err = dir.Sync(); err != nil {
		return fmt.Errorf("filestore: syncing %s: %w", b.dir, err)
	}
	return nil
}
