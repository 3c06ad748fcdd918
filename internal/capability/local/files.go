package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/model"
)

// ErrDrift is returned by Revert when the file no longer holds what the
// step wrote, so restoring it would clobber someone else's change.
var ErrDrift = errors.New("file changed since the step ran")

// Files writes and deletes files below Root. Paths are interpreted relative
// to Root and may not escape it.
type Files struct {
	Root string
}

var _ capability.FileMutator = (*Files)(nil)

// NewFiles returns a mutator rooted at root.
func NewFiles(root string) *Files {
	return &Files{Root: root}
}

func (f *Files) resolve(p string) (string, error) {
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, p)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", p, root)
	}
	return full, nil
}

// Apply performs the change and returns a restore_file undo record holding
// the prior content.
func (f *Files) Apply(ctx context.Context, change capability.FileChange) (model.UndoRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.UndoRecord{}, capability.NotApplied(err)
	}
	full, err := f.resolve(change.Path)
	if err != nil {
		return model.UndoRecord{}, capability.NotApplied(err)
	}

	undo := model.UndoRecord{Kind: model.UndoRestoreFile, Path: change.Path}
	prior, err := os.ReadFile(full)
	switch {
	case err == nil:
		undo.Existed = true
		undo.PriorContent = prior
		undo.PriorHash = hash(prior)
	case errors.Is(err, os.ErrNotExist):
	default:
		return model.UndoRecord{}, capability.NotApplied(fmt.Errorf("reading %s: %w", change.Path, err))
	}

	if change.Delete {
		if undo.Existed {
			if err := os.Remove(full); err != nil {
				return model.UndoRecord{}, capability.NotApplied(fmt.Errorf("deleting %s: %w", change.Path, err))
			}
		}
		return undo, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return model.UndoRecord{}, capability.NotApplied(fmt.Errorf("creating directory for %s: %w", change.Path, err))
	}
	if err := writeAtomic(full, change.Content); err != nil {
		return model.UndoRecord{}, capability.NotApplied(err)
	}
	undo.NewHash = hash(change.Content)
	return undo, nil
}

// Revert restores the state recorded by Apply.
func (f *Files) Revert(_ context.Context, undo model.UndoRecord) error {
	full, err := f.resolve(undo.Path)
	if err != nil {
		return err
	}

	current, err := os.ReadFile(full)
	currentHash := ""
	switch {
	case err == nil:
		currentHash = hash(current)
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("reading %s: %w", undo.Path, err)
	}
	if currentHash != undo.NewHash {
		return fmt.Errorf("%w: %s", ErrDrift, undo.Path)
	}

	if !undo.Existed {
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", undo.Path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", undo.Path, err)
	}
	return writeAtomic(full, undo.PriorContent)
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
