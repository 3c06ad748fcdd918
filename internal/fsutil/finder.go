// Package fsutil provides file system utility functions.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFilesByExtension walks all given paths and returns the files ending
// in one of the extensions, sorted and without duplicates. Plain file paths
// are taken as they are; paths that do not exist are skipped.
func FindFilesByExtension(paths []string, extensions ...string) ([]string, error) {
	if len(extensions) == 0 {
		panic("at least one extension is required")
	}
	matches := func(name string) bool {
		for _, ext := range extensions {
			if strings.HasSuffix(name, ext) {
				return true
			}
		}
		return false
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", root, err)
		}
		if !info.IsDir() {
			if matches(root) {
				add(root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && matches(d.Name()) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// Digest is a running SHA-256 over a sequence of named sources.
type Digest struct {
	parts []string
}

// Add records one source.
func (d *Digest) Add(name string, content []byte) {
	sum := sha256.Sum256(content)
	d.parts = append(d.parts, filepath.Base(name)+":"+hex.EncodeToString(sum[:]))
}

// String returns the combined digest. Sources are combined in the order
// they were added.
func (d *Digest) String() string {
	sum := sha256.Sum256([]byte(strings.Join(d.parts, "\n")))
	return hex.EncodeToString(sum[:])
}
