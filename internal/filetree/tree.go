// Package filetree is the local side of a sync: a rooted directory tree
// addressed by slash separated relative paths.
package filetree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/afero"
)

const tempSuffix = ".blobsync.tmp"

// Filter returns true for relative paths that must not be enumerated.
type Filter func(rel string, isDir bool) bool

type Tree interface {
	Enumerate(ctx context.Context) ([]string, error)
	Open(rel string) (io.ReadCloser, error)
	Stat(rel string) (os.FileInfo, error)
	Read(rel string) ([]byte, error)
	Write(rel string, data []byte) error
	Rename(oldRel, newRel string) error
	Delete(rel string) error
}

// AferoTree is a Tree over an afero filesystem. Production code roots it with
// a BasePathFs so relative paths cannot escape the sync root.
type AferoTree struct {
	fs     afero.Fs
	filter Filter
}

func NewAferoTree(fs afero.Fs) *AferoTree {
	return &AferoTree{fs: fs}
}

// NewOsTree roots a tree at dir on the local disk.
func NewOsTree(dir string) (*AferoTree, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("root dir: %w", err)
	}
	return NewAferoTree(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func (t *AferoTree) SetFilter(filter Filter) {
	t.filter = filter
}

// Enumerate lists every regular file, sorted.
func (t *AferoTree) Enumerate(ctx context.Context) ([]string, error) {
	var paths []string

	err := afero.Walk(t.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// vanished mid-walk
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel := utils.NormPath(filepath.ToSlash(p))
		if rel == "" {
			return nil
		}

		if info.IsDir() {
			if t.filter != nil && t.filter(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if t.filter != nil && t.filter(rel, false) {
			return nil
		}

		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}

	slices.Sort(paths)
	return paths, nil
}

func (t *AferoTree) Open(rel string) (io.ReadCloser, error) {
	return t.fs.Open(toFs(rel))
}

func (t *AferoTree) Stat(rel string) (os.FileInfo, error) {
	return t.fs.Stat(toFs(rel))
}

func (t *AferoTree) Read(rel string) ([]byte, error) {
	return afero.ReadFile(t.fs, toFs(rel))
}

// Write creates missing parent directories one segment at a time, then
// replaces the file through a temp file and rename.
func (t *AferoTree) Write(rel string, data []byte) error {
	rel = utils.NormPath(rel)
	if rel == "" {
		return errors.New("write: empty path")
	}

	for _, dir := range utils.ParentDirs(rel) {
		if err := t.mkdir(dir); err != nil {
			return err
		}
	}

	tmp, err := afero.TempFile(t.fs, toFs(path.Dir(rel)), "."+path.Base(rel)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", rel, err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			t.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp for %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", rel, err)
	}
	if err := t.fs.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", rel, err)
	}
	if err := t.fs.Rename(tmpName, toFs(rel)); err != nil {
		return fmt.Errorf("rename temp to %s: %w", rel, err)
	}

	success = true
	return nil
}

func (t *AferoTree) mkdir(dir string) error {
	err := t.fs.Mkdir(toFs(dir), 0o755)
	if err == nil {
		return nil
	}
	// already exists is fine as long as it is a directory
	info, statErr := t.fs.Stat(toFs(dir))
	if statErr == nil && info.IsDir() {
		return nil
	}
	if statErr == nil {
		return fmt.Errorf("mkdir %s: not a directory", dir)
	}
	return fmt.Errorf("mkdir %s: %w", dir, err)
}

// Rename moves a file, creating the destination's parents.
func (t *AferoTree) Rename(oldRel, newRel string) error {
	for _, dir := range utils.ParentDirs(utils.NormPath(newRel)) {
		if err := t.mkdir(dir); err != nil {
			return err
		}
	}
	if err := t.fs.Rename(toFs(oldRel), toFs(newRel)); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldRel, newRel, err)
	}
	return nil
}

// Delete removes a file. A missing file is not an error.
func (t *AferoTree) Delete(rel string) error {
	err := t.fs.Remove(toFs(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

func toFs(rel string) string {
	return "/" + utils.NormPath(rel)
}

var _ Tree = (*AferoTree)(nil)
