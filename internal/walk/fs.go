package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by Root.
type Entry interface {
	// Path is the slash separated path relative to the walked root.
	Path() string
	// AbsPath is the path prefixed with the root name.
	AbsPath() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Root recursively walks root and yields every regular file in lexical
// order, or an error if file information retrieval fails. Symlinks are not
// followed. A cancelled ctx ends the walk.
func Root(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}
	return FS(ctx, root.FS(), root.Name())
}

// FS is Root for an arbitrary fs.FS; name prefixes AbsPath.
func FS(ctx context.Context, fsys fs.FS, name string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			entry := fsEntry{
				fsys:    fsys,
				abspath: filepath.Join(name, filepath.FromSlash(path)),
				path:    path,
			}
			if err != nil {
				entry.infoErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, entry.infoErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(fsys, ".", fn)
	}
}

type fsEntry struct {
	fsys    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) AbsPath() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.fsys.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
