package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const partPrefix = ".part-"

// FS stores each entry as one file under <root>/video-cache/.
// Writes go to a temp file that is renamed into place once complete.
type FS struct {
	dir string
}

func NewFS(root string) (*FS, error) {
	dir := filepath.Join(root, Namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("content dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

func (s *FS) path(id string) string { return filepath.Join(s.dir, fileName(id)) }

func (s *FS) Put(ctx context.Context, id string, r io.Reader) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.dir, partPrefix+"*")
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := copyChunks(ctx, tmp, r, 256<<10)
	if err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		return n, err
	}
	committed = true
	return n, nil
}

type fileBlob struct {
	*os.File
	size int64
}

func (b fileBlob) Size() int64 { return b.size }

func (s *FS) Open(id string) (Blob, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fileBlob{File: f, size: st.Size()}, nil
}

func (s *FS) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FS) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), partPrefix) {
			continue
		}
		if id, ok := idFromFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FS) Close() error { return nil }
