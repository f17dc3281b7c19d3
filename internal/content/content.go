// Package content is the key-addressed byte store for offline media.
//
// Entries are addressed by a namespaced key derived from the item id
// (see Key). A Put is all-or-nothing: readers never observe a partially
// written entry, and a failed Put leaves any previous entry for the id intact.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

const Namespace = "video-cache"

var (
	ErrNotFound  = errors.New("content not found")
	ErrInvalidID = errors.New("invalid content id")
)

// Key returns the stable content key for an item id.
func Key(id string) string { return Namespace + "/" + id }

// IDFromKey is the inverse of Key.
func IDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, Namespace+"/")
	return id, ok && id != ""
}

// Blob is a readable, seekable stored payload.
type Blob interface {
	io.ReadSeekCloser
	Size() int64
}

type Store interface {
	// Put streams r into the entry for id and returns the bytes written.
	Put(ctx context.Context, id string, r io.Reader) (int64, error)
	Open(id string) (Blob, error)
	Delete(id string) error
	// List returns the ids of committed entries.
	List() ([]string, error)
	Close() error
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// fileName maps an id to a single safe path element.
func fileName(id string) string { return url.PathEscape(id) }

func idFromFileName(name string) (string, bool) {
	id, err := url.PathUnescape(name)
	return id, err == nil
}

// copyChunks copies r to w in chunks of size n, checking ctx between chunks.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, n int) (int64, error) {
	buf := make([]byte, n)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
