package content

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	headsBucket = []byte(Namespace + "/heads")
	dataBucket  = []byte(Namespace + "/data")
)

// head points an id at its committed generation.
type head struct {
	Gen       string `json:"gen"`
	Size      int64  `json:"size"`
	ChunkSize int    `json:"chunkSize"`
}

// Bolt stores entries as fixed-size chunks in a bbolt file.
//
// Each Put writes its chunks into a fresh generation bucket, one write
// transaction per chunk, so memory stays bounded by the chunk size. The
// final transaction swaps the id's head to the new generation and drops
// the old one. Generations that never got a head are swept on open.
type Bolt struct {
	db        *bolt.DB
	chunkSize int
}

func OpenBolt(path string, chunkSize int) (*Bolt, error) {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	s := &Bolt{db: db, chunkSize: chunkSize}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Bolt) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		heads, err := tx.CreateBucketIfNotExists(headsBucket)
		if err != nil {
			return err
		}
		data, err := tx.CreateBucketIfNotExists(dataBucket)
		if err != nil {
			return err
		}
		live := map[string]bool{}
		if err := heads.ForEach(func(_, v []byte) error {
			var h head
			if json.Unmarshal(v, &h) == nil {
				live[h.Gen] = true
			}
			return nil
		}); err != nil {
			return err
		}
		var stale [][]byte
		if err := data.ForEach(func(k, v []byte) error {
			if v == nil && !live[string(k)] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			log.Printf("[offline] sweeping uncommitted generation %s", k)
			if err := data.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func chunkKey(i int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func (s *Bolt) Put(ctx context.Context, id string, r io.Reader) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	gen := id + "#" + strconv.FormatInt(time.Now().UnixNano(), 36)
	committed := false
	defer func() {
		if !committed {
			_ = s.db.Update(func(tx *bolt.Tx) error {
				_ = tx.Bucket(dataBucket).DeleteBucket([]byte(gen))
				return nil
			})
		}
	}()

	buf := make([]byte, s.chunkSize)
	var written, idx int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			err := s.db.Update(func(tx *bolt.Tx) error {
				b, err := tx.Bucket(dataBucket).CreateBucketIfNotExists([]byte(gen))
				if err != nil {
					return err
				}
				return b.Put(chunkKey(idx), chunk)
			})
			if err != nil {
				return written, err
			}
			written += int64(n)
			idx++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		heads := tx.Bucket(headsBucket)
		data := tx.Bucket(dataBucket)
		if _, err := data.CreateBucketIfNotExists([]byte(gen)); err != nil {
			return err
		}
		if old := heads.Get([]byte(id)); old != nil {
			var h head
			if json.Unmarshal(old, &h) == nil && h.Gen != gen {
				if err := data.DeleteBucket([]byte(h.Gen)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
					return err
				}
			}
		}
		raw, err := json.Marshal(head{Gen: gen, Size: written, ChunkSize: s.chunkSize})
		if err != nil {
			return err
		}
		return heads.Put([]byte(id), raw)
	})
	if err != nil {
		return written, err
	}
	committed = true
	return written, nil
}

func (s *Bolt) head(id string) (head, error) {
	var h head
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(headsBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &h)
	})
	return h, err
}

func (s *Bolt) Open(id string) (Blob, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	h, err := s.head(id)
	if err != nil {
		return nil, err
	}
	return &boltBlob{db: s.db, h: h}, nil
}

func (s *Bolt) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		heads := tx.Bucket(headsBucket)
		raw := heads.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var h head
		if err := json.Unmarshal(raw, &h); err == nil {
			if err := tx.Bucket(dataBucket).DeleteBucket([]byte(h.Gen)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return heads.Delete([]byte(id))
	})
}

func (s *Bolt) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(headsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Bolt) Close() error { return s.db.Close() }

// boltBlob reads chunks lazily, one read transaction per Read call.
// A concurrent Put for the same id drops this generation; reads then fail
// with ErrNotFound.
type boltBlob struct {
	db  *bolt.DB
	h   head
	off int64
}

func (b *boltBlob) Size() int64 { return b.h.Size }

func (b *boltBlob) Read(p []byte) (int, error) {
	if b.off >= b.h.Size {
		return 0, io.EOF
	}
	cs := int64(b.h.ChunkSize)
	idx := b.off / cs
	within := b.off % cs
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		gb := tx.Bucket(dataBucket).Bucket([]byte(b.h.Gen))
		if gb == nil {
			return ErrNotFound
		}
		chunk := gb.Get(chunkKey(idx))
		if chunk == nil || int64(len(chunk)) <= within {
			return io.ErrUnexpectedEOF
		}
		n = copy(p, chunk[within:])
		return nil
	})
	b.off += int64(n)
	return n, err
}

func (b *boltBlob) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = b.h.Size + offset
	default:
		return 0, errors.New("bolt blob: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("bolt blob: negative position")
	}
	b.off = abs
	return abs, nil
}

func (b *boltBlob) Close() error { return nil }

// compile-time checks
var (
	_ Store = (*Bolt)(nil)
	_ Store = (*FS)(nil)
)
