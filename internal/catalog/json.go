package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"vod-engine/pkg/types"
)

// JSONIndex keeps the records as a flat JSON list in one file.
type JSONIndex struct {
	mu   sync.Mutex
	path string
}

func NewJSONIndex(path string) (*JSONIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &JSONIndex{path: path}, nil
}

// read treats a missing or malformed file as an empty list.
func (x *JSONIndex) read() ([]types.OfflineAsset, error) {
	raw, err := os.ReadFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []types.OfflineAsset
	if err := json.Unmarshal(raw, &list); err != nil {
		log.Printf("[offline] index %s unreadable, treating as empty: %v", x.path, err)
		return nil, nil
	}
	return list, nil
}

func (x *JSONIndex) write(list []types.OfflineAsset) error {
	if list == nil {
		list = []types.OfflineAsset{}
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(x.path), ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), x.path)
}

func (x *JSONIndex) Load(_ context.Context) ([]types.OfflineAsset, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.read()
}

func (x *JSONIndex) Put(_ context.Context, a types.OfflineAsset) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	list, err := x.read()
	if err != nil {
		return err
	}
	list = append(without(list, a.ID), a)
	return x.write(list)
}

func (x *JSONIndex) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	list, err := x.read()
	if err != nil {
		return err
	}
	next := without(list, id)
	if len(next) == len(list) {
		return nil
	}
	return x.write(next)
}

func (x *JSONIndex) Close() error { return nil }

func without(list []types.OfflineAsset, id string) []types.OfflineAsset {
	out := list[:0:0]
	for _, a := range list {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
