package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sigs.k8s.io/yaml"

	"github.com/volumania/volumania/internal/autoscaler"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int                 `json:"version"`
	Policies []autoscaler.Policy `json:"policies"`
}

var _ autoscaler.Store = (*File)(nil)

// File keeps policies in memory and writes a YAML snapshot after every change.
type File struct {
	*Memory

	mu   sync.Mutex
	path string
}

// OpenFile loads the snapshot at path. A missing file starts an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has unsupported version %d", path, snap.Version)
	}
	f.replace(snap.Policies)
	return f, nil
}

func (f *File) Put(ctx context.Context, p autoscaler.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, err := f.Memory.List(ctx)
	if err != nil {
		return err
	}
	if err := f.Memory.Put(ctx, p); err != nil {
		return err
	}
	if err := f.save(ctx); err != nil {
		f.replace(prev)
		return err
	}
	return nil
}

func (f *File) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, err := f.Memory.List(ctx)
	if err != nil {
		return false, err
	}
	ok, err := f.Memory.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if err := f.save(ctx); err != nil {
		f.replace(prev)
		return false, err
	}
	return true, nil
}

// save writes the snapshot through a temporary file so readers never see a partial write.
func (f *File) save(ctx context.Context) error {
	all, err := f.Memory.List(ctx)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(snapshot{Version: snapshotVersion, Policies: all})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
