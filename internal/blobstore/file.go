package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// File stores each key as a JSON file inside a directory. Writes go to a
// temp file first and are renamed into place.
type File struct {
	fs    afero.Fs
	dir   string
	mu    sync.Mutex
	lease time.Duration
	clock func() time.Time
}

// NewFile returns a file store rooted at dir on fs. The directory is created
// when missing.
func NewFile(fs afero.Fs, dir string) (*File, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &File{fs: fs, dir: dir, lease: defaultLockLease, clock: time.Now}, nil
}

func (f *File) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (f *File) Put(_ context.Context, key string, value []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	return f.writeFile(path, value)
}

func (f *File) writeFile(path string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := afero.TempFile(f.fs, f.dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = f.fs.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		_ = f.fs.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Lock creates "<key>.lock" next to the blob and keeps its lease fresh. A
// lock file whose lease ran out is removed and claimed again.
func (f *File) Lock(_ context.Context, key string) (func() error, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	lockPath := strings.TrimSuffix(path, ".json") + ".lock"
	owner := uuid.NewString()
	if err := f.claim(lockPath, owner); err != nil {
		return nil, err
	}

	renew := func() error {
		if held, err := f.readLease(lockPath); err != nil || held.Owner != owner {
			return err
		}
		return f.writeFile(lockPath, f.leaseFor(owner))
	}
	release := func() error {
		held, err := f.readLease(lockPath)
		if err != nil || held.Owner != owner {
			return nil
		}
		if err := f.fs.Remove(lockPath); err != nil {
			return fmt.Errorf("release lock file: %w", err)
		}
		return nil
	}
	return holdLease(f.lease/3, renew, release), nil
}

func (f *File) leaseFor(owner string) []byte {
	data, _ := json.Marshal(lockLease{Owner: owner, Expires: f.clock().Add(f.lease).UTC()})
	return data
}

func (f *File) claim(lockPath, owner string) error {
	for attempt := 0; attempt < 2; attempt++ {
		file, err := f.fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := file.Write(f.leaseFor(owner))
			if cerr := file.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = f.fs.Remove(lockPath)
				return fmt.Errorf("write lock file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}

		expires, err := f.leaseExpiry(lockPath)
		if err != nil {
			return err
		}
		if f.clock().Before(expires) {
			return lockedUntil(lockPath, expires)
		}
		_ = f.fs.Remove(lockPath)
	}
	return fmt.Errorf("%w: %s", ErrLocked, lockPath)
}

// leaseExpiry falls back to the file's age while a fresh lock file has not
// been written yet.
func (f *File) leaseExpiry(lockPath string) (time.Time, error) {
	if held, err := f.readLease(lockPath); err == nil {
		return held.Expires, nil
	}
	info, err := f.fs.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("stat lock file: %w", err)
	}
	return info.ModTime().Add(f.lease), nil
}

func (f *File) readLease(lockPath string) (lockLease, error) {
	var held lockLease
	data, err := afero.ReadFile(f.fs, lockPath)
	if err != nil {
		return held, err
	}
	if err := json.Unmarshal(data, &held); err != nil {
		return held, err
	}
	return held, nil
}

func (f *File) Close() error { return nil }
