package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const backendFile = "file"

// lockRetryDelay is how often a blocked operation retries the document lock.
const lockRetryDelay = 5 * time.Millisecond

// fileDocument is the on-disk layout: origin -> key -> value.
type fileDocument map[string]map[string]string

// File is a KV persisted as one JSON document shared by all origins.
// Each operation re-reads the document so separate processes observe each
// other's writes, the way two tabs of one browser share local storage.
// An advisory lock on a sibling ".lock" file spans every read-modify-write,
// so handles in different processes never overwrite each other's keys.
type File struct {
	mu       sync.Mutex
	lock     *flock.Flock
	path     string
	origin   string
	quota    int
	disabled bool
	closed   bool
}

// NewFile opens a file-backed store for origin. The file and its directory
// are created lazily on the first write.
func NewFile(path, origin string, opts ...Option) (*File, error) {
	if path == "" {
		return nil, newError(backendFile, OpOpen, "", ErrUnavailable, errors.New("empty path"))
	}
	s := applyOptions(opts)
	return &File{
		lock:     flock.New(path + ".lock"),
		path:     path,
		origin:   origin,
		quota:    s.quota,
		disabled: s.disabled,
	}, nil
}

// Path returns the document location.
func (f *File) Path() string { return f.path }

func (f *File) check(op, key string) error {
	switch {
	case f.closed:
		return newError(backendFile, op, key, ErrUnavailable, errClosed)
	case f.disabled:
		return newError(backendFile, op, key, ErrUnavailable, nil)
	}
	return nil
}

// locked runs fn under the document lock: shared for reads, exclusive for
// writes. A read before the directory exists has nothing to lock.
func (f *File) locked(ctx context.Context, op, key string, exclusive bool, fn func() error) error {
	dir := filepath.Dir(f.path)
	if exclusive {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return newError(backendFile, op, key, ErrUnavailable, err)
		}
	} else if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fn()
	}

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = f.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = f.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err == nil && !ok {
		err = errors.New("lock not acquired")
	}
	if err != nil {
		return newError(backendFile, op, key, ErrUnavailable, fmt.Errorf("lock %s: %w", f.lock.Path(), err))
	}
	defer func() {
		// Best-effort unlock; the lock is also released when the handle closes.
		_ = f.lock.Unlock()
	}()
	return fn()
}

// load reads the whole document. A missing file is an empty document.
func (f *File) load(op, key string) (fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileDocument{}, nil
	}
	if err != nil {
		return nil, newError(backendFile, op, key, ErrUnavailable, err)
	}
	doc := fileDocument{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newError(backendFile, op, key, ErrUnavailable, fmt.Errorf("decode %s: %w", f.path, err))
	}
	return doc, nil
}

// save writes the document through a temp file and rename.
func (f *File) save(op, key string, doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, ".divscore-*.tmp")
	if err != nil {
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	defer func() {
		// Best-effort cleanup; a no-op after a successful rename.
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return newError(backendFile, op, key, ErrUnavailable, err)
	}
	return nil
}

// Get implements KV.
func (f *File) Get(ctx context.Context, key string) (_ string, err error) {
	defer observe(backendFile, OpGet, time.Now(), &err)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err = f.check(OpGet, key); err != nil {
		return "", err
	}
	var doc fileDocument
	err = f.locked(ctx, OpGet, key, false, func() error {
		var lerr error
		doc, lerr = f.load(OpGet, key)
		return lerr
	})
	if err != nil {
		return "", err
	}
	v, ok := doc[f.origin][key]
	if !ok {
		err = newError(backendFile, OpGet, key, ErrNotFound, nil)
		return "", err
	}
	return v, nil
}

// Set implements KV.
func (f *File) Set(ctx context.Context, key, value string) (err error) {
	defer observe(backendFile, OpSet, time.Now(), &err)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err = f.check(OpSet, key); err != nil {
		return err
	}
	err = f.locked(ctx, OpSet, key, true, func() error {
		doc, lerr := f.load(OpSet, key)
		if lerr != nil {
			return lerr
		}
		items := doc[f.origin]
		if items == nil {
			items = make(map[string]string)
			doc[f.origin] = items
		}
		if f.quota > 0 && usage(items, key, value, true) > f.quota {
			return newError(backendFile, OpSet, key, ErrQuotaExceeded, nil)
		}
		items[key] = value
		return f.save(OpSet, key, doc)
	})
	return err
}

// Remove implements KV.
func (f *File) Remove(ctx context.Context, key string) (err error) {
	defer observe(backendFile, OpRemove, time.Now(), &err)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err = f.check(OpRemove, key); err != nil {
		return err
	}
	err = f.locked(ctx, OpRemove, key, true, func() error {
		doc, lerr := f.load(OpRemove, key)
		if lerr != nil {
			return lerr
		}
		items, ok := doc[f.origin]
		if !ok {
			return nil
		}
		if _, ok := items[key]; !ok {
			return nil
		}
		delete(items, key)
		if len(items) == 0 {
			delete(doc, f.origin)
		}
		return f.save(OpRemove, key, doc)
	})
	return err
}

// Keys implements KV.
func (f *File) Keys(ctx context.Context) (_ []string, err error) {
	defer observe(backendFile, OpKeys, time.Now(), &err)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err = f.check(OpKeys, ""); err != nil {
		return nil, err
	}
	var doc fileDocument
	err = f.locked(ctx, OpKeys, "", false, func() error {
		var lerr error
		doc, lerr = f.load(OpKeys, "")
		return lerr
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc[f.origin]))
	for k := range doc[f.origin] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Close implements KV.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
