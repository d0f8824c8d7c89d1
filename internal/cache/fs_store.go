package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NewFSRegistry 以 basePath 为根目录构建磁盘缓存，每个缓存库占用一个子目录：
//
//	<basePath>/<escaped store name>/<sha1[:2]>/<sha1>.http
func NewFSRegistry(basePath string) (Registry, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsRegistry{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fsRegistry 通过 entryLock 避免同一条目并发写入，所有缓存库共享锁表。
type fsRegistry struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsStore struct {
	registry *fsRegistry
	name     string
	dir      string
}

func (r *fsRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("open", name, err)
	}
	if err := validateStoreName(name); err != nil {
		return nil, storageError("open", name, err)
	}
	dir := r.storeDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError("open", name, err)
	}
	return &fsStore{registry: r, name: name, dir: dir}, nil
}

func (r *fsRegistry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("list", "", err)
	}
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, storageError("list", "", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *fsRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageError("delete", name, err)
	}
	if err := validateStoreName(name); err != nil {
		return false, storageError("delete", name, err)
	}
	dir := r.storeDir(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storageError("delete", name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, storageError("delete", name, err)
	}
	return true, nil
}

func (r *fsRegistry) Close() error {
	return nil
}

func (r *fsRegistry) storeDir(name string) string {
	return filepath.Join(r.basePath, url.PathEscape(name))
}

func (s *fsStore) Name() string {
	return s.name
}

func (s *fsStore) Get(ctx context.Context, key Key) (*StoredResponse, error) {
	select {
	case <-ctx.Done():
		return nil, storageError("get", s.name, ctx.Err())
	default:
	}

	raw, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, storageError("get", s.name, err)
	}
	stored, err := decodeResponse(raw)
	if err != nil {
		return nil, storageError("get", s.name, err)
	}
	return stored, nil
}

func (s *fsStore) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	payload, err := encodeResponse(resp)
	if err != nil {
		return storageError("put", s.name, err)
	}

	unlock := s.registry.lockEntry(s.name + "::" + key.String())
	defer unlock()

	filePath := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return storageError("put", s.name, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return storageError("put", s.name, err)
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(payload))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return storageError("put", s.name, err)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return storageError("put", s.name, err)
	}
	return nil
}

func (s *fsStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	digest := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, digest[:2], digest+".http")
}

func (r *fsRegistry) lockEntry(key string) func() {
	r.mu.Lock()
	lock := r.locks[key]
	if lock == nil {
		lock = &entryLock{}
		r.locks[key] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
