package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// CurrentVersion 是当前缓存代际的版本标签，修改它即可整体废弃旧缓存。
const CurrentVersion = "liga1-images-v2"

// Registry 管理按名称区分的缓存库（一个版本标签对应一个库）。
// 所有实现都必须支持并发调用。
type Registry interface {
	// Open 打开名为 name 的缓存库，不存在时自动创建。
	Open(ctx context.Context, name string) (Store, error)

	// Names 列出当前存在的全部缓存库名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存库，返回该库此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Store 是单个缓存库的读写视图。条目以 Key 定位，写入即覆盖。
type Store interface {
	Name() string

	// Get 返回 key 对应的快照；不存在时返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*StoredResponse, error)

	// Put 以不可变快照的形式写入响应，覆盖同 key 的旧条目。
	Put(ctx context.Context, key Key, resp *StoredResponse) error
}

// Key 唯一标识一个缓存资源（请求方法 + 完整 URL）。
type Key struct {
	Method string
	URL    string
}

// KeyFor 从请求推导缓存键。仅 GET 请求可以缓存，其余方法返回 ErrUnsupportedMethod。
func KeyFor(req *http.Request) (Key, error) {
	if req == nil || req.URL == nil {
		return Key{}, errors.New("request url required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return Key{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return Key{Method: method, URL: req.URL.String()}, nil
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrUnsupportedMethod 表示请求方法不能作为缓存键。
var ErrUnsupportedMethod = errors.New("request method not cacheable")

// StorageError 描述一次底层存储操作失败，Op 为 open/get/put/list/delete。
type StorageError struct {
	Op    string
	Store string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op, store string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Store: store, Err: err}
}

func validateStoreName(name string) error {
	if name == "" {
		return errors.New("store name required")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}
