// Package lifecycle performs per-process cache activation: remove stores left
// behind by older version tags, then claim request handling.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/imgcache/internal/cache"
)

// maxConcurrentDeletes 限制清理旧缓存库时的并发度。
const maxConcurrentDeletes = 4

// Manager 负责安装、激活与接管。激活前 Controlling 恒为 false。
type Manager struct {
	registry cache.Registry
	version  string
	logger   *logrus.Logger

	controlling atomic.Bool
}

// Report 汇总一次激活的清理结果。
type Report struct {
	Kept    []string
	Deleted []string
	Failed  map[string]error
	// ListErr 非空表示未能列出缓存库，本次未做任何清理。
	ListErr error
}

// New 构造 Manager，version 为当前版本标签。
func New(registry cache.Registry, version string, logger *logrus.Logger) *Manager {
	return &Manager{
		registry: registry,
		version:  version,
		logger:   logger,
	}
}

// Version 返回当前版本标签。
func (m *Manager) Version() string {
	return m.version
}

// Install 记录安装事件。新实例不等待旧实例退出，直接进入激活。
func (m *Manager) Install() {
	m.logger.WithFields(logrus.Fields{
		"action":  "install",
		"version": m.version,
	}).Info("cache_install")
}

// Activate 先删除所有非当前版本的缓存库，全部删除结束（无论成败）后再接管请求。
// 单个库删除失败互不影响，也不会阻止接管。
func (m *Manager) Activate(ctx context.Context) Report {
	m.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"version": m.version,
	}).Info("cache_activate")

	report := m.cleanup(ctx)
	m.claim()
	return report
}

// Controlling 表示当前实例是否已经接管拦截范围内的请求。
func (m *Manager) Controlling() bool {
	return m.controlling.Load()
}

func (m *Manager) cleanup(ctx context.Context) Report {
	report := Report{Failed: map[string]error{}}

	names, err := m.registry.Names(ctx)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "activate",
		}).Warn("cache_list_failed")
		report.ListErr = err
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxConcurrentDeletes)

	for _, name := range names {
		if name == m.version {
			report.Kept = append(report.Kept, name)
			continue
		}
		name := name // 保持 Go 1.22+ 的逐次迭代变量语义
		g.Go(func() error {
			fields := logrus.Fields{"action": "delete_store", "store": name}
			m.logger.WithFields(fields).Info("deleting old cache")

			_, err := m.registry.Delete(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				m.logger.WithError(err).WithFields(fields).Warn("cache_delete_failed")
				return nil
			}
			report.Deleted = append(report.Deleted, name)
			return nil
		})
	}
	// 所有 goroutine 都返回 nil，Wait 只用于等待全部删除结束。
	_ = g.Wait()
	return report
}

func (m *Manager) claim() {
	m.controlling.Store(true)
	m.logger.WithFields(logrus.Fields{
		"action":  "claim",
		"version": m.version,
	}).Info("cache_claimed")
}
