package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/freshness"
	"github.com/any-hub/imgcache/internal/logging"
)

// Outcome 描述一次拦截请求最终由哪条路径响应，同时作为 X-Imgcache-Status 的取值。
type Outcome string

const (
	OutcomeFresh    Outcome = "fresh"
	OutcomeFetched  Outcome = "fetched"
	OutcomeStale    Outcome = "stale"
	OutcomeUncached Outcome = "uncached"
	OutcomeBypass   Outcome = "bypass"
)

const defaultWriteTimeout = 10 * time.Second

// Fetcher 执行真正的网络请求，*http.Client 直接满足该接口。
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// FetcherFunc 将函数适配为 Fetcher，常用于包装 http.RoundTripper.RoundTrip。
type FetcherFunc func(*http.Request) (*http.Response, error)

// Do 实现 Fetcher。
func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Options 汇总构造 Orchestrator 所需的依赖。
type Options struct {
	Registry cache.Registry
	Version  string
	// Evaluator 的零值使用默认 TTL。
	Evaluator freshness.Evaluator
	Fetcher   Fetcher
	Logger    *logrus.Logger
	// WriteTimeout 限制单次后台写入的耗时，<=0 时使用 10s。
	WriteTimeout time.Duration
	// Coalesce 为 true 时，同一 key 的并发回源合并为一次网络请求。
	Coalesce bool
	// Now 用于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Orchestrator 实现 “查缓存 → 判定新鲜度 → 回源 → 后台写入 / 失败回退旧副本” 的状态机。
// 除后台写入外不持有任何跨请求状态，可被多个 goroutine 并发使用。
type Orchestrator struct {
	registry     cache.Registry
	version      string
	evaluator    freshness.Evaluator
	fetcher      Fetcher
	logger       *logrus.Logger
	writeTimeout time.Duration
	now          func() time.Time

	group   *singleflight.Group
	pending sync.WaitGroup
}

// NewOrchestrator 校验依赖并构造 Orchestrator。
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	o := &Orchestrator{
		registry:     opts.Registry,
		version:      opts.Version,
		evaluator:    opts.Evaluator,
		fetcher:      opts.Fetcher,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
	if o.version == "" {
		o.version = cache.CurrentVersion
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = defaultWriteTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	if opts.Coalesce {
		o.group = &singleflight.Group{}
	}
	return o, nil
}

// Serve 处理一个拦截范围内的请求。只有在回源失败且没有任何缓存副本时才返回 error，
// 且该 error 即为回源时的原始错误。
func (o *Orchestrator) Serve(req *http.Request) (*http.Response, Outcome, error) {
	key, err := cache.KeyFor(req)
	if err != nil {
		// 非 GET 请求既不查缓存也不写缓存。
		resp, fetchErr := o.fetcher.Do(req)
		if fetchErr != nil {
			o.logFetchFailed(req, "", fetchErr)
			return nil, OutcomeUncached, fetchErr
		}
		return resp, OutcomeUncached, nil
	}

	stored := o.lookup(req.Context(), key)
	state := o.evaluator.Evaluate(stored, o.now())
	if state == freshness.Fresh {
		o.logOutcome(req, key, OutcomeFresh).Debug("cache_hit")
		return stored.Response(req), OutcomeFresh, nil
	}
	o.logOutcome(req, key, "").WithField("state", state.String()).Debug("cache_miss")

	snapshot, err := o.fetch(req, key)
	if err != nil {
		if stored != nil {
			o.logOutcome(req, key, OutcomeStale).WithError(err).Warn("serve_stale")
			return stored.Response(req), OutcomeStale, nil
		}
		o.logFetchFailed(req, key.String(), err)
		return nil, OutcomeUncached, err
	}

	if snapshot.StatusCode != http.StatusOK {
		o.logOutcome(req, key, OutcomeUncached).WithField("status", snapshot.StatusCode).Info("fetch_not_cached")
		return snapshot.Response(req), OutcomeUncached, nil
	}
	o.logOutcome(req, key, OutcomeFetched).Info("fetch_complete")
	return snapshot.Response(req), OutcomeFetched, nil
}

// Drain 阻塞直到所有已发起的后台写入结束。
func (o *Orchestrator) Drain() {
	o.pending.Wait()
}

// lookup 读取当前版本库中的条目，任何存储错误都按“不存在”处理。
func (o *Orchestrator) lookup(ctx context.Context, key cache.Key) *cache.StoredResponse {
	store, err := o.registry.Open(ctx, o.version)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_lookup",
			"key":    key.String(),
		}).Warn("cache_open_failed")
		return nil
	}
	stored, err := store.Get(ctx, key)
	switch {
	case err == nil:
		return stored
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		o.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_lookup",
			"key":    key.String(),
		}).Warn("cache_get_failed")
		return nil
	}
}

// fetch 回源并缓冲完整响应；200 响应会在后台写入当前版本库。
// 正文读取失败与网络失败同等对待。
func (o *Orchestrator) fetch(req *http.Request, key cache.Key) (*cache.StoredResponse, error) {
	if o.group == nil {
		return o.fetchAndStore(req, key)
	}
	value, err, _ := o.group.Do(key.String(), func() (interface{}, error) {
		return o.fetchAndStore(req, key)
	})
	if err != nil {
		return nil, err
	}
	return value.(*cache.StoredResponse), nil
}

func (o *Orchestrator) fetchAndStore(req *http.Request, key cache.Key) (*cache.StoredResponse, error) {
	resp, err := o.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snapshot, err := cache.Snapshot(resp)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if snapshot.StatusCode == http.StatusOK {
		o.storeAsync(req.Context(), key, snapshot.Stamp(o.now()))
	}
	return snapshot, nil
}

// storeAsync 在独立 goroutine 中写入缓存，不受请求取消影响，仅受 writeTimeout 约束。
func (o *Orchestrator) storeAsync(parent context.Context, key cache.Key, stamped *cache.StoredResponse) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.writeTimeout)
		defer cancel()

		store, err := o.registry.Open(ctx, o.version)
		if err == nil {
			err = store.Put(ctx, key, stamped)
		}
		if err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_write",
				"key":    key.String(),
			}).Warn("cache_write_failed")
		}
	}()
}

func (o *Orchestrator) logOutcome(req *http.Request, key cache.Key, outcome Outcome) *logrus.Entry {
	fields := logging.RequestFields(req.URL.Hostname(), req.URL.Path, key.String(), string(outcome))
	fields["action"] = "cache"
	return o.logger.WithFields(fields)
}

func (o *Orchestrator) logFetchFailed(req *http.Request, key string, err error) {
	fields := logging.RequestFields(req.URL.Hostname(), req.URL.Path, key, string(OutcomeUncached))
	fields["action"] = "fetch"
	o.logger.WithError(err).WithFields(fields).Error("fetch_failed")
}
