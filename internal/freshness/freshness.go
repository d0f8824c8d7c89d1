// Package freshness decides whether a stored image is still usable.
package freshness

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/imgcache/internal/cache"
)

// TTL 是图片缓存的固定有效期（7 天）。
const TTL = 7 * 24 * time.Hour

// State 是一次新鲜度判定的结果。
type State int

const (
	Absent State = iota
	Fresh
	Expired
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TimestampParseError 表示 sw-cached-date 缺失或无法解析。
type TimestampParseError struct {
	Value string
	Err   error
}

func (e *TimestampParseError) Error() string {
	if e.Value == "" {
		return "cached date header missing"
	}
	return fmt.Sprintf("parse cached date %q: %v", e.Value, e.Err)
}

func (e *TimestampParseError) Unwrap() error {
	return e.Err
}

// Evaluator 根据 TTL 给出 Absent/Fresh/Expired 判定，零值使用默认 TTL。
type Evaluator struct {
	ttl time.Duration
}

// NewEvaluator 构造指定 TTL 的判定器，ttl <= 0 时回退到 TTL。
func NewEvaluator(ttl time.Duration) Evaluator {
	if ttl <= 0 {
		ttl = TTL
	}
	return Evaluator{ttl: ttl}
}

// TTL 返回当前判定器使用的有效期。
func (e Evaluator) TTL() time.Duration {
	if e.ttl <= 0 {
		return TTL
	}
	return e.ttl
}

// Evaluate 判定 stored 在 now 时刻的状态。时间戳缺失或无法解析时一律视为 Expired。
func (e Evaluator) Evaluate(stored *cache.StoredResponse, now time.Time) State {
	if stored == nil {
		return Absent
	}
	cachedAt, err := CachedAt(stored.Header)
	if err != nil {
		return Expired
	}
	if now.Sub(cachedAt) < e.TTL() {
		return Fresh
	}
	return Expired
}

// CachedAt 解析条目的写入时间。
func CachedAt(header http.Header) (time.Time, error) {
	raw := strings.TrimSpace(header.Get(cache.CachedDateHeader))
	if raw == "" {
		return time.Time{}, &TimestampParseError{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &TimestampParseError{Value: raw, Err: err}
	}
	return parsed, nil
}
