package routes

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/scope"
)

// CacheState 暴露生命周期的只读视图，lifecycle.Manager 满足该接口。
type CacheState interface {
	Version() string
	Controlling() bool
}

// CacheInfo 汇总 /-/caches 需要的依赖。
type CacheInfo struct {
	Registry cache.Registry
	State    CacheState
	Matcher  scope.Matcher
	TTL      time.Duration
}

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，供运维确认当前版本与残留缓存库。
func RegisterCacheRoutes(app *fiber.App, info CacheInfo) {
	if app == nil || info.Registry == nil || info.State == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := info.Registry.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(encodeCaches(info, names))
	})
}

type cachesPayload struct {
	Current     string         `json:"current"`
	Controlling bool           `json:"controlling"`
	TTLSeconds  int64          `json:"ttl_seconds"`
	Scope       scopePayload   `json:"scope"`
	Stores      []storePayload `json:"stores"`
}

type scopePayload struct {
	Host    string   `json:"host"`
	Markers []string `json:"markers"`
}

type storePayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

func encodeCaches(info CacheInfo, names []string) cachesPayload {
	current := info.State.Version()
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	stores := make([]storePayload, 0, len(sorted))
	for _, name := range sorted {
		stores = append(stores, storePayload{Name: name, Current: name == current})
	}
	return cachesPayload{
		Current:     current,
		Controlling: info.State.Controlling(),
		TTLSeconds:  int64(info.TTL / time.Second),
		Scope: scopePayload{
			Host:    info.Matcher.Host,
			Markers: append([]string(nil), info.Matcher.Markers...),
		},
		Stores: stores,
	}
}
