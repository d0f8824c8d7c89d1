package proxy

import (
	"net/http"

	"github.com/any-hub/imgcache/internal/scope"
	"github.com/any-hub/imgcache/internal/server"
)

// Transport 是进程内的拦截入口：范围内的请求交给 Orchestrator，其余请求原样交给 Base。
// Orchestrator 的 Fetcher 应指向 Base（见 RoundTripperFetcher），否则会形成递归。
type Transport struct {
	Base         http.RoundTripper
	Matcher      scope.Matcher
	Orchestrator *Orchestrator
	// Controller 为空时视为已接管。
	Controller server.Controller
}

// RoundTripperFetcher 将 http.RoundTripper 适配为 Fetcher。
func RoundTripperFetcher(rt http.RoundTripper) Fetcher {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return FetcherFunc(rt.RoundTrip)
}

// RoundTrip 实现 http.RoundTripper。回源失败且无旧副本时返回原始错误。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.intercepts(req) {
		return t.base().RoundTrip(req)
	}
	resp, _, err := t.Orchestrator.Serve(req)
	return resp, err
}

func (t *Transport) intercepts(req *http.Request) bool {
	if t.Orchestrator == nil || req == nil {
		return false
	}
	if t.Controller != nil && !t.Controller.Controlling() {
		return false
	}
	return t.Matcher.InScope(req.URL)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
