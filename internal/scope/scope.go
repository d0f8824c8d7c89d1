// Package scope 判定一个出站请求是否属于图片缓存的拦截范围。
package scope

import (
	"net/url"
	"strings"
)

// 允许缓存的主机与路径片段，编译期固定。
const (
	DefaultHost     = "drive.google.com"
	ThumbnailMarker = "/thumbnail"
	ContentMarker   = "/uc"
)

// Matcher 是纯函数式的分类器：主机完全相等且路径包含任一片段即在范围内。
type Matcher struct {
	Host    string
	Markers []string
}

// Default 返回内置的 drive.google.com 图片规则。
func Default() Matcher {
	return Matcher{
		Host:    DefaultHost,
		Markers: []string{ThumbnailMarker, ContentMarker},
	}
}

// InScope 判断 u 是否需要走缓存逻辑。路径使用子串匹配而非完整语法匹配。
func (m Matcher) InScope(u *url.URL) bool {
	if u == nil || m.Host == "" {
		return false
	}
	if u.Hostname() != m.Host {
		return false
	}
	for _, marker := range m.Markers {
		if marker != "" && strings.Contains(u.Path, marker) {
			return true
		}
	}
	return false
}
