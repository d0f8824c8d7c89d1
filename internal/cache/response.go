package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CachedDateHeader 记录条目写入缓存的时间（ISO-8601，UTC，毫秒精度）。
const CachedDateHeader = "sw-cached-date"

const cachedDateLayout = "2006-01-02T15:04:05.000Z07:00"

// StoredResponse 是一次成功上游响应的不可变快照。
type StoredResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Snapshot 读取 resp 的完整正文并复制头部，生成可写入缓存的快照。
// 调用方仍负责关闭 resp.Body。
func Snapshot(resp *http.Response) (*StoredResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &StoredResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// Stamp 返回带有 sw-cached-date 头的副本，已有同名头会被覆盖。
func (s *StoredResponse) Stamp(now time.Time) *StoredResponse {
	clone := s.clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Header.Set(CachedDateHeader, FormatCachedDate(now))
	return clone
}

// FormatCachedDate 按缓存头约定格式化时间。
func FormatCachedDate(t time.Time) string {
	return t.UTC().Format(cachedDateLayout)
}

// Response 基于快照构造一个新的 *http.Response，每次调用都拥有独立的 Body。
func (s *StoredResponse) Response(req *http.Request) *http.Response {
	text := s.StatusText
	if text == "" {
		text = http.StatusText(s.StatusCode)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, text),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func (s *StoredResponse) clone() *StoredResponse {
	return &StoredResponse{
		StatusCode: s.StatusCode,
		StatusText: s.StatusText,
		Header:     s.Header.Clone(),
		Body:       append([]byte(nil), s.Body...),
	}
}

// encodeResponse 将快照序列化为 HTTP/1.1 响应报文。
func encodeResponse(s *StoredResponse) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := s.Response(nil).Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeResponse 是 encodeResponse 的逆过程。
func decodeResponse(raw []byte) (*StoredResponse, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	defer resp.Body.Close()
	stored, err := Snapshot(resp)
	if err != nil {
		return nil, fmt.Errorf("decode stored body: %w", err)
	}
	return stored, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(resp.Status)
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return strings.TrimSpace(strings.TrimPrefix(text, strconv.Itoa(resp.StatusCode)))
}
