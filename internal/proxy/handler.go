package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/server"
)

// StatusHeader 标记响应由缓存、网络还是透传路径产生。
const StatusHeader = "X-Imgcache-Status"

// Handler 将 Fiber 请求转换为 *http.Request：范围内交给 Orchestrator，范围外直接透传。
type Handler struct {
	orchestrator *Orchestrator
	passthrough  *http.Client
	logger       *logrus.Logger
}

// NewHandler constructs a gateway handler. passthrough should not follow redirects.
func NewHandler(orchestrator *Orchestrator, passthrough *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		passthrough:  passthrough,
		logger:       logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	if target == nil || target.URL == nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_target")
	}
	if target.InScope && h.orchestrator != nil {
		return h.intercept(c, target)
	}
	return h.forward(c, target)
}

func (h *Handler) intercept(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildUpstreamRequest(c, target)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	// 交由 http.Client 协商压缩并透明解压，缓存中只保存明文正文。
	req.Header.Del("Accept-Encoding")

	resp, outcome, err := h.orchestrator.Serve(req)
	if err != nil {
		h.logResult(target, requestID, outcome, 0, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	err = writeResponse(c, resp, outcome, requestID)
	h.logResult(target, requestID, outcome, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) forward(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildUpstreamRequest(c, target)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	client := h.passthrough
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		h.logResult(target, requestID, OutcomeBypass, 0, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	err = writeResponse(c, resp, OutcomeBypass, requestID)
	h.logResult(target, requestID, OutcomeBypass, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildUpstreamRequest 复制方法、正文与可转发的请求头，不附加任何 X-Forwarded-* 头。
func buildUpstreamRequest(c fiber.Ctx, target *server.Target) (*http.Request, error) {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.URL.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	req.Host = target.URL.Host
	return req, nil
}

func writeResponse(c fiber.Ctx, resp *http.Response, outcome Outcome, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(StatusHeader, string(outcome))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	return err
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	target *server.Target,
	requestID string,
	outcome Outcome,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(target.URL.Hostname(), target.URL.Path, "", string(outcome))
	fields["action"] = "proxy"
	fields["upstream"] = target.URL.String()
	fields["upstream_status"] = status
	fields["in_scope"] = target.InScope
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, context.Canceled) {
			h.logger.WithFields(fields).Warn("proxy_canceled")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
