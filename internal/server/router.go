package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/scope"
)

// Target is the upstream resource a gateway request resolves to.
type Target struct {
	// URL is the absolute upstream URL built from the scheme, Host header and request URI.
	URL *url.URL
	// InScope is true when the request matches the interception rules and the
	// lifecycle manager has claimed control.
	InScope bool
}

// Controller reports whether the current process has claimed request handling.
type Controller interface {
	Controlling() bool
}

// ProxyHandler describes the component responsible for answering a resolved
// target. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	// Matcher defaults to scope.Default() when Host is empty.
	Matcher scope.Matcher
	// Controller may be nil, in which case interception is always active.
	Controller     Controller
	Proxy          ProxyHandler
	UpstreamScheme string
	ListenPort     int
}

const (
	contextKeyTarget    = "_imgcache_target"
	contextKeyRequestID = "_imgcache_request_id"
)

// NewApp builds a Fiber application with target resolution middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.UpstreamScheme == "" {
		opts.UpstreamScheme = "https"
	}
	if opts.UpstreamScheme != "http" && opts.UpstreamScheme != "https" {
		return nil, fmt.Errorf("invalid upstream scheme: %s", opts.UpstreamScheme)
	}
	if opts.Matcher.Host == "" {
		opts.Matcher = scope.Default()
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		target, ok := getTargetFromContext(c)
		if !ok {
			return renderBadTarget(c, opts.Logger, "", "host_required")
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host 头与请求 URI 还原上游目标。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		host := normalizeHost(getHostHeader(c), opts.ListenPort)
		if host == "" {
			return renderBadTarget(c, opts.Logger, host, "host_required")
		}

		target, err := buildTarget(opts.UpstreamScheme, host, string(c.Request().RequestURI()))
		if err != nil {
			return renderBadTarget(c, opts.Logger, host, "invalid_target")
		}
		target.InScope = opts.Matcher.InScope(target.URL) &&
			(opts.Controller == nil || opts.Controller.Controlling())

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func buildTarget(scheme, host, requestURI string) (*Target, error) {
	if requestURI == "" {
		requestURI = "/"
	}
	if !strings.HasPrefix(requestURI, "/") {
		// 绝对形式（正向代理）的请求行：以其中的路径为准，主机仍取自 Host 头。
		abs, err := url.Parse(requestURI)
		if err != nil || abs.Scheme == "" {
			return nil, fmt.Errorf("unsupported request uri: %s", requestURI)
		}
		requestURI = abs.RequestURI()
	}
	u, err := url.Parse(scheme + "://" + host + requestURI)
	if err != nil {
		return nil, err
	}
	return &Target{URL: u}, nil
}

// normalizeHost lowercases the host and drops the gateway's own port so the
// upstream URL uses the scheme default.
func normalizeHost(raw string, listenPort int) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}
	name, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == strconv.Itoa(listenPort) {
		if strings.Contains(name, ":") {
			return "[" + name + "]"
		}
		return name
	}
	return host
}

func renderBadTarget(c fiber.Ctx, logger *logrus.Logger, host, code string) error {
	logger.WithFields(logrus.Fields{
		"action": "resolve_target",
		"host":   host,
		"uri":    string(c.Request().RequestURI()),
	}).Warn(code)

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": code,
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getTargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
