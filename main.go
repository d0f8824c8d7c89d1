package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/freshness"
	"github.com/any-hub/imgcache/internal/lifecycle"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/proxy"
	"github.com/any-hub/imgcache/internal/scope"
	"github.com/any-hub/imgcache/internal/server"
	"github.com/any-hub/imgcache/internal/server/routes"
	"github.com/any-hub/imgcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage"] = cfg.StorageSummary()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := newService(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = cfg.StorageSummary()
	fields["cache_version"] = svc.manager.Version()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imgcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMGCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 持有一次进程运行期间共享的缓存库、生命周期与 Fiber 应用。
type service struct {
	app          *fiber.App
	registry     cache.Registry
	manager      *lifecycle.Manager
	orchestrator *proxy.Orchestrator
	logger       *logrus.Logger
}

// newService 遵循“缓存库 → 安装/激活 → Orchestrator → Fiber app”顺序，
// 保证开始监听前旧版本缓存已清理且已接管请求。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	registry, err := cache.OpenRegistry(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	manager := lifecycle.New(registry, cache.CurrentVersion, logger)
	manager.Install()
	manager.Activate(ctx)

	evaluator := freshness.NewEvaluator(freshness.TTL)
	orchestrator, err := proxy.NewOrchestrator(proxy.Options{
		Registry:     registry,
		Version:      manager.Version(),
		Evaluator:    evaluator,
		Fetcher:      server.NewUpstreamClient(cfg),
		Logger:       logger,
		WriteTimeout: cfg.Global.CacheWriteTimeout.DurationValue(),
		Coalesce:     cfg.Global.CoalesceFetches,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	matcher := scope.Default()
	handler := proxy.NewHandler(orchestrator, server.NewPassthroughClient(cfg), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Matcher:        matcher,
		Controller:     manager,
		Proxy:          proxy.NewForwarder(handler, logger),
		UpstreamScheme: cfg.Global.UpstreamScheme,
		ListenPort:     cfg.Global.ListenPort,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	routes.RegisterCacheRoutes(app, routes.CacheInfo{
		Registry: registry,
		State:    manager,
		Matcher:  matcher,
		TTL:      evaluator.TTL(),
	})

	return &service{
		app:          app,
		registry:     registry,
		manager:      manager,
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// serve 监听端口直到收到 SIGINT/SIGTERM，随后关闭 Fiber、等待后台写入并释放存储。
func (s *service) serve(port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	s.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号")
	shutdownErr := s.app.ShutdownWithTimeout(shutdownTimeout)
	if err := <-errCh; err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return errors.Join(shutdownErr, s.close())
}

func (s *service) close() error {
	s.orchestrator.Drain()
	if err := s.registry.Close(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "shutdown"}).Warn("cache_close_failed")
		return err
	}
	return nil
}
