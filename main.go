package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/field-inspector/offline-agent/internal/agent"
	"github.com/field-inspector/offline-agent/internal/cache"
	"github.com/field-inspector/offline-agent/internal/config"
	"github.com/field-inspector/offline-agent/internal/lifecycle"
	"github.com/field-inspector/offline-agent/internal/logging"
	"github.com/field-inspector/offline-agent/internal/notify"
	"github.com/field-inspector/offline-agent/internal/server"
	"github.com/field-inspector/offline-agent/internal/server/routes"
	"github.com/field-inspector/offline-agent/internal/syncrelay"
	"github.com/field-inspector/offline-agent/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

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
		fields["shell_partition"] = cfg.App.ShellPartition()
		fields["api_partition"] = cfg.App.APIPartition()
		fields["precache_assets"] = len(cfg.App.PrecacheAssets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序遵循 “配置 → 磁盘分区缓存 → install/activate → Fiber server”，
	// 确保服务开始接收请求时壳层分区已完整且过期分区已清理。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)

	lifecycleMgr, err := lifecycle.NewManager(store, httpClient, cfg.App, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建生命周期管理器失败: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := lifecycleMgr.Install(ctx); err != nil {
		fmt.Fprintf(stdErr, "壳层预缓存失败: %v\n", err)
		return 1
	}
	if _, err := lifecycleMgr.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "版本切换失败: %v\n", err)
		return 1
	}

	monitor := agent.NewMonitor(httpClient, cfg.App.APIUpstream, cfg.Global.ProbeInterval.DurationValue(), logger)
	go monitor.Run(ctx)

	classifier, err := server.NewClassifier(cfg.App)
	if err != nil {
		fmt.Fprintf(stdErr, "构建请求分类器失败: %v\n", err)
		return 1
	}

	handler, err := agent.NewHandler(httpClient, logger, store, monitor, cfg.App)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存路由失败: %v\n", err)
		return 1
	}

	hub := notify.NewHub(logger)
	notifier := notify.NewNotifier(hub, logger)

	// 真正的数据同步是外部依赖；默认注入空实现，只保留通知信封语义。
	relay := syncrelay.New(cfg.App.SyncTag, hub, syncrelay.SyncerFunc(func(context.Context, string) error {
		return nil
	}), logger)
	go relay.Watch(ctx, monitor.Transitions())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["shell_partition"] = cfg.App.ShellPartition()
	fields["api_partition"] = cfg.App.APIPartition()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	deps := routes.Deps{
		Logger:    logger,
		Config:    cfg,
		Store:     store,
		Hub:       hub,
		Notifier:  notifier,
		Relay:     relay,
		Lifecycle: lifecycleMgr,
		Conn:      monitor,
	}

	if err := startHTTPServer(cfg, classifier, handler, deps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_AGENT_CONFIG")
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

func startHTTPServer(
	cfg *config.Config,
	classifier *server.Classifier,
	handler server.AgentHandler,
	deps routes.Deps,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Classifier: classifier,
		Agent:      handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, deps)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
