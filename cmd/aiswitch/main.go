package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/core"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/store"
	"github.com/xiaopang/aiswitch/internal/usage"
)

var configPath string

// app 各子命令共享的依赖
type app struct {
	cfg     *config.Config
	db      *store.Store
	server  *core.ProxyServer
	service *core.ProxyService
}

// newApp 加载配置、打开数据库并组装代理服务
func newApp() (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	logger.Debug("database opened", "path", cfg.Database.Path)

	usageLogger := usage.NewLogger(db, cfg.ProxyDefaults().EnableLogging)
	a := &app{
		cfg:    cfg,
		db:     db,
		server: core.NewProxyServer(cfg, db, usageLogger),
	}
	a.buildService()
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", "error", err)
		}
		logger.Default().Sync()
	}
	return a, cleanup, nil
}

// buildService 按当前配置的监听参数组装代理服务
func (a *app) buildService() {
	takeover := core.NewTakeoverManager(a.cfg.Takeover.HomeDir, a.db)
	a.service = core.NewProxyService(a.server, takeover, a.db, a.cfg.ProxyDefaults())
}

// withApp 包装需要依赖的子命令
func withApp(fn func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp()
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(a, cmd, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := &cobra.Command{
		Use:           "aiswitch",
		Short:         "Local proxy for Claude, Codex and Gemini CLIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "配置文件路径")

	root.AddCommand(
		serveCmd(),
		restoreCmd(),
		statusCmd(),
		usageCmd(),
		pricingCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
