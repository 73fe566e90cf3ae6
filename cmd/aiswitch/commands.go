package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
)

// parseApps 解析应用列表，支持逗号分隔
func parseApps(args []string) ([]model.AppType, error) {
	var apps []model.AppType
	for _, arg := range args {
		for _, name := range strings.Split(arg, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			app, err := model.ParseAppType(name)
			if err != nil {
				return nil, err
			}
			apps = append(apps, app)
		}
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return lo.Uniq(apps), nil
}

func serveCmd() *cobra.Command {
	var (
		takeover []string
		address  string
		port     int
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted, restoring CLI configs on exit",
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("address") {
				a.cfg.Proxy.ListenAddress = address
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Proxy.ListenPort = port
			}
			a.buildService()
			if save {
				if err := config.Save(configPath, a.cfg); err != nil {
					return fmt.Errorf("save config %s: %w", configPath, err)
				}
				logger.Info("listen settings saved", "path", configPath)
			}

			apps, err := parseApps(takeover)
			if err != nil {
				return err
			}

			if restored, err := a.service.RecoverStaleTakeovers(); err != nil {
				logger.Warn("recover stale takeovers", "error", err)
			} else if len(restored) > 0 {
				logger.Info("restored configs left by a previous run", "apps", restored)
			}

			var info model.ProxyServerInfo
			if len(apps) > 0 {
				info, err = a.service.StartWithTakeover(apps)
			} else {
				info, err = a.service.Start()
			}
			if err != nil {
				return err
			}
			logger.Info("aiswitch proxy listening", "address", info.Address, "port", info.Port, "takeover", apps)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("shutdown signal received, restoring configs")

			shutdownCtx := context.Background()
			if timeout := a.cfg.ShutdownTimeout(); timeout > 0 {
				var cancel context.CancelFunc
				shutdownCtx, cancel = context.WithTimeout(shutdownCtx, timeout)
				defer cancel()
			}
			if err := a.service.StopWithRestore(shutdownCtx); err != nil {
				return err
			}
			logger.Info("proxy stopped")
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&takeover, "takeover", nil, "接管的应用 (claude,codex,gemini)")
	cmd.Flags().StringVar(&address, "address", "", "监听地址")
	cmd.Flags().IntVar(&port, "port", 0, "监听端口")
	cmd.Flags().BoolVar(&save, "save", false, "把 --address/--port 写回配置文件")
	return cmd
}

// initConfig 写出一份默认配置；文件已存在时需要 force
func initConfig(path string, force bool) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return nil, fmt.Errorf("save config %s: %w", path, err)
	}
	return cfg, nil
}

func configCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath, force)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "覆盖已有配置文件")
	cmd.AddCommand(initCmd)
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [app...]",
		Short: "Restore CLI configs from backups (all apps when none given)",
		RunE: withApp(func(a *app, _ *cobra.Command, args []string) error {
			apps, err := parseApps(args)
			if err != nil {
				return err
			}
			if len(apps) == 0 {
				if err := a.service.StopWithRestore(context.Background()); err != nil {
					return err
				}
			}
			for _, target := range apps {
				if err := a.service.SetTakeoverForApp(target, false); err != nil {
					return err
				}
			}
			status, err := a.service.TakeoverStatus()
			if err != nil {
				return err
			}
			return printJSON(status)
		}),
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "takeover-status",
		Aliases: []string{"status"},
		Short:   "Show which CLI configs are taken over",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			status, err := a.service.TakeoverStatus()
			if err != nil {
				return err
			}
			backups, err := a.db.ListBackups()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"takeover": status,
				"backups":  backups,
			})
		}),
	}
}

func usageCmd() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Query recorded usage",
	}
	cmd.PersistentFlags().StringVar(&period, "period", "24h", "统计范围 (24h, 7d, 30d, all)")

	rangeOf := func() (model.Period, time.Time, time.Time, error) {
		p, err := model.ParsePeriod(period)
		if err != nil {
			return "", time.Time{}, time.Time{}, err
		}
		now := time.Now()
		start, _ := p.Since(now)
		return p, start, now, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "summary",
			Short: "Totals for the period",
			RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
				_, start, end, err := rangeOf()
				if err != nil {
					return err
				}
				summary, err := a.db.GetUsageSummary(start, end)
				if err != nil {
					return err
				}
				return printJSON(summary)
			}),
		},
		&cobra.Command{
			Use:   "trend",
			Short: "Hourly or daily buckets for the period",
			RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
				p, _, now, err := rangeOf()
				if err != nil {
					return err
				}
				trend, err := a.db.GetUsageTrend(p, now, "")
				if err != nil {
					return err
				}
				return printJSON(trend)
			}),
		},
		&cobra.Command{
			Use:   "providers",
			Short: "Per-provider statistics for the period",
			RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
				_, start, end, err := rangeOf()
				if err != nil {
					return err
				}
				stats, err := a.db.GetProviderStats(start, end)
				if err != nil {
					return err
				}
				return printJSON(stats)
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every usage row",
			RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
				n, err := a.db.ClearUsage()
				if err != nil {
					return err
				}
				return printJSON(map[string]int64{"deleted": n})
			}),
		},
	)
	return cmd
}

func pricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Model price table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List model prices (USD per million tokens)",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			prices, err := a.db.ListModelPricing()
			if err != nil {
				return err
			}
			return printJSON(prices)
		}),
	})
	return cmd
}
