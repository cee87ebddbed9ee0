package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/readcache/internal/config"
	"github.com/any-hub/readcache/internal/logging"
	"github.com/any-hub/readcache/internal/migration"
	"github.com/any-hub/readcache/internal/server"
	"github.com/any-hub/readcache/internal/server/routes"
	"github.com/any-hub/readcache/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newCheckConfigCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			fields := logging.BaseFields("check_config", ctx.configPath())
			fields["sites"] = config.SiteNames(cfg.Sites)
			fields["content_backend"] = cfg.Global.ContentBackend
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动缓存守护进程与 HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(runCtx, cfg, logger)
			if err != nil {
				return fmt.Errorf("初始化运行时失败: %w", err)
			}
			defer rt.Close()

			fields := logging.BaseFields("startup", ctx.configPath())
			fields["sites"] = config.SiteNames(cfg.Sites)
			fields["listen_port"] = cfg.Global.ListenPort
			fields["content_backend"] = cfg.Global.ContentBackend
			fields["version"] = version.Full()
			logger.WithFields(fields).Info("配置加载完成")

			rt.manager.StartReconcileLoop(runCtx, cfg.Global.ReconcileInterval.DurationValue())
			return startHTTPServer(runCtx, rt)
		},
	}
}

// startHTTPServer 阻塞运行 Fiber 服务，收到退出信号后优雅关闭并等待后台任务。
func startHTTPServer(ctx context.Context, rt *runtimeDeps) error {
	port := rt.cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     rt.logger,
		Cache:      rt.manager,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, rt.manager, rt.metrics.Handler())

	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
	if err := app.Shutdown(); err != nil {
		rt.logger.WithField("action", "shutdown").Warnf("fiber shutdown: %v", err)
	}
	done := make(chan struct{})
	go func() {
		rt.manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		rt.logger.WithField("action", "shutdown").Warn("后台任务未在超时内完成，强制退出")
	}
	return nil
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "执行一次元数据与正文存储的对账",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			rt, err := openRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("初始化运行时失败: %w", err)
			}
			defer rt.Close()

			report, err := rt.manager.Reconcile(cmd.Context())
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var (
		concurrency int
		schemaOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "升级元数据库结构并导入旧版离线文章",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			rt, err := openRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("初始化运行时失败: %w", err)
			}
			defer rt.Close()

			schema, dirty, err := rt.meta.SchemaVersion()
			if err != nil {
				return fmt.Errorf("读取 schema 版本失败: %w", err)
			}
			fmt.Fprintf(stdOut, "metadata schema version %d (dirty=%t)\n", schema, dirty)
			if schemaOnly {
				return nil
			}
			if rt.legacy == nil {
				return errors.New("LegacyStorePath 未配置，无可导入的旧数据")
			}

			runner, err := migration.NewRunner(rt.adapter, concurrency)
			if err != nil {
				return err
			}
			report, err := runner.Run(cmd.Context())
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			rt.manager.Wait()
			return err
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "并发导入的条目数")
	cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "只升级元数据库结构，不导入旧数据")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
