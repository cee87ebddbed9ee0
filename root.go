package main

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/readcache/internal/config"
	"github.com/any-hub/readcache/internal/logging"
)

const configEnv = "READCACHE_CONFIG"

// commandContext 在子命令之间共享配置与日志实例，只加载一次。
type commandContext struct {
	configFlag string

	once   sync.Once
	cfg    *config.Config
	logger *logrus.Logger
	err    error
}

// configPath 依次使用 --config、READCACHE_CONFIG 与 ./config.toml。
func (c *commandContext) configPath() string {
	if path := strings.TrimSpace(c.configFlag); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configEnv)); path != "" {
		return path
	}
	return "config.toml"
}

func (c *commandContext) load() (*config.Config, *logrus.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Load(c.configPath())
		if err != nil {
			c.err = err
			return
		}
		logger, err := logging.InitLogger(cfg.Global)
		if err != nil {
			c.err = err
			return
		}
		c.cfg, c.logger = cfg, logger
	})
	return c.cfg, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "readcache",
		Short:         "Offline article cache daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 READCACHE_CONFIG 覆盖）")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCheckConfigCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
