package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"klinevault/internal/app"
	"klinevault/internal/config"
	"klinevault/internal/logger"

	"github.com/spf13/cobra"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, gap filling, scheduled flushes and the HTTP API",
	Long: `Load every configured series, subscribe to live feeds, fill gaps after each bar
close and serve the HTTP API until interrupted. All pending candles are flushed on exit.

Example:
  klinevault serve --config configs/config.yaml --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "reload log level when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cfg *config.Config
		err error
	)
	if serveWatch {
		w, werr := config.Watch(configPath())
		if werr != nil {
			return werr
		}
		w.Subscribe(func(c *config.Config) {
			logger.Infof("[config] 已热更新 log_level=%s", c.App.LogLevel)
		})
		cfg = w.Current()
	} else {
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("运行失败: %w", err)
	}
	return nil
}
