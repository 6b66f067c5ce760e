package cmd

import (
	"os"
	"strings"

	"klinevault/internal/config"
	"klinevault/internal/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "klinevault",
	Short: "Durable OHLCV candle store with gap filling and live ingestion",
	Long: `klinevault keeps a bounded in-memory working set per candle series, persists every
series as a compressed segment file, fills gaps after each bar close and serves the
data over HTTP.

Configuration is read from --config, $KLINEVAULT_CONFIG or configs/config.yaml.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $KLINEVAULT_CONFIG or "+defaultConfigPath+")")
}

func configPath() string {
	if p := strings.TrimSpace(cfgFile); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("KLINEVAULT_CONFIG")); p != "" {
		return p
	}
	return defaultConfigPath
}

func loadConfig() (*config.Config, error) {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功 path=%s series=%d sources=%d", path, len(cfg.Series), len(cfg.Sources))
	return cfg, nil
}
