// Command icmpreceiver registers hosts in Zabbix from the ICMP echo
// requests they send.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/icmpreceiver/internal/config"
	"github.com/HerbHall/icmpreceiver/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "icmpreceiver",
		Short: "Passive ICMP host registration agent for Zabbix",
		Long: `icmpreceiver listens for ICMP echo requests on a raw socket. Sources
inside the allowed networks are registered as Zabbix hosts and reported
available through the trapper protocol.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.Info() + "\n")

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
		newBackupCmd(opts),
		newRestoreCmd(),
	)
	return root
}

// load reads the effective configuration for cmd.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("log.level", f); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(v, o.configPath)
}

// newLogger builds the process logger from cfg.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
