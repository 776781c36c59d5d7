package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/agent"
	"github.com/HerbHall/icmpreceiver/internal/version"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture echo requests and register their sources",
		Long: `Open the raw ICMP socket and run the receiver until SIGINT or SIGTERM.
The first signal stops capture and lets workers drain the queue; a second
signal cancels in-flight work.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("icmpreceiver starting", version.Fields()...)

			a, err := agent.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				sig, ok := <-sigCh
				if !ok {
					return
				}
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				cancel()
				if sig, ok = <-sigCh; ok {
					logger.Warn("received second signal", zap.String("signal", sig.String()))
					a.Abort()
				}
			}()

			if err := a.Run(ctx); err != nil {
				logger.Error("receiver failed", zap.Error(err))
				return err
			}
			logger.Info("icmpreceiver stopped")
			return nil
		},
	}
}
