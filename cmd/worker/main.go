package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/executor"
	"github.com/hanfei1991/dagsched/pkg/logutil"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the tasks dispatched by supervisors",
		// flags belong to the config, which parses them itself
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := executor.NewConfig()
			if err := cfg.Parse(args); err != nil {
				if cfg.PrintSampleConfig() {
					sample, err := cfg.Toml()
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), sample)
					return nil
				}
				return err
			}
			if err := logutil.InitLogger(cfg.Log); err != nil {
				return err
			}
			log.L().Info("worker config", zap.String("config", cfg.String()))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := executor.NewServer(cfg).Run(ctx); err != nil {
				log.L().Error("worker exited", zap.Error(err))
				return err
			}
			log.L().Info("worker exited")
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
