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

	"github.com/hanfei1991/dagsched/pkg/logutil"
	"github.com/hanfei1991/dagsched/servermaster"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervisor",
		Short: "Schedule jobs and dispatch their tasks to workers",
		// flags belong to the config, which parses them itself
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := servermaster.NewConfig()
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
			log.L().Info("supervisor config", zap.String("config", cfg.String()))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := servermaster.NewServer(cfg).Run(ctx); err != nil {
				log.L().Error("supervisor exited", zap.Error(err))
				return err
			}
			log.L().Info("supervisor exited")
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
