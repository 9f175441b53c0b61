// Command streamrank 学习直播观看偏好：收集观看样本、定期训练、在线排序。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rushteam/streamrank/config"
	_ "github.com/rushteam/streamrank/config/builders"
	"github.com/rushteam/streamrank/pkg/logging"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "streamrank",
	Short:         "streamrank - learns which live streams you prefer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(c.Logging)
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./streamrank.yaml)")
	rootCmd.AddCommand(serveCmd, trainCmd, infoCmd, searchCmd, rankCmd, notifyCmd, publishCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		lg := logging.Component("cli")
		lg.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}
