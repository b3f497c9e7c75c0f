package commands

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/common/version"
	"gitlab.com/meridian-workflow/meridian/server/config"
	"gitlab.com/meridian-workflow/meridian/server/server"
	"gitlab.com/meridian-workflow/meridian/server/server/option"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "meridian",
	Short:   "Meridian workflow engine server",
	Long:    ``,
	Version: version.Version,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.GetEnvironment()
		if err != nil {
			log.Fatal(err)
		}
		var lev slog.Level
		var addSource bool
		switch cfg.LogLevel {
		case "debug":
			lev = slog.LevelDebug
			addSource = true
		case "info":
			lev = slog.LevelInfo
		case "warn":
			lev = slog.LevelWarn
		default:
			lev = slog.LevelError
		}
		logx.SetDefault(lev, addSource, "meridian")

		opts := []option.Option{
			option.NatsUrl(cfg.NatsURL),
			option.Concurrency(cfg.Concurrency),
		}
		if cfg.UseNatsBus {
			opts = append(opts, option.WithNatsBus())
		}
		if cfg.EmbeddedNats {
			opts = append(opts, option.WithEmbeddedNats())
		}
		if !cfg.CronEnabled {
			opts = append(opts, option.DisableCron())
		}
		svr := server.New(opts...)
		svr.Listen()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
