package main

import (
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve frontend assets and proxy API calls to a local backend",
		Long: `devserver serves a static asset directory on one port, forwards requests
under the configured prefixes (/api by default) to the backend origin, and
reloads connected browsers when files in the asset directory change.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			log := logger.New(logger.Options{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				AddSource:   true,
				Environment: cfg.Server.Environment,
			})

			ds, err := newDevServer(cfg, log)
			if err != nil {
				return err
			}

			return ds.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a config file (default: config.yaml in ./config or .)")
	flags.String("host", "", "interface to bind, empty for all")
	flags.IntP("port", "p", config.DefaultPort, "port to listen on")
	flags.String("static-dir", config.DefaultStaticDir, "directory served for non-proxied paths")
	flags.String("log-level", config.LogLevelInfo, "log level: debug, info, warn, error")
	flags.Bool("no-live-reload", false, "disable file watching and browser reloads")

	return cmd
}
