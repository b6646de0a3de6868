package main

import (
	"github.com/spf13/cobra"

	"gryns/tower-server/internal/app"
	"gryns/tower-server/internal/config"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scanner MQTT broker",
		Example: `  # Start with settings from the environment or .env
  tower-server serve

  # Override the HTTP port
  tower-server serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			application := app.New(cfg, logger)
			if cmd.Flags().Changed("port") {
				application.ListenOn(port)
			}

			if err := application.Run(cmd.Context()); err != nil {
				logger.Error("application terminated", "error", err)
				return err
			}
			logger.Info("application stopped cleanly")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port to listen on")

	return cmd
}
