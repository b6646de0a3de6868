package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tower-server",
		Short: "Offline-first tracker for hydroponic towers and their pods",
		Long: `tower-server keeps track of hydroponic towers, the pods planted in
their slots and how far each plant has grown.

Pods are found by scanning the NFC tag or QR code attached to them. Scanners
publish what they read to the embedded MQTT broker.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPlantsCmd())
	cmd.AddCommand(newTowersCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newResolveCmd())

	return cmd
}
