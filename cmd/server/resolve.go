package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/resolve"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Find the pod an NFC serial or QR value belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, library, err := openState(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			pods, err := st.AllPods(ctx)
			if err != nil {
				return err
			}
			res := resolve.Resolve(strings.TrimSpace(args[0]), pods)
			if !res.Found() {
				return fmt.Errorf("%q: %w", res.Value, res.Err())
			}
			if res.Anomaly() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q matches %d pods: %s\n", res.Value, len(res.Matches), strings.Join(res.Matches, ", "))
			}

			plant, _ := library.Lookup(res.Pod.PlantID)
			d := growth.Describe(*res.Pod, plant)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pod      %s\n", res.Pod.ID)
			fmt.Fprintf(out, "plant    %s\n", res.Pod.PlantName)
			fmt.Fprintf(out, "slot     %d\n", res.Pod.SlotNumber)
			fmt.Fprintf(out, "stage    %s (%s)\n", d.StageName, d.Duration)
			if d.AdvanceLabel != "" {
				fmt.Fprintf(out, "next     %s\n", d.AdvanceLabel)
			}
			return nil
		},
	}
}
