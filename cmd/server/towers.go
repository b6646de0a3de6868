package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gryns/tower-server/internal/growth"
)

func newTowersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "towers",
		Short: "Print every tower with its pods and growth stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, library, err := openState(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			towers, err := st.AllTowers(ctx)
			if err != nil {
				return err
			}
			if len(towers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no towers")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, t := range towers {
				pods, err := st.PodsByTower(ctx, t.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d/%d slots\t%s\n", t.Label(), len(pods), t.SlotCount, t.ID)
				for _, p := range pods {
					plant, _ := library.Lookup(p.PlantID)
					d := growth.Describe(p, plant)
					next := d.AdvanceLabel
					if next == "" {
						next = "-"
					}
					fmt.Fprintf(w, "  slot %d\t%s\t%s\t%s\t%s\n", p.SlotNumber, p.PlantName, d.StageName, d.Duration, next)
				}
			}
			return w.Flush()
		},
	}
}
