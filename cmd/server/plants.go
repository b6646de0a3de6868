package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gryns/tower-server/internal/config"
	"gryns/tower-server/internal/growth"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/plants"
)

func newPlantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plants",
		Short: "Browse the plant library",
	}
	cmd.AddCommand(newPlantsListCmd())
	cmd.AddCommand(newPlantsShowCmd())
	return cmd
}

func newPlantsListCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plants, optionally filtered by name or species",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			library, err := loadLibrary(cfg)
			if err != nil {
				return err
			}

			list := library.All()
			if query != "" {
				list = library.Search(query)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSPECIES\tSTAGES\tHARVEST")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Species, len(p.GrowthStages), plants.HarvestLabel(&p))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter by name, species or id")
	return cmd
}

func newPlantsShowCmd() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "show <plant-id>",
		Short: "Show one plant and its growth stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			library, err := loadLibrary(cfg)
			if err != nil {
				return err
			}
			p, ok := library.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown plant %q", args[0])
			}

			if asYAML {
				out, err := yaml.Marshal(p)
				if err != nil {
					return fmt.Errorf("encode plant: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			printPlant(cmd, p)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the plant record as YAML")
	return cmd
}

func printPlant(cmd *cobra.Command, p *model.PlantRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", p.Name, p.Species)
	if p.Description != "" {
		fmt.Fprintf(out, "%s\n", p.Description)
	}
	fmt.Fprintf(out, "\nHarvest:   %s\n", plants.HarvestLabel(p))
	fmt.Fprintf(out, "Yield:     %s\n", plants.YieldLabel(p))
	fmt.Fprintf(out, "Hardiness: %s\n\n", plants.HardinessLabel(p))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tDURATION\tDESCRIPTION")
	for _, s := range p.GrowthStages {
		fmt.Fprintf(w, "%s\t%s\t%s\n", growth.FormatStageKey(string(s.Stage)), plants.FormatDuration(s.Duration), s.Description)
	}
	_ = w.Flush()
}
