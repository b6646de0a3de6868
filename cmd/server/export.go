package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gryns/tower-server/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every pod as CSV or parquet",
		Example: `  tower-server export --format parquet --out pods.parquet
  tower-server export > pods.csv`,
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
			pods, err := st.AllPods(ctx)
			if err != nil {
				return err
			}
			rows := export.Rows(towers, pods, library)

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			switch strings.ToLower(format) {
			case "csv":
				err = export.WriteCSV(w, rows)
			case "parquet":
				if out == "" || out == "-" {
					return fmt.Errorf("parquet export needs --out")
				}
				err = export.WriteParquet(w, rows)
			default:
				return fmt.Errorf("unknown format %q (csv or parquet)", format)
			}
			if err != nil {
				return err
			}
			if out != "" && out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d pods to %s\n", len(rows), out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv or parquet")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}
