package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/dbhandler/config"
	"github.com/dan-strohschein/dbhandler/loader"
	"github.com/dan-strohschein/dbhandler/mapper"
)

func newInferCmd(root *rootOptions) *cobra.Command {
	var (
		job      string
		charset  string
		comma    string
		sample   int
		asConfig bool
	)
	cmd := &cobra.Command{
		Use:   "infer [FILE]",
		Short: "Infer column types from a delimited file",
		Long: `Infer samples the input and prints the narrowest type for each column.
With --job the source file and its options come from the configured job.
With --yaml the result is printed as a columns block for the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src config.Source
			if job != "" {
				cfg, err := root.config()
				if err != nil {
					return err
				}
				j, err := cfg.Job(job)
				if err != nil {
					return err
				}
				src = j.Source
				if sample == 0 {
					sample = j.SampleSize
				}
			}
			if len(args) == 1 {
				src.Path = args[0]
			}
			if charset != "" {
				src.Charset = charset
			}
			if comma != "" {
				src.Comma = comma
			}
			if src.Path == "" {
				return fmt.Errorf("no input file: pass FILE or --job")
			}

			f, err := os.Open(src.Path)
			if err != nil {
				return err
			}
			defer f.Close()
			csvSrc, err := loader.NewCSVSource(f, (&config.Job{Source: src}).CSVOptions())
			if err != nil {
				return err
			}
			cols, sampled, bad, err := loader.InferColumns(cmd.Context(), csvSrc, sample)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asConfig {
				return yaml.NewEncoder(out).Encode(map[string][]config.Column{"columns": configColumns(cols)})
			}
			rows := make([][]string, len(cols))
			for i, c := range cols {
				rows[i] = []string{c.Name, c.Type.String(), mapper.FormatHint(c.Type), strconv.FormatBool(c.Nullable), strconv.Itoa(c.Observed)}
			}
			printTable(out, []string{"COLUMN", "TYPE", "FORMAT", "NULLABLE", "OBSERVED"}, rows)
			fmt.Fprintf(out, "(%d rows sampled", sampled)
			if bad > 0 {
				fmt.Fprintf(out, ", %d bad rows skipped", bad)
			}
			fmt.Fprintln(out, ")")
			return nil
		},
	}
	cmd.Flags().StringVarP(&job, "job", "j", "", "configured job whose source to sample")
	cmd.Flags().StringVar(&charset, "charset", "", "input charset (default utf-8)")
	cmd.Flags().StringVar(&comma, "comma", "", "input field separator (default ,)")
	cmd.Flags().IntVarP(&sample, "sample", "n", 0, "rows to sample")
	cmd.Flags().BoolVar(&asConfig, "yaml", false, "print a configuration columns block")
	return cmd
}

func configColumns(cols []mapper.ColumnDescriptor) []config.Column {
	out := make([]config.Column, len(cols))
	for i, c := range cols {
		out[i] = config.Column{Name: c.Name, Type: c.Type.String(), Nullable: c.Nullable}
		if c.Type.Kind == mapper.Date || c.Type.Kind == mapper.Timestamp {
			out[i].Format = c.Type.Layout
		}
	}
	return out
}

func newLoadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load JOB",
		Short: "Run a configured bulk load job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := h.BulkLoad(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			if res != nil {
				printHeader(out, "Load "+res.Job)
				printTable(out, []string{"STATE", "WRITTEN", "BAD", "LOADED", "REJECTED"}, [][]string{{
					res.State.String(),
					strconv.FormatInt(res.RowsWritten, 10),
					strconv.FormatInt(res.BadRows, 10),
					strconv.FormatInt(res.Loaded, 10),
					strconv.FormatInt(res.Rejected, 10),
				}})
				fmt.Fprintf(out, "data %s\ncontrol %s\nlog %s\n", res.DataPath, res.ControlPath, res.LogPath)
			}
			if err != nil {
				return err
			}
			switch res.State {
			case loader.COMPLETED:
				printSuccess(out, "load completed")
			case loader.PARTIALLY_FAILED:
				printWarning(out, "%d rows rejected, see %s", res.Rejected, res.LogPath)
			}
			return nil
		},
	}
}
