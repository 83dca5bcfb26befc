package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/mapper"
)

type bindFlags struct {
	args  []string
	named []string
}

func (f *bindFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.args, "arg", "a", nil, "positional bind value, repeatable")
	cmd.Flags().StringArrayVarP(&f.named, "bind", "b", nil, "named bind as name=value, repeatable")
}

// binds turns the flags into bind variables. The literal NULL binds a null.
func (f *bindFlags) binds() ([]client.BindVariable, error) {
	if len(f.args) > 0 && len(f.named) > 0 {
		return nil, fmt.Errorf("--arg and --bind cannot be mixed")
	}
	value := func(s string) any {
		if s == "NULL" {
			return nil
		}
		return s
	}
	var out []client.BindVariable
	for i, a := range f.args {
		out = append(out, client.Pos(i+1, value(a)))
	}
	for _, nv := range f.named {
		name, v, ok := strings.Cut(nv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bind %q: want name=value", nv)
		}
		out = append(out, client.Named(name, value(v)))
	}
	return out, nil
}

func newSelectCmd(root *rootOptions) *cobra.Command {
	var (
		binds bindFlags
		casts []string
		fills []string
	)
	cmd := &cobra.Command{
		Use:   "select QUERY",
		Short: "Run a query and print the rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bv, err := binds.binds()
			if err != nil {
				return err
			}
			opts, err := selectOptions(casts, fills)
			if err != nil {
				return err
			}
			h, closeFn, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			rs, err := h.Select(ctx, args[0], bv, opts...)
			if err != nil {
				return err
			}
			defer rs.Close()

			var headers []string
			for _, c := range rs.Columns() {
				headers = append(headers, c.Name)
			}
			var rows [][]string
			for row, err := range rs.All(ctx) {
				if err != nil {
					return err
				}
				cells := make([]string, row.Len())
				for i := range cells {
					cells[i] = formatValue(row.Value(i))
				}
				rows = append(rows, cells)
			}
			out := cmd.OutOrStdout()
			printTable(out, headers, rows)
			fmt.Fprintf(out, "(%d rows)\n", len(rows))
			return nil
		},
	}
	binds.register(cmd)
	cmd.Flags().StringArrayVar(&casts, "cast", nil, "decode columns matching PATTERN as TYPE, given as PATTERN=TYPE")
	cmd.Flags().StringArrayVar(&fills, "null-fill", nil, "replace nulls in columns matching PATTERN, given as PATTERN=VALUE")
	return cmd
}

func selectOptions(casts, fills []string) ([]client.SelectOption, error) {
	var opts []client.SelectOption
	for _, c := range casts {
		pattern, typ, ok := strings.Cut(c, "=")
		if !ok {
			return nil, fmt.Errorf("cast %q: want PATTERN=TYPE", c)
		}
		t, err := mapper.ParseType(typ)
		if err != nil {
			return nil, fmt.Errorf("cast %q: %w", c, err)
		}
		opts = append(opts, client.WithCast(pattern, t))
	}
	for _, f := range fills {
		pattern, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("null fill %q: want PATTERN=VALUE", f)
		}
		opts = append(opts, client.WithNullFill(pattern, v))
	}
	return opts, nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return hex.EncodeToString(v)
	default:
		if mapper.IsNull(v) {
			return "NULL"
		}
		return fmt.Sprint(v)
	}
}

func newExecuteCmd(root *rootOptions) *cobra.Command {
	var binds bindFlags
	cmd := &cobra.Command{
		Use:     "execute STATEMENT",
		Aliases: []string{"exec"},
		Short:   "Run a statement and print the affected row count",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bv, err := binds.binds()
			if err != nil {
				return err
			}
			h, closeFn, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := h.Execute(cmd.Context(), args[0], bv)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%d rows affected", n)
			return nil
		},
	}
	binds.register(cmd)
	return cmd
}
