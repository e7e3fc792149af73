package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dskow/telemock/internal/params"
)

func newParamsCmd() *cobra.Command {
	var (
		asJSON bool
		group  string
		decode string
	)
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Describe the telemetry query parameters",
		Long: `Print the documented telemetry parameter table, or with --decode break a raw
query string down by parameter group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("decode") {
				return printDecoded(out, params.Parse(decode), asJSON)
			}

			fields := make([]params.Field, 0, len(params.Fields))
			for _, f := range params.Fields {
				if group == "" || string(f.Group) == group {
					fields = append(fields, f)
				}
			}
			if len(fields) == 0 {
				return fmt.Errorf("unknown group %q", group)
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(fields)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tGROUP\tDESCRIPTION")
			for _, f := range fields {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Key, f.Group, f.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&group, "group", "", "only show one group (e.g. feature_usage)")
	cmd.Flags().StringVar(&decode, "decode", "", "raw query string to decode, e.g. 'v=4.15.1&fc.giv=3'")
	return cmd
}

type decoded struct {
	Groups  map[params.Group]params.Params `json:"groups"`
	Unknown params.Params                  `json:"unknown"`
}

func printDecoded(out io.Writer, p params.Params, asJSON bool) error {
	d := decoded{Groups: p.ByGroup(), Unknown: p.Unknown()}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	groups := make([]string, 0, len(d.Groups))
	for g := range d.Groups {
		groups = append(groups, string(g))
	}
	sort.Strings(groups)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tKEY\tVALUE")
	for _, g := range groups {
		ps := d.Groups[params.Group(g)]
		for _, k := range ps.Keys() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", g, k, ps[k])
		}
	}
	for _, k := range d.Unknown.Keys() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", "unknown", k, d.Unknown[k])
	}
	return tw.Flush()
}
