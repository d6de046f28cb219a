package main

import (
	"github.com/spf13/cobra"

	"shardscan/internal/booleanlogic"
)

func newOptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Describe the evaluator options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			p, err := newPrinter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			d := booleanlogic.DescribeOptions()
			if p.format == formatJSON {
				return p.json(d)
			}
			p.kv([][2]string{{"name", d.Name}, {"description", d.Description}})
			rows := make([][]string, len(d.Options))
			for i, o := range d.Options {
				rows[i] = []string{o.Name, o.Help}
			}
			p.table([]string{"OPTION", "DESCRIPTION"}, rows)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", formatTable, "output format: table or json")
	return cmd
}
