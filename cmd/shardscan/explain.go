package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shardscan/internal/booleanlogic"
)

func newExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain [flags] QUERY",
		Short: "Print the evaluation tree of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			cfg := booleanlogic.Config{Query: args[0], RollupNegations: e.cfg.Scan.RollupNegations}
			if cmd.Flags().Changed("rollup-negations") {
				cfg.RollupNegations, _ = cmd.Flags().GetBool("rollup-negations")
			}
			text, err := booleanlogic.Explain(cfg, e.logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().Bool("rollup-negations", false, "let negated equalities join intersect roll-ups")
	return cmd
}
