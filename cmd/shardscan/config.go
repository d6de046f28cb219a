package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shardscan/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnvForInit(cmd)
			if err != nil {
				return err
			}
			path := e.home.ConfigPath()
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := e.home.EnsureExists(); err != nil {
				return err
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			p, _ := newPrinter(formatJSON, cmd.OutOrStdout())
			return p.json(e.cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

// loadEnvForInit resolves the environment without requiring the existing
// config file to load, so init --force can replace a broken one.
func loadEnvForInit(cmd *cobra.Command) (*env, error) {
	e, err := loadEnv(cmd)
	if err == nil {
		return e, nil
	}
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, herr := resolveHome(homeFlag)
	if herr != nil {
		return nil, errors.Join(err, herr)
	}
	return &env{home: hd, cfg: config.DefaultConfig()}, nil
}
