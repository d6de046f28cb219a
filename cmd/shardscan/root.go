package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"shardscan/internal/config"
	"shardscan/internal/home"
	"shardscan/internal/logging"
	"shardscan/internal/sortedkv"
	"shardscan/internal/sortedkv/file"
	"shardscan/internal/sortedkv/memory"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shardscan",
		Short:         "Boolean field-index queries over a sharded event table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	root.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")
	root.PersistentFlags().StringSlice("log-component", nil, "per-component log level overrides (component=level)")
	root.PersistentFlags().String("store", "", "shard table file (default: shards.db in the home directory)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(
		newIngestCmd(),
		newScanCmd(),
		newExplainCmd(),
		newOptionsCmd(),
		newConfigCmd(),
		versionCmd,
	)
	return root
}

// env is what every command resolves from the persistent flags.
type env struct {
	home   home.Dir
	cfg    *config.Config
	logger *slog.Logger
	store  string
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	logger, err := newLogger(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg, err := config.Load(hd.ConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		logger.Debug("no config found, using defaults", "path", hd.ConfigPath())
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &env{home: hd, cfg: cfg, logger: logger, store: cfg.Store.Path}
	if storeFlag, _ := cmd.Flags().GetString("store"); storeFlag != "" {
		e.store = storeFlag
	}
	if e.store == "" {
		e.store = hd.StorePath()
	}
	return e, nil
}

func newLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	formatFlag, _ := cmd.Flags().GetString("log-format")
	overrides, _ := cmd.Flags().GetStringSlice("log-component")
	level, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return nil, err
	}
	logger, filter, err := logging.New(w, formatFlag, level)
	if err != nil {
		return nil, err
	}
	if err := filter.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	return logger, nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// table is a shard table opened for one command.
type table interface {
	sortedkv.Source
	sortedkv.Writer
	Close() error
}

type memoryTable struct{ *memory.Store }

func (memoryTable) Close() error { return nil }

// openTable opens the configured store. Read-only opens require the file
// to exist.
func (e *env) openTable(readOnly bool) (table, error) {
	if e.cfg.Store.Type == config.StoreMemory {
		return memoryTable{memory.NewStore()}, nil
	}
	if readOnly {
		if _, err := os.Stat(e.store); err != nil {
			return nil, fmt.Errorf("no shard table at %s; run shardscan ingest first: %w", e.store, err)
		}
	} else if err := e.home.EnsureExists(); err != nil {
		return nil, err
	}
	return file.Open(e.store, file.Options{Prefetch: e.cfg.Store.Prefetch, ReadOnly: readOnly, Logger: e.logger})
}
