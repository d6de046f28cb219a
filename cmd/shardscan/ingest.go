package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shardscan/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [flags] FILE|GLOB...",
		Short: "Index JSON lines files into the shard table",
		Long: `Reads one JSON document per line and writes its field index and event
entries. The mapping is either a named mapping from the config file
(--mapping) or given inline with --datatype, --uid, --time and --field.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	cmd.Flags().String("mapping", "", "named mapping from the config file")
	cmd.Flags().String("datatype", "", "datatype of every record")
	cmd.Flags().String("uid", "", "JSONPath of the record uid (default: hash of the line)")
	cmd.Flags().String("time", "", "JSONPath of the record time (default: now)")
	cmd.Flags().StringArray("field", nil, "field mapping NAME=JSONPATH (repeatable)")
	cmd.Flags().StringSlice("index-only", nil, "fields written to the index only")
	cmd.Flags().Int("shards", 0, "shards per day (default: from config)")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	m, err := ingestMapping(cmd, e)
	if err != nil {
		return err
	}
	dec, err := ingest.NewJSONDecoder(m)
	if err != nil {
		return err
	}
	files, err := ingest.Expand(args)
	if err != nil {
		return err
	}
	shards := e.cfg.Ingest.Shards
	if cmd.Flags().Changed("shards") {
		shards, _ = cmd.Flags().GetInt("shards")
	}

	t, err := e.openTable(false)
	if err != nil {
		return err
	}
	defer t.Close()

	logger := e.logger.With("component", "ingest")
	w := ingest.NewWriter(t, ingest.WriterOptions{Shards: shards, BatchSize: e.cfg.Ingest.BatchSize, Logger: e.logger})
	for _, path := range files {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		if err := ingestFile(dec, w, path); err != nil {
			return err
		}
		logger.Info("file ingested", "path", path, "records", w.Records())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records from %d files into %s\n", w.Records(), len(files), e.store)
	return nil
}

func ingestFile(dec *ingest.JSONDecoder, w *ingest.Writer, path string) error {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from the command line
	if err != nil {
		return err
	}
	defer f.Close()
	if err := dec.DecodeAll(f, func(r ingest.Record) error { return w.Write(r) }); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ingestMapping returns the named mapping, or builds one from the inline
// flags when --mapping is not set.
func ingestMapping(cmd *cobra.Command, e *env) (ingest.Mapping, error) {
	if name, _ := cmd.Flags().GetString("mapping"); name != "" {
		m, ok := e.cfg.Ingest.Mappings[name]
		if !ok {
			return ingest.Mapping{}, fmt.Errorf("no mapping %q in %s", name, e.home.ConfigPath())
		}
		return m, nil
	}
	var m ingest.Mapping
	m.Datatype, _ = cmd.Flags().GetString("datatype")
	m.UID, _ = cmd.Flags().GetString("uid")
	m.Time, _ = cmd.Flags().GetString("time")
	m.IndexOnly, _ = cmd.Flags().GetStringSlice("index-only")
	if m.Datatype == "" {
		return ingest.Mapping{}, fmt.Errorf("either --mapping or --datatype is required")
	}
	fields, _ := cmd.Flags().GetStringArray("field")
	if len(fields) == 0 {
		return ingest.Mapping{}, fmt.Errorf("at least one --field is required")
	}
	m.Fields = make(map[string]string, len(fields))
	for _, f := range fields {
		name, path, ok := strings.Cut(f, "=")
		if !ok || name == "" || path == "" {
			return ingest.Mapping{}, fmt.Errorf("invalid --field %q, want NAME=JSONPATH", f)
		}
		m.Fields[name] = path
	}
	return m, nil
}
