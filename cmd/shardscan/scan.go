package main

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"shardscan/internal/booleanlogic"
	"shardscan/internal/key"
	"shardscan/internal/metrics"
	"shardscan/internal/scan"
	"shardscan/internal/shardkey"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [flags] QUERY",
		Short: "Evaluate a boolean query and print the matching records",
		Long: `Evaluates a JEXL-style boolean query against the field index of every
partition and prints the matching records in key order.

Example:
  shardscan scan "COLOR == 'red' && !(SIZE in ['1', '3'])"`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}
	f := cmd.Flags()
	f.StringP("output", "o", formatTable, "output format: table or json")
	f.Int("parallel", 0, "partitions scanned at once (default: from config)")
	f.Int("read-ahead", 0, "read-ahead queue size per storage iterator, 0 disables (default: from config)")
	f.Duration("read-ahead-timeout", 0, "give up on a storage iterator that produces nothing for this long")
	f.String("after", "", "resume after this cursor")
	f.Int("limit", 0, "stop after this many hits")
	f.StringSlice("partition", nil, "scan only these partitions")
	f.StringSlice("unevaluated", nil, "index-only fields reported with each hit")
	f.StringSlice("datatype", nil, "accept only these datatypes")
	f.String("start", "", "earliest index entry time (ms since epoch or RFC 3339)")
	f.String("end", "", "latest index entry time (ms since epoch or RFC 3339)")
	f.Bool("events", false, "print the stored fields of every hit")
	f.Bool("rollup-negations", false, "let negated equalities join intersect roll-ups")
	f.Bool("metrics", false, "print evaluator counters to stderr when done")
	return cmd
}

// scanFlags builds the scanner and request of one scan command from the
// config defaults and the flags that override them.
func scanFlags(cmd *cobra.Command, e *env, query string) (*scan.Scanner, scan.Request, error) {
	f := cmd.Flags()
	sc := &scan.Scanner{
		Parallelism: e.cfg.Scan.Parallelism,
		ReadAhead:   e.cfg.Scan.ReadAhead,
		Logger:      e.logger,
	}
	timeout, err := e.cfg.Scan.ReadAheadTimeoutDuration()
	if err != nil {
		return nil, scan.Request{}, err
	}
	sc.ReadAheadTimeout = timeout
	if f.Changed("parallel") {
		sc.Parallelism, _ = f.GetInt("parallel")
	}
	if f.Changed("read-ahead") {
		sc.ReadAhead, _ = f.GetInt("read-ahead")
	}
	if f.Changed("read-ahead-timeout") {
		sc.ReadAheadTimeout, _ = f.GetDuration("read-ahead-timeout")
	}
	if sc.Parallelism <= 0 || sc.ReadAhead < 0 {
		return nil, scan.Request{}, errors.New("--parallel must be positive and --read-ahead must not be negative")
	}

	q := booleanlogic.Config{
		Query:             query,
		UnevaluatedFields: e.cfg.Scan.UnevaluatedFields,
		MaxCachedResults:  e.cfg.Scan.MaxCachedResults,
		RollupNegations:   e.cfg.Scan.RollupNegations,
		EndTime:           math.MaxInt64,
	}
	if f.Changed("unevaluated") {
		fields, _ := f.GetStringSlice("unevaluated")
		q.UnevaluatedFields = nil
		for _, name := range fields {
			q.UnevaluatedFields = append(q.UnevaluatedFields, strings.ToUpper(name))
		}
	}
	if f.Changed("rollup-negations") {
		q.RollupNegations, _ = f.GetBool("rollup-negations")
	}
	q.Datatypes, _ = f.GetStringSlice("datatype")
	for _, bound := range []struct {
		flag string
		dst  *int64
	}{{"start", &q.StartTime}, {"end", &q.EndTime}} {
		v, _ := f.GetString(bound.flag)
		if v == "" {
			continue
		}
		ms, err := parseTime(v)
		if err != nil {
			return nil, scan.Request{}, fmt.Errorf("--%s: %w", bound.flag, err)
		}
		*bound.dst = ms
		q.TimeRange = true
	}
	if q.TimeRange && q.StartTime > q.EndTime {
		return nil, scan.Request{}, errors.New("--start is after --end")
	}
	if q.CacheDir, err = e.home.InstanceCacheDir(); err != nil {
		return nil, scan.Request{}, err
	}

	req := scan.Request{Query: q}
	req.Limit, _ = f.GetInt("limit")
	req.Events, _ = f.GetBool("events")
	req.Partitions, _ = f.GetStringSlice("partition")
	if after, _ := f.GetString("after"); after != "" {
		k, err := scan.ParseCursor(after)
		if err != nil {
			return nil, scan.Request{}, err
		}
		req.After = &k
	}
	return sc, req, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("output")
	p, err := newPrinter(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sc, req, err := scanFlags(cmd, e, args[0])
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if withMetrics, _ := cmd.Flags().GetBool("metrics"); withMetrics {
		reg = prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			return err
		}
		sc.Metrics = m
	}

	t, err := e.openTable(true)
	if err != nil {
		return err
	}
	defer t.Close()
	sc.Source = t

	var rows [][]string
	var last *key.Key
	n := 0
	for h, err := range sc.Scan(cmd.Context(), req) {
		if err != nil {
			return err
		}
		n++
		last = &h.Key
		if p.format == formatJSON {
			if err := p.jsonLine(hitJSON(h)); err != nil {
				return err
			}
			continue
		}
		rows = append(rows, hitRow(h, req.Events))
	}
	if p.format == formatTable {
		header := []string{"PARTITION", "DATATYPE", "UID", "MATCHES"}
		if req.Events {
			header = append(header, "EVENT")
		}
		p.table(header, rows)
	}

	if req.Limit > 0 && n == req.Limit && last != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "more results may follow: --after %s\n", scan.Cursor(*last))
	}
	if reg != nil {
		return metrics.Write(cmd.ErrOrStderr(), reg)
	}
	return nil
}

type hitOutput struct {
	Partition string              `json:"partition"`
	Datatype  string              `json:"datatype"`
	UID       string              `json:"uid"`
	Cursor    string              `json:"cursor"`
	Matches   map[string][]string `json:"matches,omitempty"`
	Event     map[string][]string `json:"event,omitempty"`
}

func hitJSON(h scan.Hit) hitOutput {
	dt, uid, _ := shardkey.SplitID([]byte(h.ID()))
	return hitOutput{
		Partition: h.Partition(),
		Datatype:  dt,
		UID:       uid,
		Cursor:    scan.Cursor(h.Key),
		Matches:   h.Matches,
		Event:     h.Event,
	}
}

func hitRow(h scan.Hit, events bool) []string {
	dt, uid, _ := shardkey.SplitID([]byte(h.ID()))
	row := []string{h.Partition(), dt, uid, formatFields(h.Matches)}
	if events {
		row = append(row, formatFields(h.Event))
	}
	return row
}

// formatFields renders fields as NAME=v1|v2 pairs sorted by name.
func formatFields(fields map[string][]string) string {
	if len(fields) == 0 {
		return "-"
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strings.Join(fields[name], "|")
	}
	return strings.Join(parts, " ")
}

// parseTime accepts ms since epoch or RFC 3339 and returns ms since epoch.
func parseTime(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want ms since epoch or RFC 3339", s)
	}
	return t.UnixMilli(), nil
}
