package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"shardscan/internal/booleanlogic"
	"shardscan/internal/config"
	"shardscan/internal/ingest"
)

// run executes one command line against a fresh root command.
func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

const records = `{"id":"1","color":"red","size":3,"t":1614600000000,"tags":["a","b"]}
{"id":"2","color":"blue","size":3,"t":1614600000000}

{"id":"3","color":"red","size":5,"t":1614686400000,"tags":["b"]}
{"id":"4","color":"green","t":1614686400000}
`

// ingested returns a home directory holding the records above.
func ingested(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input", "records.json")
	if err := os.MkdirAll(filepath.Dir(input), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(input, []byte(records), 0o600); err != nil {
		t.Fatal(err)
	}
	homeDir := filepath.Join(dir, "home")
	out, _, err := run(t, "--home", homeDir, "ingest",
		"--datatype", "json", "--uid", "$.id", "--time", "$.t",
		"--field", "color=$.color", "--field", "size=$.size", "--field", "tags=$.tags",
		"--index-only", "tags",
		filepath.Join(dir, "input", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ingested 4 records from 1 files") {
		t.Fatalf("ingest output %q", out)
	}
	return homeDir
}

func scanJSON(t *testing.T, args ...string) []hitOutput {
	t.Helper()
	out, _, err := run(t, append(args, "-o", "json")...)
	if err != nil {
		t.Fatal(err)
	}
	var hits []hitOutput
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var h hitOutput
		if err := dec.Decode(&h); err != nil {
			t.Fatal(err)
		}
		hits = append(hits, h)
	}
	return hits
}

func uids(hits []hitOutput) []string {
	var out []string
	for _, h := range hits {
		out = append(out, h.UID)
	}
	slices.Sort(out)
	return out
}

func cursors(hits []hitOutput) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Cursor
	}
	return out
}

func TestScanCommand(t *testing.T) {
	homeDir := ingested(t)
	tests := []struct {
		query string
		extra []string
		want  []string
	}{
		{query: "COLOR == 'red'", want: []string{"1", "3"}},
		{query: "SIZE == '3' && COLOR != 'red'", want: []string{"2"}},
		{query: "TAGS == 'b'", want: []string{"1", "3"}},
		{query: "COLOR == 'red' || COLOR == 'green'", extra: []string{"--parallel", "3", "--read-ahead", "2"}, want: []string{"1", "3", "4"}},
		{query: "COLOR =~ '.*'", extra: []string{"--start", "2021-03-02T00:00:00Z"}, want: []string{"3", "4"}},
		{query: "COLOR =~ '.*'", extra: []string{"--datatype", "csv"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			args := append([]string{"--home", homeDir, "scan", tt.query}, tt.extra...)
			if got := uids(scanJSON(t, args...)); !slices.Equal(got, tt.want) {
				t.Errorf("uids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanCommandMatchesAndEvents(t *testing.T) {
	homeDir := ingested(t)
	hits := scanJSON(t, "--home", homeDir, "scan", "TAGS == 'a'", "--unevaluated", "tags", "--events")
	if len(hits) != 1 {
		t.Fatalf("%d hits", len(hits))
	}
	h := hits[0]
	if h.UID != "1" || h.Datatype != "json" || !strings.HasPrefix(h.Partition, "20210301_") {
		t.Errorf("hit %+v", h)
	}
	if !slices.Equal(h.Matches["TAGS"], []string{"a"}) {
		t.Errorf("matches %v", h.Matches)
	}
	if !slices.Equal(h.Event["COLOR"], []string{"red"}) || h.Event["TAGS"] != nil {
		t.Errorf("event %v", h.Event)
	}
}

func TestScanCommandResume(t *testing.T) {
	homeDir := ingested(t)
	all := scanJSON(t, "--home", homeDir, "scan", "COLOR =~ '.*'")
	if len(all) != 4 {
		t.Fatalf("%d hits", len(all))
	}

	out, errOut, err := run(t, "--home", homeDir, "scan", "COLOR =~ '.*'", "--limit", "2", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "\n") != 2 {
		t.Errorf("limited output %q", out)
	}
	if !strings.Contains(errOut, "--after "+all[1].Cursor) {
		t.Errorf("stderr %q does not name cursor %s", errOut, all[1].Cursor)
	}

	rest := scanJSON(t, "--home", homeDir, "scan", "COLOR =~ '.*'", "--after", all[1].Cursor)
	if got, want := cursors(rest), cursors(all[2:]); !slices.Equal(got, want) {
		t.Errorf("resumed at %v, want %v", got, want)
	}
}

func TestScanCommandTable(t *testing.T) {
	homeDir := ingested(t)
	out, errOut, err := run(t, "--home", homeDir, "scan", "SIZE == '5'", "--events", "--metrics")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "PARTITION") {
		t.Fatalf("table %q", out)
	}
	if !strings.Contains(lines[1], "COLOR=red SIZE=5") {
		t.Errorf("row %q", lines[1])
	}
	if !strings.Contains(errOut, "shardscan_evaluator_matches_total 1") {
		t.Errorf("metrics %q", errOut)
	}
}

func TestScanCommandErrors(t *testing.T) {
	homeDir := ingested(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no store", []string{"--home", t.TempDir(), "scan", "A == '1'"}, "run shardscan ingest first"},
		{"parse", []string{"--home", homeDir, "scan", "COLOR =="}, "parse"},
		{"cursor", []string{"--home", homeDir, "scan", "COLOR == 'red'", "--after", "!!"}, "cursor"},
		{"format", []string{"--home", homeDir, "scan", "COLOR == 'red'", "-o", "xml"}, "output format"},
		{"time", []string{"--home", homeDir, "scan", "COLOR == 'red'", "--end", "yesterday"}, "--end"},
		{"range", []string{"--home", homeDir, "scan", "COLOR == 'red'", "--start", "10", "--end", "5"}, "after"},
		{"parallel", []string{"--home", homeDir, "scan", "COLOR == 'red'", "--parallel", "0"}, "--parallel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestIngestCommandErrors(t *testing.T) {
	homeDir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no mapping", []string{"x.json"}, "--datatype"},
		{"no fields", []string{"--datatype", "json", "x.json"}, "--field"},
		{"bad field", []string{"--datatype", "json", "--field", "color", "x.json"}, "NAME=JSONPATH"},
		{"unknown mapping", []string{"--mapping", "events", "x.json"}, "no mapping"},
		{"missing file", []string{"--datatype", "json", "--field", "c=$.c", filepath.Join(homeDir, "x.json")}, "x.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, append([]string{"--home", homeDir, "ingest"}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestIngestNamedMapping(t *testing.T) {
	homeDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreFile
	cfg.Ingest.Shards = 1
	cfg.Ingest.Mappings = map[string]ingest.Mapping{
		"people": {Datatype: "person", UID: "$.id", Fields: map[string]string{"name": "$.name"}},
	}
	if err := config.Save(filepath.Join(homeDir, "config.json"), cfg); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(homeDir, "people.json")
	if err := os.WriteFile(input, []byte(`{"id":"p1","name":"bob","t":0}`+"\n"+`{"id":"p2","name":"alice"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, "--home", homeDir, "ingest", "--mapping", "people", input); err != nil {
		t.Fatal(err)
	}
	hits := scanJSON(t, "--home", homeDir, "scan", "NAME == 'alice'")
	if len(hits) != 1 || hits[0].UID != "p2" || hits[0].Datatype != "person" || !strings.HasSuffix(hits[0].Partition, "_0") {
		t.Errorf("hits %+v", hits)
	}
}

func TestExplainCommand(t *testing.T) {
	homeDir := t.TempDir()
	out, _, err := run(t, "--home", homeDir, "explain", "A == '1' && B != '2'", "--rollup-negations")
	if err != nil {
		t.Fatal(err)
	}
	if want := "HEAD\n  intersect{A == \"1\" && !(B == \"2\")}\n"; out != want {
		t.Errorf("explain = %q, want %q", out, want)
	}
	if _, _, err := run(t, "--home", homeDir, "explain", "A =="); err == nil {
		t.Error("expected parse error")
	}
}

func TestOptionsCommand(t *testing.T) {
	out, _, err := run(t, "--home", t.TempDir(), "options", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var d booleanlogic.Description
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Options) == 0 || d.Options[0].Name != booleanlogic.OptionQuery {
		t.Errorf("options %+v", d)
	}

	out, _, err = run(t, "--home", t.TempDir(), "options")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, booleanlogic.OptionUnevaluatedFields) {
		t.Errorf("table %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	homeDir := t.TempDir()
	if _, _, err := run(t, "--home", homeDir, "config", "init"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, "--home", homeDir, "config", "init"); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("second init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, "--home", homeDir, "config", "show"); err == nil {
		t.Error("show accepted a broken config")
	}
	if _, _, err := run(t, "--home", homeDir, "config", "init", "--force"); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "--home", homeDir, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Type != config.StoreFile || cfg.Scan.Parallelism != config.DefaultConfig().Scan.Parallelism {
		t.Errorf("config %+v", cfg)
	}
}

func TestLogFlags(t *testing.T) {
	if _, _, err := run(t, "--home", t.TempDir(), "--log-level", "loud", "config", "show"); err == nil {
		t.Error("accepted bad log level")
	}
	if _, _, err := run(t, "--home", t.TempDir(), "--log-format", "xml", "config", "show"); err == nil {
		t.Error("accepted bad log format")
	}
	_, errOut, err := run(t, "--home", t.TempDir(), "--log-level", "debug", "--log-format", "json", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errOut, `"msg":"no config found, using defaults"`) {
		t.Errorf("stderr %q", errOut)
	}
}
