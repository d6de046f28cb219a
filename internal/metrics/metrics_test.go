package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Candidate()
	m.Match()
	m.Jump()
	m.NegationRejected()
	m.LeafSeek("term")
	m.CacheSpill()
	m.Partition()
}

func TestWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.Match()
	m.Match()
	m.LeafSeek("term")

	var buf bytes.Buffer
	if err := Write(&buf, reg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"shardscan_evaluator_matches_total 2",
		`shardscan_leaf_seeks_total{kind="term"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
