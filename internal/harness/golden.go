package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/changesync/internal/ir"
)

// TraceSnapshot is the golden form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func anyMap(m map[string]int64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// toCanonicalMap converts the snapshot into values ir.MarshalCanonical
// accepts. Each event carries only the fields of its type.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{"step": e.Step, "type": e.Type}
		switch e.Type {
		case "sync":
			m["actor"] = e.Actor
			if e.Parallel {
				m["parallel"] = true
			}
			if e.Error != "" {
				m["error"] = e.Error
				break
			}
			m["allowed"] = anySlice(e.Allowed)
			if !e.Parallel {
				m["scope_revs"] = anyMap(e.ScopeRevs)
			}
		case "drain":
			m["tasks"] = e.Tasks
		case "reconcile":
			m["released"] = e.Released
			m["requeued"] = e.Requeued
			m["flags_reset"] = anySlice(e.FlagsReset)
		case "broadcast":
			m["topic"] = e.Topic
			m["change"] = e.Change
			m["status"] = e.Status
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// Canonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden runs a scenario, fails t if it does not pass, and compares
// its trace with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	data, err := snapshot.Canonical()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
