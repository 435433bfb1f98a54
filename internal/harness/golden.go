package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/kvpipe/internal/record"
)

// TraceSnapshot captures the trace of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	RunID        string
	Trace        []TraceEvent
}

// toCanonicalMap converts a TraceSnapshot to a map for canonical JSON.
// Step events always carry their step index; commit events always carry
// their result, even when it is null.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type":     event.Type,
			"seq":      event.Seq,
			"pipeline": event.Pipeline,
		}
		switch event.Type {
		case EventStep:
			eventMap["step"] = event.Step
			eventMap["op"] = event.Op
			eventMap["store"] = event.Store
			if event.Index != "" {
				eventMap["index"] = event.Index
			}
			if event.Key != nil {
				eventMap["key"] = event.Key
			}
			if event.Data != nil {
				eventMap["data"] = event.Data
			}
		case EventCommit:
			eventMap["result"] = event.Result
		case EventAbort:
			eventMap["error"] = event.Error
		}
		traceList[i] = eventMap
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
	if s.RunID != "" {
		result["run_id"] = s.RunID
	}
	return result
}

// MarshalTrace renders a result's trace as canonical JSON.
func MarshalTrace(scenarioName, runID string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		RunID:        runID,
		Trace:        result.Trace,
	}
	return record.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario in a test temp dir and compares its
// trace with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// The returned error reports setup failures only; a trace mismatch fails
// the test through goldie, and failed expectations are left in the
// returned result.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	opts = append([]Option{WithDir(t.TempDir())}, opts...)
	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, scenario.RunID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName, runID string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, runID, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
