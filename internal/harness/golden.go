package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/busprobe/internal/ir"
)

// GoldenDir is the fixture directory for golden traces, relative to the
// package under test.
const GoldenDir = "testdata/golden"

// TraceSnapshot captures the complete trace of a run.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":      event.Seq,
			"kind":     event.Kind,
			"consumed": event.Consumed,
		}
		optional := map[string]string{
			"interface":   event.Interface,
			"member":      event.Member,
			"path":        event.Path,
			"sender":      event.Sender,
			"destination": event.Destination,
			"error_name":  event.ErrorName,
		}
		for k, v := range optional {
			if v != "" {
				eventMap[k] = v
			}
		}
		if event.Serial != 0 {
			eventMap["serial"] = event.Serial
		}
		if event.ReplySerial != 0 {
			eventMap["reply_serial"] = event.ReplySerial
		}
		if event.Args != nil {
			eventMap["args"] = event.Args
		}
		if event.Forbidden {
			eventMap["forbidden"] = true
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// Snapshot renders the trace of a scenario as canonical JSON.
func Snapshot(scenarioName string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: trace}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// Digest hashes the trace snapshot of a scenario.
func Digest(scenarioName string, trace []TraceEvent) (string, error) {
	data, err := Snapshot(scenarioName, trace)
	if err != nil {
		return "", err
	}
	return ir.TraceDigest(data), nil
}

// AssertGolden compares the result's trace against a golden file.
// The golden file is stored in testdata/golden/{result.Scenario}.golden
// unless opts says otherwise.
//
// To regenerate golden files, run:
//
//	go test ./... -update
func AssertGolden(t *testing.T, result *Result, opts ...goldie.Option) error {
	t.Helper()

	traceJSON, err := Snapshot(result.Scenario, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, result.Scenario, traceJSON)

	return nil
}
