package harness

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SuiteResult aggregates one conformance suite run.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one failed scenario and why.
type ScenarioFailure struct {
	Scenario string `json:"scenario"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error"`
}

// RunSuite loads every *.yaml scenario under dir, runs each against a
// fresh coordinator, and aggregates the outcomes. A scenario that fails
// to load counts as a failure rather than aborting the suite.
func RunSuite(dir string) (*SuiteResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}

	result := &SuiteResult{}
	for _, path := range paths {
		result.TotalScenarios++
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")

		scenario, err := LoadScenario(path)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario: name, Path: path, Error: err.Error(),
			})
			continue
		}

		run, err := Run(scenario)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario: scenario.Name, Path: path, Error: err.Error(),
			})
			continue
		}
		if !run.Pass {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{
				Scenario: scenario.Name, Path: path,
				Error: strings.Join(run.Errors, "; "),
			})
			continue
		}
		result.Passed++
	}
	return result, nil
}

// BuiltinScenarios is the in-code conformance suite for queue
// guarantees that do not lend themselves to golden traces: per-kind
// ordering, idempotency-key dedupe, the attempt ceiling, and crash
// recovery.
func BuiltinScenarios() []*Scenario {
	return []*Scenario{
		{
			Name:        "fifo-blocks-only-its-kind",
			Description: "A failing swipe parks later swipes but never blocks other kinds, and order within the kind survives the retry.",
			Remote: []RemoteScript{
				{Kind: "swipe", Responses: []string{RespondTransient, RespondOK}},
			},
			Retry: &RetryConfig{MaxAttempts: 3, BaseDelay: "10s"},
			Steps: []Step{
				{Submit: &SubmitStep{Kind: "swipe", Payload: map[string]any{"target": "user-1"}, Key: "swipe-a"}},
				{Submit: &SubmitStep{Kind: "swipe", Payload: map[string]any{"target": "user-2"}, Key: "swipe-b"}},
				{Submit: &SubmitStep{Kind: "message", Payload: map[string]any{"body": "hi"}, Key: "msg-a"}},
				{Drain: true},
				{Advance: "6s"},
				{Drain: true},
			},
			Assertions: []Assertion{
				{Type: AssertTraceContains, Event: map[string]any{"type": "deliver", "key": "msg-a", "outcome": "ok", "attempt": 1}},
				{Type: AssertTraceContains, Event: map[string]any{"type": "deliver", "key": "swipe-a", "outcome": "ok", "attempt": 2}},
				{Type: AssertTraceContains, Event: map[string]any{"type": "deliver", "key": "swipe-b", "outcome": "ok", "attempt": 1}},
				{Type: AssertRemoteCalls, Kind: "swipe", Count: 3},
				{Type: AssertQueueDepth, Count: 0},
			},
		},
		{
			Name:        "idempotency-key-dedupes",
			Description: "Submitting the same idempotency key twice keeps a single queue entry and delivers it once.",
			Steps: []Step{
				{Submit: &SubmitStep{Kind: "swipe", Payload: map[string]any{"target": "user-4"}, Key: "swipe-dup"}},
				{Submit: &SubmitStep{Kind: "swipe", Payload: map[string]any{"target": "user-4"}, Key: "swipe-dup"}},
				{Drain: true},
			},
			Assertions: []Assertion{
				{Type: AssertTraceContains, Event: map[string]any{"type": "submit", "key": "swipe-dup", "inserted": false}},
				{Type: AssertTraceCount, Label: "deliver:swipe:ok", Count: 1},
				{Type: AssertRemoteCalls, Kind: "swipe", Count: 1},
				{Type: AssertQueueDepth, Count: 0},
			},
		},
		{
			Name:        "attempt-ceiling-abandons",
			Description: "A mutation that keeps failing transiently is abandoned once its attempt count reaches the ceiling, with one SYNC_FAILED reporting it.",
			Remote: []RemoteScript{
				{Kind: "connection", Responses: []string{RespondTransient}},
			},
			Retry: &RetryConfig{MaxAttempts: 2, BaseDelay: "10s"},
			Steps: []Step{
				{Submit: &SubmitStep{Kind: "connection", Payload: map[string]any{"peer": "user-9"}, Key: "conn-fail"}},
				{Drain: true},
				{Advance: "6s"},
				{Drain: true},
			},
			Assertions: []Assertion{
				{Type: AssertTraceContains, Event: map[string]any{"type": "deliver", "key": "conn-fail", "outcome": "transient", "attempt": 2}},
				{Type: AssertTraceContains, Event: map[string]any{"type": "signal", "signal": "SYNC_FAILED", "abandoned": map[string]any{"connection": 1}}},
				{Type: AssertRemoteCalls, Kind: "connection", Count: 2},
				{Type: AssertMutationState, Key: "conn-fail", State: StateAbsent},
			},
		},
		{
			Name:        "recover-requeues-stranded-work",
			Description: "A mutation stranded in flight by a crash is requeued by recovery and delivered on the next drain.",
			Steps: []Step{
				{Submit: &SubmitStep{Kind: "message", Payload: map[string]any{"body": "made it?"}, Key: "msg-stranded"}},
				{Strand: "msg-stranded"},
				{Recover: true},
				{Drain: true},
			},
			Assertions: []Assertion{
				{Type: AssertTraceContains, Event: map[string]any{"type": "recover", "requeued": 1}},
				{Type: AssertTraceContains, Event: map[string]any{"type": "deliver", "key": "msg-stranded", "outcome": "ok", "attempt": 1}},
				{Type: AssertTraceOrder, Labels: []string{"strand:message", "recover", "deliver:message:ok"}},
				{Type: AssertMutationState, Key: "msg-stranded", State: StateAbsent},
				{Type: AssertQueueDepth, Count: 0},
			},
		},
	}
}
