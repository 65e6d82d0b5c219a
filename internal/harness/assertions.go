package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/store"
)

// AssertionError is one failed assertion with enough context to read
// the failure without re-running the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual:   %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\ntrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, ev.Label())
		}
	}
	return buf.String()
}

// AssertionContext carries the live collaborators that state assertions
// inspect after the steps finish.
type AssertionContext struct {
	Ctx    context.Context
	Store  store.Store
	Remote *ScriptedRemote
}

// EvaluateAssertions runs every assertion against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertQueueDepth:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertions[%d]: queue_depth requires a store", i)
			} else {
				err = assertQueueDepth(actx, a)
			}
		case AssertMutationState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertions[%d]: mutation_state requires a store", i)
			} else {
				err = assertMutationState(actx, a)
			}
		case AssertRemoteCalls:
			if actx == nil || actx.Remote == nil {
				err = fmt.Errorf("assertions[%d]: remote_calls requires the scripted remote", i)
			} else {
				err = assertRemoteCalls(actx.Remote, a)
			}
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// assertTraceContains passes when any trace event matches every field
// of the expectation.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if eventMatches(ev, a.Event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event matching %v", a.Event),
		Actual:   "no trace event matched",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labels appear in the given relative
// order. Matching uses each label's first occurrence; intervening
// events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		label := ev.Label()
		for _, want := range a.Labels {
			if label == want && positions[want] == 0 {
				positions[want] = i + 1
			}
		}
	}

	for _, want := range a.Labels {
		if positions[want] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all labels present: %v", a.Labels),
				Actual:   fmt.Sprintf("missing label: %s", want),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Labels); i++ {
		prev, curr := a.Labels[i-1], a.Labels[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("labels in order: %v", a.Labels),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Label() == a.Label {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrence(s) of %s", a.Count, a.Label),
			Actual:   fmt.Sprintf("%d occurrence(s)", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertQueueDepth(actx *AssertionContext, a Assertion) error {
	depth, err := actx.Store.QueueDepth(actx.Ctx)
	if err != nil {
		return fmt.Errorf("queue_depth: %w", err)
	}
	if depth != a.Count {
		return &AssertionError{
			Type:     AssertQueueDepth,
			Expected: fmt.Sprintf("%d pending mutation(s)", a.Count),
			Actual:   fmt.Sprintf("%d pending", depth),
		}
	}
	return nil
}

func assertMutationState(actx *AssertionContext, a Assertion) error {
	muts, err := actx.Store.ListMutations(actx.Ctx)
	if err != nil {
		return fmt.Errorf("mutation_state: %w", err)
	}

	for _, m := range muts {
		if m.IdempotencyKey != a.Key {
			continue
		}
		if a.State == StateAbsent {
			return &AssertionError{
				Type:     AssertMutationState,
				Expected: fmt.Sprintf("mutation %s gone from the queue", a.Key),
				Actual:   fmt.Sprintf("still present in state %s", m.State),
			}
		}
		if string(m.State) != a.State {
			return &AssertionError{
				Type:     AssertMutationState,
				Expected: fmt.Sprintf("mutation %s in state %s", a.Key, a.State),
				Actual:   fmt.Sprintf("state %s", m.State),
			}
		}
		if a.Attempts != nil && m.AttemptCount != *a.Attempts {
			return &AssertionError{
				Type:     AssertMutationState,
				Expected: fmt.Sprintf("mutation %s with %d attempt(s)", a.Key, *a.Attempts),
				Actual:   fmt.Sprintf("%d attempt(s)", m.AttemptCount),
			}
		}
		return nil
	}

	if a.State == StateAbsent {
		return nil
	}
	return &AssertionError{
		Type:     AssertMutationState,
		Expected: fmt.Sprintf("mutation %s in state %s", a.Key, a.State),
		Actual:   "not in the queue",
	}
}

func assertRemoteCalls(remote *ScriptedRemote, a Assertion) error {
	calls := remote.Calls(domain.MutationKind(a.Kind))
	if calls != a.Count {
		return &AssertionError{
			Type:     AssertRemoteCalls,
			Expected: fmt.Sprintf("%d delivery attempt(s) for %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d attempt(s)", calls),
		}
	}
	return nil
}

// eventMatches does a subset match of want against the event's JSON
// form, so assertions use the same field names goldens show.
func eventMatches(ev TraceEvent, want map[string]any) bool {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	for k, wv := range want {
		gv, ok := got[k]
		if !ok || !valuesMatch(gv, wv) {
			return false
		}
	}
	return true
}

// valuesMatch compares a JSON-decoded trace value against a
// YAML-decoded expectation. Numbers compare by value because the two
// decoders produce different Go types for the same literal.
func valuesMatch(got, want any) bool {
	if g, ok := asFloat(got); ok {
		w, wok := asFloat(want)
		return wok && g == w
	}
	if w, ok := want.(map[string]any); ok {
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !valuesMatch(gv, wv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(got, want)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
