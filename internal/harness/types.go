package harness

import "fmt"

// Trace event types.
const (
	TraceSubmit  = "submit"
	TraceDeliver = "deliver"
	TraceDrain   = "drain"
	TraceAdvance = "advance"
	TraceRecover = "recover"
	TraceStrand  = "strand"
	TraceSignal  = "signal"
)

// TraceEvent is one recorded occurrence during a scenario run. Which
// fields are set depends on Type; unset fields stay out of the JSON so
// goldens show only what each event carries.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`

	// Kind and Key identify the mutation (submit, deliver, strand).
	Kind string `json:"kind,omitempty"`
	Key  string `json:"key,omitempty"`

	// Inserted is false when a submit deduped onto an existing entry.
	Inserted *bool `json:"inserted,omitempty"`

	// Outcome and Attempt describe one delivery.
	Outcome string `json:"outcome,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Elapsed is an advance step's duration, as written in the scenario.
	Elapsed string `json:"elapsed,omitempty"`

	// Signal is the bridge event type; SyncedCount comes with
	// SYNC_COMPLETE and Abandoned below with SYNC_FAILED.
	Signal      string `json:"signal,omitempty"`
	SyncedCount int    `json:"synced_count,omitempty"`

	// Drain totals. Abandoned also carries the per-kind counts of a
	// SYNC_FAILED signal.
	Attempted int            `json:"attempted,omitempty"`
	Acked     int            `json:"acked,omitempty"`
	Retried   int            `json:"retried,omitempty"`
	Abandoned map[string]int `json:"abandoned,omitempty"`

	// Recover totals.
	Requeued   int `json:"requeued,omitempty"`
	Reconciled int `json:"reconciled,omitempty"`
}

// Label is the compact form trace_order and trace_count assertions
// match on: "submit:swipe", "deliver:swipe:ok", "signal:SYNC_COMPLETE".
// Events without a distinguishing payload label as their type alone.
func (e TraceEvent) Label() string {
	switch e.Type {
	case TraceSubmit, TraceStrand:
		return fmt.Sprintf("%s:%s", e.Type, e.Kind)
	case TraceDeliver:
		return fmt.Sprintf("%s:%s:%s", e.Type, e.Kind, e.Outcome)
	case TraceSignal:
		return fmt.Sprintf("%s:%s", e.Type, e.Signal)
	default:
		return e.Type
	}
}

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists everything that happened, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	seq int
}

// NewResult returns an empty passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failed assertion and flips the result to failing.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// addEvent appends ev to the trace with the next sequence number.
func (r *Result) addEvent(ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	r.Trace = append(r.Trace, ev)
}
