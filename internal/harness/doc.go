// Package harness runs conformance scenarios against a real sync
// coordinator. A scenario submits mutations, drains the queue against a
// scripted remote, and advances a manual clock; the harness records an
// ordered trace of everything that happened and evaluates assertions
// over the trace and the final queue state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry-after-transient-failure
//	description: "Transient failures retry with backoff"
//	remote:
//	  - kind: swipe
//	    responses: [transient, ok]
//	retry:
//	  max_attempts: 3
//	  base_delay: 10s
//	steps:
//	  - submit: { kind: swipe, payload: { target: user-7 }, key: swipe-1 }
//	  - drain: true
//	  - advance: 6s
//	  - drain: true
//	assertions:
//	  - type: queue_depth
//	    count: 0
//
// Each remote script lists delivery outcomes per mutation kind; the
// last entry repeats. Kinds without a script accept every delivery.
//
// # Assertion Types
//
//   - trace_contains: an event with the given fields appears in the trace
//   - trace_order: event labels appear in the given relative order
//   - trace_count: an event label appears exactly N times
//   - queue_depth: the queue holds exactly N mutations after the steps
//   - mutation_state: the mutation with a key sits in a state ("absent" = gone)
//   - remote_calls: the remote saw exactly N deliveries for a kind
//
// # Determinism
//
// Every run starts from a fixed wall-clock origin with a manual clock
// and scheduler, hands out sequential idempotency keys to submissions
// that omit their own, and pins the backoff jitter to its floor, so
// attempt n always waits exactly half of base*2^(n-1). Identical
// scenarios therefore produce identical traces, which is what makes
// golden comparison possible (see RunWithGolden).
package harness
