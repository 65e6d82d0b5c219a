package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/syncer"
)

// Scenario is one conformance case: a scripted remote, a sequence of
// steps, and assertions over the resulting trace and queue state.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Remote scripts delivery outcomes per mutation kind. Kinds without
	// a script accept every delivery.
	Remote []RemoteScript `yaml:"remote,omitempty"`

	// Retry overrides the coordinator's retry settings.
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Steps run in order against the coordinator.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// RemoteScript fixes the delivery outcomes for one mutation kind, in
// order, with the last entry repeating.
type RemoteScript struct {
	Kind      string   `yaml:"kind"`
	Responses []string `yaml:"responses"`
}

// Scripted delivery outcomes.
const (
	RespondOK        = "ok"
	RespondTransient = "transient"
	RespondConflict  = "conflict"
	RespondInvalid   = "invalid"
)

// RetryConfig overrides the coordinator retry settings for one
// scenario. Zero fields keep the defaults.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	BaseDelay   string `yaml:"base_delay,omitempty"`
	MaxDelay    string `yaml:"max_delay,omitempty"`
}

// Step is one scenario action. Exactly one field may be set.
type Step struct {
	// Submit enqueues a mutation through the coordinator.
	Submit *SubmitStep `yaml:"submit,omitempty"`

	// Drain runs one drain to completion.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves the manual clock forward and fires armed timers.
	Advance string `yaml:"advance,omitempty"`

	// Recover requeues stranded in-flight work, as a restart would.
	Recover bool `yaml:"recover,omitempty"`

	// Strand claims the mutation with this idempotency key and leaves
	// it in flight, which is the state a crash mid-delivery leaves.
	Strand string `yaml:"strand,omitempty"`
}

// SubmitStep is one queued write.
type SubmitStep struct {
	Kind       string         `yaml:"kind"`
	Payload    map[string]any `yaml:"payload"`
	Key        string         `yaml:"key,omitempty"`
	Collection string         `yaml:"collection,omitempty"`
	RecordID   string         `yaml:"record_id,omitempty"`
}

// Assertion checks the trace or the final state.
type Assertion struct {
	// Type selects the check:
	//   - trace_contains: an event with the given fields appears
	//   - trace_order: labels appear in the given relative order
	//   - trace_count: a label appears exactly Count times
	//   - queue_depth: the queue holds exactly Count mutations
	//   - mutation_state: the mutation with Key sits in State
	//   - remote_calls: the remote saw exactly Count deliveries of Kind
	Type string `yaml:"type"`

	// Event is a subset match against one trace event (trace_contains).
	Event map[string]any `yaml:"event,omitempty"`

	// Labels is the expected relative order (trace_order).
	Labels []string `yaml:"labels,omitempty"`

	// Label is the event label to count (trace_count).
	Label string `yaml:"label,omitempty"`

	// Count is the expected number (trace_count, queue_depth, remote_calls).
	Count int `yaml:"count,omitempty"`

	// Kind is the mutation kind (remote_calls).
	Kind string `yaml:"kind,omitempty"`

	// Key and State identify a mutation and where it must have ended up
	// (mutation_state). State "absent" means acknowledged or abandoned,
	// either way out of the queue.
	Key   string `yaml:"key,omitempty"`
	State string `yaml:"state,omitempty"`

	// Attempts, when set, is the expected attempt count (mutation_state).
	Attempts *int `yaml:"attempts,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertQueueDepth    = "queue_depth"
	AssertMutationState = "mutation_state"
	AssertRemoteCalls   = "remote_calls"
)

// StateAbsent asserts the mutation left the queue entirely.
const StateAbsent = "absent"

// LoadScenario reads and validates a scenario YAML file. Unknown fields
// are rejected so a typo fails loudly instead of silently skipping a
// step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and value ranges.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, script := range s.Remote {
		if !domain.ValidMutationKind(domain.MutationKind(script.Kind)) {
			return fmt.Errorf("remote[%d]: unknown mutation kind %q", i, script.Kind)
		}
		if len(script.Responses) == 0 {
			return fmt.Errorf("remote[%d]: responses list is required and must be non-empty", i)
		}
		for j, resp := range script.Responses {
			switch resp {
			case RespondOK, RespondTransient, RespondConflict, RespondInvalid:
			default:
				return fmt.Errorf("remote[%d].responses[%d]: unknown response %q", i, j, resp)
			}
		}
	}

	if r := s.Retry; r != nil {
		if r.MaxAttempts < 0 {
			return fmt.Errorf("retry: max_attempts must be non-negative")
		}
		if r.BaseDelay != "" {
			if _, err := time.ParseDuration(r.BaseDelay); err != nil {
				return fmt.Errorf("retry: base_delay: %w", err)
			}
		}
		if r.MaxDelay != "" {
			if _, err := time.ParseDuration(r.MaxDelay); err != nil {
				return fmt.Errorf("retry: max_delay: %w", err)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	actions := 0
	if step.Submit != nil {
		actions++
		if step.Submit.Kind == "" {
			return fmt.Errorf("steps[%d].submit: kind is required", index)
		}
		if !domain.ValidMutationKind(domain.MutationKind(step.Submit.Kind)) {
			return fmt.Errorf("steps[%d].submit: unknown mutation kind %q", index, step.Submit.Kind)
		}
		if step.Submit.Payload == nil {
			return fmt.Errorf("steps[%d].submit: payload is required (use an empty map for none)", index)
		}
	}
	if step.Drain {
		actions++
	}
	if step.Advance != "" {
		actions++
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: duration must be positive", index)
		}
	}
	if step.Recover {
		actions++
	}
	if step.Strand != "" {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of submit, drain, advance, recover, strand is required", index)
	}
	return nil
}

// validateAssertion checks one assertion against its type's required
// fields.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if len(a.Event) == 0 {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
		if _, ok := a.Event["type"]; !ok {
			return fmt.Errorf("assertions[%d]: event must include a type for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Labels) < 2 {
			return fmt.Errorf("assertions[%d]: at least two labels are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Label == "" {
			return fmt.Errorf("assertions[%d]: label is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertQueueDepth:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue_depth", index)
		}
	case AssertMutationState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for mutation_state", index)
		}
		switch a.State {
		case string(domain.MutationQueued), string(domain.MutationInFlight),
			string(domain.MutationRetryScheduled), StateAbsent:
		default:
			return fmt.Errorf("assertions[%d]: unknown mutation state %q", index, a.State)
		}
	case AssertRemoteCalls:
		if !domain.ValidMutationKind(domain.MutationKind(a.Kind)) {
			return fmt.Errorf("assertions[%d]: unknown mutation kind %q", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for remote_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// retrySettings resolves the scenario's retry overrides onto the
// coordinator defaults. Delays were validated with the scenario.
type retrySettings struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

func (s *Scenario) retrySettings() retrySettings {
	rs := retrySettings{
		maxAttempts: syncer.DefaultMaxAttempts,
		base:        syncer.DefaultBaseDelay,
		max:         syncer.DefaultMaxDelay,
	}
	if s.Retry == nil {
		return rs
	}
	if s.Retry.MaxAttempts > 0 {
		rs.maxAttempts = s.Retry.MaxAttempts
	}
	if s.Retry.BaseDelay != "" {
		rs.base, _ = time.ParseDuration(s.Retry.BaseDelay)
	}
	if s.Retry.MaxDelay != "" {
		rs.max, _ = time.ParseDuration(s.Retry.MaxDelay)
	}
	return rs
}
