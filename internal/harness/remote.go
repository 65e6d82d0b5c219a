package harness

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/syncer"
)

// ScriptedRemote stands in for the live API client: each mutation kind
// replays a fixed outcome script, with the last entry repeating. Every
// delivery is recorded in the scenario trace at the moment it happens,
// so deliveries interleave correctly with the surrounding step events.
//
// Not safe for concurrent use; the harness drives the coordinator from
// a single goroutine.
type ScriptedRemote struct {
	result  *Result
	scripts map[domain.MutationKind][]string
	calls   map[domain.MutationKind]int
}

var _ syncer.Deliverer = (*ScriptedRemote)(nil)

func newScriptedRemote(scripts []RemoteScript, result *Result) *ScriptedRemote {
	r := &ScriptedRemote{
		result:  result,
		scripts: make(map[domain.MutationKind][]string, len(scripts)),
		calls:   make(map[domain.MutationKind]int),
	}
	for _, s := range scripts {
		r.scripts[domain.MutationKind(s.Kind)] = s.Responses
	}
	return r
}

// Deliver resolves the scripted outcome for m's kind and returns the
// matching result: an empty body for "ok", a classified API error
// otherwise. Kinds without a script accept every delivery.
func (r *ScriptedRemote) Deliver(ctx context.Context, m domain.Mutation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := r.calls[m.Kind]
	r.calls[m.Kind]++

	outcome := RespondOK
	if script := r.scripts[m.Kind]; len(script) > 0 {
		if idx >= len(script) {
			idx = len(script) - 1
		}
		outcome = script[idx]
	}

	r.result.addEvent(TraceEvent{
		Type:    TraceDeliver,
		Kind:    string(m.Kind),
		Key:     m.IdempotencyKey,
		Outcome: outcome,
		Attempt: m.AttemptCount + 1,
	})

	endpoint := "POST /scripted/" + string(m.Kind)
	switch outcome {
	case RespondTransient:
		return nil, &api.Error{Kind: api.KindTransient, StatusCode: http.StatusServiceUnavailable, Endpoint: endpoint}
	case RespondConflict:
		return nil, &api.Error{Kind: api.KindConflict, StatusCode: http.StatusConflict, Endpoint: endpoint}
	case RespondInvalid:
		return nil, &api.Error{Kind: api.KindInvalid, StatusCode: http.StatusBadRequest, Endpoint: endpoint}
	default:
		return json.RawMessage(`{}`), nil
	}
}

// Calls reports how many deliveries were attempted for kind.
func (r *ScriptedRemote) Calls(kind domain.MutationKind) int {
	return r.calls[kind]
}
