// Package lineage implements spec §4.10's explain query: the single pure
// function every lineage-facing view (CLI, TUI, MCP) reduces to.
package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// ErrAmbiguousRow is returned when row_id resolves to more than one
// terminal token and no disambiguating sink is given.
var ErrAmbiguousRow = errors.New("lineage: row resolves to multiple terminal tokens, specify a sink")

// Result is the full audit trail for one token: its source row, every
// NodeState it passed through (ordered by step_index), the routing events
// and external calls recorded against those states, its parent tokens (for
// forked/joined traversals), its terminal outcome if any, and any
// validation or transform errors recorded along the way.
type Result struct {
	Token           landscape.Token
	SourceRow       landscape.Row
	NodeStates      []landscape.NodeState
	RoutingEvents   map[string]json.RawMessage // keyed by state_id
	Calls           map[string][]landscape.Call
	ParentTokens    []landscape.TokenParent
	Outcome         *landscape.TokenOutcome
	ValidationErrors map[string][]landscape.ValidationError // keyed by state_id
	TransformErrors  map[string][]landscape.TransformError  // keyed by state_id
}

// Recorder is the read surface Explain needs. landscape.Recorder satisfies
// it; tests may supply a narrower fake.
type Recorder interface {
	GetToken(ctx context.Context, tokenID string) (*landscape.Token, error)
	GetTokens(ctx context.Context, rowID string) ([]landscape.Token, error)
	GetRow(ctx context.Context, rowID string) (*landscape.Row, error)
	GetTokenParents(ctx context.Context, tokenID string) ([]landscape.TokenParent, error)
	GetNodeStatesForToken(ctx context.Context, tokenID string) ([]landscape.NodeState, error)
	GetRoutingEvents(ctx context.Context, stateID string) (json.RawMessage, error)
	GetCalls(ctx context.Context, stateID string) ([]landscape.Call, error)
	GetTokenOutcome(ctx context.Context, tokenID string) (*landscape.TokenOutcome, error)
	GetValidationErrors(ctx context.Context, stateID string) ([]landscape.ValidationError, error)
	GetTransformErrors(ctx context.Context, stateID string) ([]landscape.TransformError, error)
}

// Explain resolves a token's full lineage. Exactly one of tokenID or rowID
// must be non-empty; sink disambiguates a row with more than one terminal
// token. Returns (nil, nil) when rowID resolves to zero tokens.
func Explain(ctx context.Context, r Recorder, runID, tokenID, rowID, sink string) (*Result, error) {
	resolvedTokenID := tokenID
	if resolvedTokenID == "" {
		resolved, err := resolveByRow(ctx, r, rowID, sink)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			return nil, nil
		}
		resolvedTokenID = resolved
	}

	token, err := r.GetToken(ctx, resolvedTokenID)
	if err != nil {
		return nil, fmt.Errorf("lineage: get token: %w", err)
	}

	row, err := r.GetRow(ctx, token.RowID)
	if err != nil {
		return nil, fmt.Errorf("lineage: get source row: %w", err)
	}

	parents, err := r.GetTokenParents(ctx, resolvedTokenID)
	if err != nil {
		return nil, fmt.Errorf("lineage: get token parents: %w", err)
	}

	states, err := r.GetNodeStatesForToken(ctx, resolvedTokenID)
	if err != nil {
		return nil, fmt.Errorf("lineage: get node states: %w", err)
	}

	routingEvents := make(map[string]json.RawMessage, len(states))
	calls := make(map[string][]landscape.Call, len(states))
	validationErrors := make(map[string][]landscape.ValidationError, len(states))
	transformErrors := make(map[string][]landscape.TransformError, len(states))
	for _, s := range states {
		if re, err := r.GetRoutingEvents(ctx, s.StateID); err != nil {
			return nil, fmt.Errorf("lineage: get routing events for %s: %w", s.StateID, err)
		} else if len(re) > 0 {
			routingEvents[s.StateID] = re
		}
		if c, err := r.GetCalls(ctx, s.StateID); err != nil {
			return nil, fmt.Errorf("lineage: get calls for %s: %w", s.StateID, err)
		} else if len(c) > 0 {
			calls[s.StateID] = c
		}
		if ve, err := r.GetValidationErrors(ctx, s.StateID); err != nil {
			return nil, fmt.Errorf("lineage: get validation errors for %s: %w", s.StateID, err)
		} else if len(ve) > 0 {
			validationErrors[s.StateID] = ve
		}
		if te, err := r.GetTransformErrors(ctx, s.StateID); err != nil {
			return nil, fmt.Errorf("lineage: get transform errors for %s: %w", s.StateID, err)
		} else if len(te) > 0 {
			transformErrors[s.StateID] = te
		}
	}

	outcome, err := r.GetTokenOutcome(ctx, resolvedTokenID)
	if err != nil && !errors.Is(err, landscape.ErrNotFound) {
		return nil, fmt.Errorf("lineage: get token outcome: %w", err)
	}

	return &Result{
		Token:            *token,
		SourceRow:        *row,
		NodeStates:       states,
		RoutingEvents:    routingEvents,
		Calls:            calls,
		ParentTokens:     parents,
		Outcome:          outcome,
		ValidationErrors: validationErrors,
		TransformErrors:  transformErrors,
	}, nil
}

// resolveByRow implements the zero/one/many-with-sink disambiguation rule.
func resolveByRow(ctx context.Context, r Recorder, rowID, sink string) (string, error) {
	tokens, err := r.GetTokens(ctx, rowID)
	if err != nil {
		return "", fmt.Errorf("lineage: get tokens for row: %w", err)
	}
	switch len(tokens) {
	case 0:
		return "", nil
	case 1:
		return tokens[0].TokenID, nil
	}

	var terminal []landscape.Token
	outcomes := make(map[string]*landscape.TokenOutcome, len(tokens))
	for _, t := range tokens {
		outcome, err := r.GetTokenOutcome(ctx, t.TokenID)
		if err != nil {
			if errors.Is(err, landscape.ErrNotFound) {
				continue
			}
			return "", fmt.Errorf("lineage: get token outcome for %s: %w", t.TokenID, err)
		}
		if outcome.IsTerminal {
			terminal = append(terminal, t)
			outcomes[t.TokenID] = outcome
		}
	}

	if sink != "" {
		var matches []landscape.Token
		for _, t := range terminal {
			if outcomes[t.TokenID].SinkName == sink {
				matches = append(matches, t)
			}
		}
		if len(matches) == 1 {
			return matches[0].TokenID, nil
		}
		return "", fmt.Errorf("%w: sink %q matched %d tokens", ErrAmbiguousRow, sink, len(matches))
	}

	if len(terminal) == 1 {
		return terminal[0].TokenID, nil
	}
	return "", fmt.Errorf("%w: %d terminal tokens", ErrAmbiguousRow, len(terminal))
}
