package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/changesync/internal/engine"
)

// Scenario is a scripted sequence of sync calls and worker activity.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Step is exactly one of Sync, Parallel, Drain or Reconcile.
type Step struct {
	Sync      *SyncCall  `yaml:"sync,omitempty"`
	Parallel  []SyncCall `yaml:"parallel,omitempty"`
	Drain     bool       `yaml:"drain,omitempty"`
	Reconcile bool       `yaml:"reconcile,omitempty"`
}

func (s Step) kinds() int {
	n := 0
	for _, set := range []bool{s.Sync != nil, len(s.Parallel) > 0, s.Drain, s.Reconcile} {
		if set {
			n++
		}
	}
	return n
}

// SyncCall is one admission request made by Actor.
type SyncCall struct {
	Actor     string           `yaml:"actor"`
	Changes   []ChangeSpec     `yaml:"changes,omitempty"`
	ScopeRevs map[string]int64 `yaml:"scope_revs,omitempty"`
	Expect    *Expect          `yaml:"expect,omitempty"`
}

// ChangeSpec is a proposed change as written in a scenario.
type ChangeSpec struct {
	ID        string         `yaml:"id"`
	ChannelID string         `yaml:"channel_id,omitempty"`
	UserID    string         `yaml:"user_id,omitempty"`
	Table     string         `yaml:"table"`
	Kind      string         `yaml:"kind"`
	Payload   map[string]any `yaml:"payload,omitempty"`
}

// Expect checks an admission response. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code; empty means success.
	Error string `yaml:"error,omitempty"`

	// Allowed lists the returned change ids in order.
	Allowed []string `yaml:"allowed,omitempty"`

	// Revs and Status check individual returned changes by id.
	Revs   map[string]int64  `yaml:"revs,omitempty"`
	Status map[string]string `yaml:"status,omitempty"`

	ScopeRevs map[string]int64 `yaml:"scope_revs,omitempty"`
}

// Request converts the call into the wire request.
func (c SyncCall) Request() (engine.SyncRequest, error) {
	req := engine.SyncRequest{
		Changes:   make([]engine.ProposedChange, 0, len(c.Changes)),
		ScopeRevs: c.ScopeRevs,
	}
	for _, ch := range c.Changes {
		p := engine.ProposedChange{
			ID:        ch.ID,
			ChannelID: ch.ChannelID,
			UserID:    ch.UserID,
			Table:     ch.Table,
			Kind:      ch.Kind,
		}
		if ch.Payload != nil {
			data, err := json.Marshal(ch.Payload)
			if err != nil {
				return engine.SyncRequest{}, fmt.Errorf("change %s payload: %w", ch.ID, err)
			}
			p.Payload = data
		}
		req.Changes = append(req.Changes, p)
	}
	return req, nil
}

// Assertion validates the final ledger, target and broadcast state.
type Assertion struct {
	// Type is one of change_status, revisions, broadcast, final_state.
	Type string `yaml:"type"`

	// change_status
	Change string `yaml:"change,omitempty"`
	Status string `yaml:"status,omitempty"`

	// revisions: Scope is a scope key such as channel:ch1.
	Scope string  `yaml:"scope,omitempty"`
	Revs  []int64 `yaml:"revs,omitempty"`

	// broadcast: Changes in delivery order, or Count when order is not
	// deterministic.
	Topic   string   `yaml:"topic,omitempty"`
	Changes []string `yaml:"changes,omitempty"`
	Count   *int     `yaml:"count,omitempty"`

	// final_state
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Values map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertChangeStatus = "change_status"
	AssertRevisions    = "revisions"
	AssertBroadcast    = "broadcast"
	AssertFinalState   = "final_state"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

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

	for i, step := range s.Steps {
		if step.kinds() != 1 {
			return fmt.Errorf("steps[%d]: exactly one of sync, parallel, drain, reconcile is required", i)
		}
		calls := step.Parallel
		if step.Sync != nil {
			calls = []SyncCall{*step.Sync}
		}
		for j, call := range calls {
			if call.Actor == "" {
				return fmt.Errorf("steps[%d].call[%d]: actor is required", i, j)
			}
			for k, ch := range call.Changes {
				if ch.ID == "" || ch.Table == "" || ch.Kind == "" {
					return fmt.Errorf("steps[%d].call[%d].changes[%d]: id, table and kind are required", i, j, k)
				}
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertChangeStatus:
		if a.Change == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: change and status are required for change_status", index)
		}
		switch a.Status {
		case "pending", "applied", "errored":
		default:
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
	case AssertRevisions:
		if a.Scope == "" {
			return fmt.Errorf("assertions[%d]: scope is required for revisions", index)
		}
	case AssertBroadcast:
		if a.Topic == "" {
			return fmt.Errorf("assertions[%d]: topic is required for broadcast", index)
		}
		if a.Changes == nil && a.Count == nil {
			return fmt.Errorf("assertions[%d]: changes or count is required for broadcast", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Values) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
