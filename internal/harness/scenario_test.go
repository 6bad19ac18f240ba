package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: demo
description: one bookmark
steps:
  - sync:
      actor: alice
      changes:
        - id: b1
          table: bookmark
          kind: CREATE
          payload: {channel: ch1}
      expect:
        revs: {b1: 1}
  - drain: true
assertions:
  - type: broadcast
    topic: channel:ch1
    count: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Name)
	require.Len(t, s.Steps, 2)
	require.NotNil(t, s.Steps[0].Sync)
	assert.Equal(t, map[string]int64{"b1": 1}, s.Steps[0].Sync.Expect.Revs)
	assert.True(t, s.Steps[1].Drain)
	require.NotNil(t, s.Assertions[0].Count)
	assert.Equal(t, 1, *s.Assertions[0].Count)

	req, err := s.Steps[0].Sync.Request()
	require.NoError(t, err)
	require.Len(t, req.Changes, 1)
	assert.JSONEq(t, `{"channel":"ch1"}`, string(req.Changes[0].Payload))
}

func TestParseScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown field",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\nbogus: 1\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			doc:  "description: y\nsteps:\n  - drain: true\n",
			want: "name is required",
		},
		{
			name: "no steps",
			doc:  "name: x\ndescription: y\n",
			want: "steps list is required",
		},
		{
			name: "two kinds in one step",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\n    reconcile: true\n",
			want: "exactly one of",
		},
		{
			name: "missing actor",
			doc:  "name: x\ndescription: y\nsteps:\n  - sync: {changes: []}\n",
			want: "actor is required",
		},
		{
			name: "incomplete change",
			doc:  "name: x\ndescription: y\nsteps:\n  - sync:\n      actor: a\n      changes:\n        - id: c1\n",
			want: "id, table and kind are required",
		},
		{
			name: "unknown assertion",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\nassertions:\n  - type: vibes\n",
			want: "unknown assertion type",
		},
		{
			name: "bad status",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\nassertions:\n  - type: change_status\n    change: c1\n    status: done\n",
			want: "unknown status",
		},
		{
			name: "broadcast without expectation",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\nassertions:\n  - type: broadcast\n    topic: channel:ch1\n",
			want: "changes or count is required",
		},
		{
			name: "final state without values",
			doc:  "name: x\ndescription: y\nsteps:\n  - drain: true\nassertions:\n  - type: final_state\n    table: channels\n",
			want: "expect is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("a", []byte("a")))
	assert.True(t, stateValuesEqual(1, int64(1)))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(false, int64(0)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual("1", int64(1)))
	assert.False(t, stateValuesEqual(nil, ""))
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"user_id": "alice", "channel_id": "ch1"})
	require.NoError(t, err)
	assert.Equal(t, "channel_id = ? AND user_id = ?", sql)
	assert.Equal(t, []any{"ch1", "alice"}, args)

	_, _, err = buildWhereClause(map[string]any{"id; DROP": 1})
	assert.Error(t, err)
}
