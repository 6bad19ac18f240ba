// Package harness runs sync scenarios against a real ledger, target store,
// scheduler, applier and broadcaster.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: first_change
//	description: "A first bookmark gets revision 1"
//	steps:
//	  - sync:
//	      actor: alice
//	      changes:
//	        - {id: b1, table: bookmark, kind: CREATE, payload: {channel: ch1}}
//	      scope_revs: {}
//	      expect:
//	        allowed: [b1]
//	        revs: {b1: 1}
//	        scope_revs: {ch1: 1}
//	  - drain: true
//	assertions:
//	  - type: change_status
//	    change: b1
//	    status: applied
//
// A step is exactly one of:
//
//   - sync: one admission call, checked against its optional expect clause
//   - parallel: several admission calls issued concurrently
//   - drain: run queued tasks until none remain
//   - reconcile: one reconciliation pass
//
// # Assertion Types
//
//   - change_status: a ledger record is pending, applied or errored
//   - revisions: the revisions of a scope, in order
//   - broadcast: what a topic received, by change id or count
//   - final_state: a row of a ledger or target table
//
// # Determinism
//
// Each run uses a fresh in-memory database, a manual clock and fixed
// worker ids. Results of parallel calls are recorded without revisions and
// broadcasts are recorded sorted within their step, so traces are stable
// enough for golden comparison.
package harness
