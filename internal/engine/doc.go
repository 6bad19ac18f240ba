// Package engine runs the change synchronization protocol.
//
// Admission validates a batch, writes it to the ledger with freshly
// allocated revisions and asks the scheduler for an apply task per touched
// (scope, actor). Workers claim those tasks and replay each actor's pending
// changes in revision order against the target store. The reconciler runs
// out of band and re-enqueues work that lost its task.
//
// The ledger is the only durable state. Every in-memory structure here can be
// dropped at any moment; the reconciler rebuilds the task queue from the
// pending records.
package engine
