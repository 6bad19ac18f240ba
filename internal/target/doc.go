// Package target holds the content tree that resolved changes mutate.
//
// Every mutation runs inside the ledger transaction that marks its change
// applied, so the tree and the ledger never disagree. Failures caused by the
// change itself wrap ErrNotFound, ErrInvalid or ErrConstraint; anything else
// is an infrastructure error and the change stays pending.
package target
