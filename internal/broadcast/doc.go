// Package broadcast pushes resolved changes to real-time subscribers.
//
// Routing is fixed: an errored change goes to its author's private topic, an
// applied change goes to the topic of its scope. Delivery is at most once per
// subscriber and nothing is replayed; clients that miss messages recover by
// catching up through admission.
package broadcast
