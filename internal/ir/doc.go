// Package ir defines the change record and the constrained payload values
// shared by every other changesync package.
//
// ir imports nothing internal. Payloads are restricted to strings, integers,
// booleans, null, arrays and objects; floats are rejected so that the stored
// canonical form of a payload is stable across clients and replays.
package ir
