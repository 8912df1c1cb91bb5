// Rules engine and state for a single-channel "counting game".
//
// Participants must post consecutive positive integers, one at a time, and never twice in a row by the same participant. `Rules.Evaluate` is a pure classifier mapping (state, message) to a verdict; `Session` owns the one mutable state slot for a guild+channel pair and applies verdicts under a lock.
//
// See `cmd/countkeeper` for a daemon built on this package.
package counting
