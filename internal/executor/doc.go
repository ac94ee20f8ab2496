// Package executor is the seam between the scheduler and the outside world.
//
// An Adapter asks a JudgmentProvider what to do about a due action, normalizes
// whatever comes back into an Outcome, and hands the message and effect plan
// to an Effector. It never fails: missing verdicts become transient outcomes
// that the completion policy retries.
package executor
