// Package scheduler is the Scheduler Loop.
//
// On a fixed cadence it lists due actions, claims each one with a
// version-guarded write, runs claimed actions concurrently (bounded by the
// worker count), feeds each outcome through the completion policy and
// persists the transition with the claim's version. Results for rows that
// were deleted or changed meanwhile are discarded. A cron job prunes old
// terminal actions.
package scheduler
