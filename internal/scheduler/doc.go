// Package scheduler runs recurring queue work on cron schedules: pruning of
// completed jobs and periodic email dispatches.
//
// Entries are rebuilt as a whole on Apply, so a config reload never leaves a
// mix of old and new schedules. A run that is still going when its next tick
// fires is skipped.
package scheduler
