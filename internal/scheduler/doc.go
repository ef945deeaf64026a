// Package scheduler fires named jobs on cron or interval schedules.
//
// Every job runs with skip-if-running: a trigger that arrives while the
// previous run of the same job is still in flight is dropped. Runs get an
// optional timeout, panics become errors and results are kept in a small
// history for diagnostics.
package scheduler
