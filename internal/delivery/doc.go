// Package delivery sends due drip messages.
//
// Each RunOnce call takes a snapshot of due rows, sends every row
// independently (bounded fan-out) and records the outcome:
//
//	success:  MarkSent, then AdvanceStage
//	failure:  RecordFailure, row stays pending (retried next cycle)
//	bad stage: MarkFailed, never retried
//
// Marking sent before advancing the stage means a crash between the two
// only delays the stage counter; the row itself is never re-sent.
// A store error aborts the remainder of the cycle.
package delivery
