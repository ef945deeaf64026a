// Package broadcast sends one ad-hoc message to every subscriber.
//
// Send runs a broadcast inline and returns the counts. Enqueue hands it to
// a background runner started with Start; Status reports progress by job
// id. Nothing is persisted and failed recipients are not retried beyond
// Config.RetryMax. A blocked recipient is not retried at all, and a
// flood-control hint from the transport is waited out before the retry.
//
// With no subscribers, Send and queued jobs fail with ErrNoRecipients
// rather than reporting zero deliveries.
package broadcast
