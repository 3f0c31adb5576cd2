// Package command validates control requests against a per-kind action
// table, reflects them optimistically in the store and forwards them to the
// remote backend.
//
// Delivery is best effort. A rejected or failed command leaves the
// optimistic row in place until the next authoritative update replaces it;
// there is no rollback and no timeout.
//
// When a journal repository is configured every dispatched command is
// recorded with the remote outcome. Journal writes happen on a single
// background worker so a slow disk never delays the caller.
package command
