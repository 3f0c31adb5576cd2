// Package store implements the reconciliation store: the single owner of
// every mirrored entity's runtime state.
//
// The store is a reducer. Three action variants mutate it:
//
//   - ApplySnapshot: a full get_states result for a connection epoch.
//   - ApplyIncrementalUpdate: one state_changed event.
//   - ApplyOptimisticUpdate: a locally issued command's expected effect.
//
// Every catalogue entity has exactly one row from construction onward.
// Identity fields always come from the catalogue; remote data only ever
// touches RuntimeState. Ids outside the catalogue are ignored.
//
// # Change detection
//
// Rows are immutable *entity.View values. A reducer call that produces a row
// equal to the previous one keeps the previous pointer and notifies nobody,
// so observers can compare pointers to detect change.
//
// # Snapshot boundary
//
// Each connection that reaches the ready phase carries a new epoch. After a
// snapshot for epoch N has been applied, incremental updates tagged with an
// older epoch are dropped unless their timestamp is newer than the row's
// last authoritative timestamp.
//
// # Thread Safety
//
// All reducer calls are serialised by one mutex. Observers are notified
// synchronously, inside that critical section, in reducer order. Observers
// must not call back into the store from the notification.
package store
