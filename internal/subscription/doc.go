// Package subscription fans reconciliation-store changes out to many
// independent view subscribers.
//
// The Hub is registered as a store.Observer. It keeps two indices: entity id
// to subscriber set, and entity id to the group subscriptions (room, floor,
// all) that include it. A store change touches only the subscriptions
// indexed under the changed ids; nothing else is recomputed.
//
// Each subscription memoises its current view(s) and exposes a coalescing
// change signal:
//
//	sub, err := hub.SubscribeRoom("Kitchen")
//	if err != nil {
//	    return err
//	}
//	defer sub.Close()
//
//	for range sub.Changes() {
//	    render(sub.Views())
//	}
//
// Changes never blocks the store: if the consumer has not drained the
// previous signal the new one is folded into it. Close deregisters the
// subscription from every index and closes the Changes channel.
package subscription
