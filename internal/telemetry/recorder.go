// Package telemetry streams sync telemetry from the engine to a time-series
// writer: every connection transition, every entity change, and a periodic
// sample of the engine counters.
package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/mirror"
	"github.com/nerrad567/gray-logic-mirror/internal/subscription"
)

const defaultSampleInterval = 30 * time.Second

// Writer is implemented by *influxdb.Client.
type Writer interface {
	WriteConnection(cs entity.ConnectionState)
	WriteCounters(component string, counters map[string]uint64)
	WriteEntityState(v *entity.View)
}

// Source is implemented by *mirror.Engine.
type Source interface {
	SubscribeAll() *subscription.GroupSubscription
	SubscribeStatus() *subscription.StatusSubscription
	Stats() mirror.Stats
}

// Recorder copies engine activity to a Writer until its context ends.
type Recorder struct {
	src      Source
	w        Writer
	interval time.Duration
}

// New returns a Recorder sampling counters every interval (30s when zero).
func New(src Source, w Writer, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Recorder{src: src, w: w, interval: interval}
}

// Run blocks until ctx is cancelled. It writes the current connection
// state and a counter sample on entry and again on exit.
func (r *Recorder) Run(ctx context.Context) {
	all := r.src.SubscribeAll()
	defer all.Close()
	status := r.src.SubscribeStatus()
	defer status.Close()

	last := all.Views()
	lastStatus := status.State()
	r.w.WriteConnection(lastStatus)
	r.sample()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.sample()
			return

		case _, ok := <-status.Changes():
			if !ok {
				return
			}
			cs := status.State()
			if cs != lastStatus {
				lastStatus = cs
				r.w.WriteConnection(cs)
			}

		case _, ok := <-all.Changes():
			if !ok {
				return
			}
			views := all.Views()
			for i, v := range views {
				// Views are replaced, never mutated: a new pointer is a change.
				if v != nil && (i >= len(last) || v != last[i]) {
					r.w.WriteEntityState(v)
				}
			}
			last = views

		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Recorder) sample() {
	s := r.src.Stats()
	for component, counters := range Counters(s) {
		r.w.WriteCounters(component, counters)
	}
}

// Counters flattens engine stats into per-component counter sets.
func Counters(s mirror.Stats) map[string]map[string]uint64 {
	p, st, c := s.Protocol, s.Store, s.Commands
	return map[string]map[string]uint64{
		"protocol": {
			"frames_received":   p.FramesReceived,
			"events_delivered":  p.EventsDelivered,
			"events_filtered":   p.EventsFiltered,
			"malformed":         p.Malformed,
			"sessions":          p.Sessions,
			"reconnects":        p.Reconnects,
			"requests_sent":     p.RequestsSent,
			"commands_rejected": p.CommandsRejected,
			"results_unmatched": p.ResultsUnmatched,
			"epoch":             p.Epoch,
		},
		"store": {
			"snapshots_applied":   st.SnapshotsApplied,
			"updates_applied":     st.UpdatesApplied,
			"updates_unchanged":   st.UpdatesUnchanged,
			"stale_dropped":       st.StaleDropped,
			"unknown_dropped":     st.UnknownDropped,
			"optimistic_applied":  st.OptimisticApplied,
			"rejected_attributes": st.RejectedAttributes,
		},
		"commands": {
			"dispatched":      c.Dispatched,
			"invalid":         c.Invalid,
			"send_failed":     c.SendFailed,
			"succeeded":       c.Succeeded,
			"rejected":        c.Rejected,
			"journal_dropped": c.JournalDropped,
			"journal_errors":  c.JournalErrors,
		},
		"subscriptions": {
			"entity": uint64(s.Subscriptions.Entity), //nolint:gosec // counts are non-negative
			"group":  uint64(s.Subscriptions.Group),  //nolint:gosec // counts are non-negative
			"status": uint64(s.Subscriptions.Status), //nolint:gosec // counts are non-negative
		},
	}
}
