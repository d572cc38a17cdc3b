// Package metrics exposes the gateway's Prometheus instrumentation:
// ticket lifecycle counters and bus reconnect counts, registered
// against the default registry and served from /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Tickets tracks StreamTicket lifecycle transitions (spec §3).
type Tickets struct {
	created   prometheus.Counter
	completed prometheus.Counter
	cancelled prometheus.Counter
	timedOut  prometheus.Counter
	conflicts prometheus.Counter
}

// NewTickets registers ticket counters against reg. Pass
// prometheus.DefaultRegisterer in production.
func NewTickets(reg prometheus.Registerer) *Tickets {
	t := &Tickets{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tickets_created_total",
			Help: "StreamTickets admitted.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tickets_completed_total",
			Help: "StreamTickets that reached Completed.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tickets_cancelled_total",
			Help: "StreamTickets that reached Cancelled or ended with a worker error.",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tickets_timed_out_total",
			Help: "StreamTickets that reached Timeout.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tickets_conflict_total",
			Help: "Dispatch attempts rejected for an already-active owner/conversation pair.",
		}),
	}
	reg.MustRegister(t.created, t.completed, t.cancelled, t.timedOut, t.conflicts)
	return t
}

func (t *Tickets) CreatedInc()   { t.created.Inc() }
func (t *Tickets) CompletedInc() { t.completed.Inc() }
func (t *Tickets) CancelledInc() { t.cancelled.Inc() }
func (t *Tickets) TimeoutInc()   { t.timedOut.Inc() }
func (t *Tickets) ConflictInc()  { t.conflicts.Inc() }

// Bus tracks transport-level reconnect activity.
type Bus struct {
	reconnects prometheus.Counter
}

// NewBus registers the bus reconnect counter against reg.
func NewBus(reg prometheus.Registerer) *Bus {
	b := &Bus{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_reconnects_total",
			Help: "Reconnects performed by the bus client.",
		}),
	}
	reg.MustRegister(b.reconnects)
	return b
}

func (b *Bus) ReconnectInc() { b.reconnects.Inc() }
