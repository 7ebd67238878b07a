package scheduler

import (
	"time"

	"github.com/rs/zerolog"
)

// TickReport summarizes one tick.
type TickReport struct {
	At       time.Time
	Duration time.Duration
	// Skipped is set when the entry scan failed and nothing was evaluated.
	Skipped bool
	Err     error

	Scanned   int
	Due       int
	Sent      int
	Committed int
	// Dropped counts sends whose commit was unnecessary: another writer
	// committed first or the entry was deactivated meanwhile.
	Dropped   int
	Deferred  int
	Transient int
	Permanent int
	Conflicts int
	Invalid   int
}

type outcome struct {
	due       bool
	deferred  bool
	sent      bool
	committed bool
	dropped   bool
	transient bool
	permanent bool
	invalid   bool
	conflicts int
}

func (r *TickReport) add(o outcome) {
	r.Conflicts += o.conflicts
	if o.due {
		r.Due++
	}
	if o.deferred {
		r.Deferred++
	}
	if o.sent {
		r.Sent++
	}
	if o.committed {
		r.Committed++
	}
	if o.dropped {
		r.Dropped++
	}
	if o.transient {
		r.Transient++
	}
	if o.permanent {
		r.Permanent++
	}
	if o.invalid {
		r.Invalid++
	}
}

func (r TickReport) log(ev *zerolog.Event) *zerolog.Event {
	return ev.
		Int("scanned", r.Scanned).
		Int("due", r.Due).
		Int("sent", r.Sent).
		Int("committed", r.Committed).
		Int("dropped", r.Dropped).
		Int("deferred", r.Deferred).
		Int("transient", r.Transient).
		Int("permanent", r.Permanent).
		Int("conflicts", r.Conflicts).
		Dur("took", r.Duration)
}
