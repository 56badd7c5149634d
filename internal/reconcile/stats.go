package reconcile

import (
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// Counter names as they appear on the wire.
const (
	CounterViews        = "views_count"
	CounterReviews      = "reviews_count"
	CounterMessages     = "messages_count"
	CounterAppointments = "appointments_count"
)

// StatsEvent is one of StatsFull, StatsPartial or StatsDelta.
type StatsEvent interface{ statsEvent() }

// StatsFull is an authoritative snapshot (getDashboardStats / REST fetch). Every field
// it carries replaces the local value wholesale; unset fields are preserved.
type StatsFull struct {
	Update model.StatsUpdate
}

// StatsPartial is a dashboardUpdate push: set fields replace, extra counters merge
// key by key and appointments are upserted.
type StatsPartial struct {
	Update model.StatsUpdate
}

// StatsDelta increments a single counter relative to the in-memory value.
// By == 0 means the implied delta of +1.
type StatsDelta struct {
	Event   string
	Counter string
	By      int
}

func (StatsFull) statsEvent()    {}
func (StatsPartial) statsEvent() {}
func (StatsDelta) statsEvent()   {}

// ApplyStats folds e into s and returns the next snapshot.
func ApplyStats(s model.StatsSnapshot, e StatsEvent) (model.StatsSnapshot, error) {
	switch ev := e.(type) {
	case StatsFull:
		if err := validateUpdate(ev.Update, "getDashboardStats"); err != nil {
			return s, err
		}
		next := applyScalars(s.Clone(), ev.Update)
		if ev.Update.Extra != nil {
			next.Extra = make(map[string]int, len(ev.Update.Extra))
			for k, v := range ev.Update.Extra {
				if v != nil {
					next.Extra[k] = *v
				}
			}
		}
		if ev.Update.Appointments != nil {
			next.Appointments = DedupeByKey(ev.Update.Appointments, appointmentKey, newerAppointment)
		}
		return next, nil

	case StatsPartial:
		if err := validateUpdate(ev.Update, "dashboardUpdate"); err != nil {
			return s, err
		}
		next := applyScalars(s.Clone(), ev.Update)
		for k, v := range ev.Update.Extra {
			if v == nil {
				continue
			}
			if next.Extra == nil {
				next.Extra = make(map[string]int)
			}
			next.Extra[k] = *v
		}
		for _, a := range ev.Update.Appointments {
			next.Appointments = MergeByKey(next.Appointments, a, appointmentKey, newerAppointment)
		}
		return next, nil

	case StatsDelta:
		return applyDelta(s, ev)
	}
	return s, syncerr.Malformed(EngineStats, "unknown", "unsupported stats event")
}

func applyScalars(next model.StatsSnapshot, u model.StatsUpdate) model.StatsSnapshot {
	if u.Views != nil {
		next.Views = *u.Views
	}
	if u.Reviews != nil {
		next.Reviews = *u.Reviews
	}
	if u.Messages != nil {
		next.Messages = *u.Messages
	}
	return next
}

func validateUpdate(u model.StatsUpdate, event string) error {
	for name, v := range map[string]*int{
		CounterViews:    u.Views,
		CounterReviews:  u.Reviews,
		CounterMessages: u.Messages,
	} {
		if v != nil && *v < 0 {
			return syncerr.Malformed(EngineStats, event, name+" is negative")
		}
	}
	for k, v := range u.Extra {
		if v != nil && *v < 0 {
			return syncerr.Malformed(EngineStats, event, k+" is negative")
		}
	}
	for _, a := range u.Appointments {
		if a.ID == "" {
			return syncerr.Malformed(EngineStats, event, "appointment without id")
		}
	}
	return nil
}

func applyDelta(s model.StatsSnapshot, d StatsDelta) (model.StatsSnapshot, error) {
	by := d.By
	if by == 0 {
		by = 1
	}
	next := s.Clone()
	switch d.Counter {
	case "":
		return s, syncerr.Malformed(EngineStats, d.Event, "delta without counter")
	case CounterAppointments:
		return s, syncerr.Malformed(EngineStats, d.Event, "appointments_count is derived from the appointment list")
	case CounterViews:
		next.Views = clampAdd(next.Views, by)
	case CounterReviews:
		next.Reviews = clampAdd(next.Reviews, by)
	case CounterMessages:
		next.Messages = clampAdd(next.Messages, by)
	default:
		if next.Extra == nil {
			next.Extra = make(map[string]int)
		}
		next.Extra[d.Counter] = clampAdd(next.Extra[d.Counter], by)
	}
	return next, nil
}

func clampAdd(v, by int) int {
	v += by
	if v < 0 {
		return 0
	}
	return v
}
