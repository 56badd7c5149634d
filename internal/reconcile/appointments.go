package reconcile

import (
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// AppointmentEvent is AppointmentUpsert or AppointmentsReplace.
type AppointmentEvent interface{ appointmentEvent() }

// AppointmentUpsert comes from appointmentCreated / appointmentUpdated.
type AppointmentUpsert struct {
	Event       string
	Appointment model.Appointment
}

// AppointmentsReplace comes from allAppointmentsUpdated.
type AppointmentsReplace struct {
	Appointments []model.Appointment
}

func (AppointmentUpsert) appointmentEvent()   {}
func (AppointmentsReplace) appointmentEvent() {}

// ApplyAppointment upserts or replaces the snapshot's appointment collection.
// The appointments count is derived, so it can never drift from the list.
func ApplyAppointment(s model.StatsSnapshot, e AppointmentEvent) (model.StatsSnapshot, error) {
	switch ev := e.(type) {
	case AppointmentUpsert:
		if ev.Appointment.ID == "" {
			return s, syncerr.Malformed(EngineAppointments, ev.Event, "missing id")
		}
		next := s.Clone()
		next.Appointments = MergeByKey(next.Appointments, ev.Appointment, appointmentKey, newerAppointment)
		return next, nil

	case AppointmentsReplace:
		for _, a := range ev.Appointments {
			if a.ID == "" {
				return s, syncerr.Malformed(EngineAppointments, "allAppointmentsUpdated", "appointment without id")
			}
		}
		next := s.Clone()
		next.Appointments = DedupeByKey(ev.Appointments, appointmentKey, newerAppointment)
		if next.Appointments == nil {
			next.Appointments = []model.Appointment{}
		}
		return next, nil
	}
	return s, syncerr.Malformed(EngineAppointments, "unknown", "unsupported appointment event")
}

func appointmentKey(a model.Appointment) string { return a.ID }

// newerAppointment rejects stale writes: an incoming record with an older
// server timestamp loses. Records without a timestamp always replace.
func newerAppointment(existing, incoming model.Appointment) model.Appointment {
	if incoming.UpdatedAt != 0 && existing.UpdatedAt > incoming.UpdatedAt {
		return existing
	}
	return incoming
}
