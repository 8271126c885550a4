package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateWithSerial inserts the appointment and assigns the next serial
	// number for (doctor_id, appointment_date). Serial assignment must be
	// serialized per doctor and date: concurrent bookings may never receive
	// duplicate or skipped serials.
	CreateWithSerial(ctx context.Context, a *Appointment) error

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByDoctorAndDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)

	// UpdateStatus performs a compare-and-set from -> to on the appointment
	// status. Returns false without error when the appointment is no longer
	// in the from status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)

	// ClaimConsultation moves a waiting appointment to in_progress only if
	// no other appointment for the same doctor and date is currently
	// in_progress. Returns false when the claim loses the race or the
	// appointment is not waiting.
	ClaimConsultation(ctx context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time) (bool, error)
}
