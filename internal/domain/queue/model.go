package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. A visit moves booked -> waiting -> in_progress ->
// completed; cancelled is reachable from any non-terminal status.
const (
	StatusBooked     = "booked"
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Booking types distinguish a patient physically present at registration
// (walk-in) from one booked remotely (phone).
const (
	BookingWalkIn = "walk-in"
	BookingPhone  = "phone"
)

// Fee types and payment statuses. Informational only; never part of queue
// ordering.
const (
	FeeNewPatient = "new_patient"
	FeeOldPatient = "old_patient"

	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Appointment maps to the appointment table. SerialNumber is unique within
// (doctor_id, appointment_date) and assigned exactly once at booking time.
type Appointment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID `db:"doctor_id" json:"doctor_id"`
	PatientName     string    `db:"patient_name" json:"patient_name"`
	PatientAge      *int      `db:"patient_age" json:"patient_age,omitempty"`
	PatientGender   *string   `db:"patient_gender" json:"patient_gender,omitempty"`
	ChiefComplaint  *string   `db:"chief_complaint" json:"chief_complaint,omitempty"`
	SerialNumber    int       `db:"serial_number" json:"serial_number"`
	Status          string    `db:"status" json:"status"`
	AppointmentDate time.Time `db:"appointment_date" json:"appointment_date"`
	BookingType     string    `db:"booking_type" json:"booking_type"`
	FeeAmount       float64   `db:"fee_amount" json:"fee_amount"`
	FeeType         string    `db:"fee_type" json:"fee_type"`
	PaymentStatus   string    `db:"payment_status" json:"payment_status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

var validStatuses = map[string]bool{
	StatusBooked:     true,
	StatusWaiting:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

var validBookingTypes = map[string]bool{
	BookingWalkIn: true,
	BookingPhone:  true,
}

var validFeeTypes = map[string]bool{
	FeeNewPatient: true,
	FeeOldPatient: true,
}

var validPaymentStatuses = map[string]bool{
	PaymentPending: true,
	PaymentPaid:    true,
}

// validTransitions is the appointment state machine. completed and cancelled
// have no outgoing edges: a closed visit can never be resurrected.
var validTransitions = map[string]map[string]bool{
	StatusBooked: {
		StatusWaiting:   true, // arrival confirmed
		StatusCancelled: true,
	},
	StatusWaiting: {
		StatusInProgress: true, // called into the consultation room
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusWaiting:   true, // put on hold, keeps its serial
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

// IsTerminal reports whether no further transitions are permitted.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to string) bool {
	return validTransitions[from][to]
}

// Terminal reports whether the appointment is in a terminal status.
func (a *Appointment) Terminal() bool {
	return IsTerminal(a.Status)
}

// Projection is the derived read-only view of one doctor's queue for a date:
// the single in-progress patient, if any, and the waiting list ordered by
// serial number.
type Projection struct {
	Current *Appointment   `json:"current,omitempty"`
	Waiting []*Appointment `json:"waiting"`
}

// Project computes the queue projection from a doctor's appointment set.
// It is a pure function: the same input set always yields the same ordering
// and membership, so independent viewers converge on identical queues.
// Ordering is serial asc, tiebroken by created_at and then id so the result
// is deterministic even if bad data carries duplicate serials.
func Project(appointments []*Appointment) Projection {
	p := Projection{Waiting: []*Appointment{}}
	for _, a := range appointments {
		switch a.Status {
		case StatusInProgress:
			if p.Current == nil || less(a, p.Current) {
				p.Current = a
			}
		case StatusBooked, StatusWaiting:
			p.Waiting = append(p.Waiting, a)
		}
	}
	sort.Slice(p.Waiting, func(i, j int) bool {
		return less(p.Waiting[i], p.Waiting[j])
	})
	return p
}

func less(a, b *Appointment) bool {
	if a.SerialNumber != b.SerialNumber {
		return a.SerialNumber < b.SerialNumber
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// DateOnly truncates t to its calendar date in UTC. Serial numbers are
// scoped to this value.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
