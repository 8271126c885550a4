package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/platform/websocket"
)

// ErrNotFound is returned when the appointment does not exist.
var ErrNotFound = errors.New("appointment not found")

// ErrInvalidTransition is returned when a requested status change violates
// the state machine: transitioning a terminal appointment, skipping states,
// or starting a consultation while another is in progress. A viewer acting
// on a stale projection surfaces here too; the correct reaction is a
// refetch, not a retry.
var ErrInvalidTransition = errors.New("invalid transition")

// PatientSnapshot is the display snapshot the queue denormalizes from the
// patient registry at booking time.
type PatientSnapshot struct {
	Name           string
	Age            *int
	Gender         *string
	ChiefComplaint *string
}

// PatientDirectory is the read-only view of the patient registry the queue
// core depends on. The registry itself is a separate domain.
type PatientDirectory interface {
	Snapshot(ctx context.Context, patientID uuid.UUID) (*PatientSnapshot, error)
}

// BookingRequest carries the fields of a booking mutation.
type BookingRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	BookingType     string    `json:"booking_type"`
	FeeAmount       float64   `json:"fee_amount"`
	FeeType         string    `json:"fee_type"`
	PaymentStatus   string    `json:"payment_status"`
}

// Service is the queue mutator: the only component permitted to assign
// serial numbers or change appointment status. Every successful mutation
// emits exactly one fanout event scoped to the appointment's doctor room;
// rejected mutations emit nothing.
type Service struct {
	repo      Repository
	patients  PatientDirectory
	publisher websocket.EventPublisher
}

func NewService(repo Repository, patients PatientDirectory) *Service {
	return &Service{repo: repo, patients: patients}
}

// SetPublisher attaches the fanout channel. A nil publisher disables
// event emission (useful in tests and the migrate CLI).
func (s *Service) SetPublisher(p websocket.EventPublisher) {
	s.publisher = p
}

// Book creates an appointment and assigns the next serial number for
// (doctor, date). Walk-in patients are already present and start waiting;
// phone bookings start booked until arrival is confirmed.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if req.BookingType == "" {
		req.BookingType = BookingWalkIn
	}
	if !validBookingTypes[req.BookingType] {
		return nil, fmt.Errorf("invalid booking type: %s", req.BookingType)
	}
	if req.FeeType == "" {
		req.FeeType = FeeNewPatient
	}
	if !validFeeTypes[req.FeeType] {
		return nil, fmt.Errorf("invalid fee type: %s", req.FeeType)
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = PaymentPending
	}
	if !validPaymentStatuses[req.PaymentStatus] {
		return nil, fmt.Errorf("invalid payment status: %s", req.PaymentStatus)
	}
	if req.AppointmentDate.IsZero() {
		req.AppointmentDate = time.Now().UTC()
	}

	status := StatusBooked
	if req.BookingType == BookingWalkIn {
		status = StatusWaiting
	}

	a := &Appointment{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		Status:          status,
		AppointmentDate: DateOnly(req.AppointmentDate),
		BookingType:     req.BookingType,
		FeeAmount:       req.FeeAmount,
		FeeType:         req.FeeType,
		PaymentStatus:   req.PaymentStatus,
	}

	if s.patients != nil {
		snap, err := s.patients.Snapshot(ctx, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("patient lookup: %w", err)
		}
		a.PatientName = snap.Name
		a.PatientAge = snap.Age
		a.PatientGender = snap.Gender
		a.ChiefComplaint = snap.ChiefComplaint
	}

	if err := s.repo.CreateWithSerial(ctx, a); err != nil {
		return nil, err
	}

	s.publish(ctx, websocket.EventNewAppointment, a)
	return a, nil
}

// Transition validates and applies a status change. The check-and-set runs
// at the repository so racing viewers cannot both succeed: exactly one
// transition wins and the loser gets ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, target string) (*Appointment, error) {
	if !validStatuses[target] {
		return nil, fmt.Errorf("invalid status: %s", target)
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}

	if a.Terminal() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	if !CanTransition(a.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, target)
	}

	// Arrival can only be confirmed on the appointment's own date. A booked
	// appointment from a prior day stays booked until cancelled; confirming
	// it would inject a stale serial into today's queue.
	if a.Status == StatusBooked && target == StatusWaiting && !a.AppointmentDate.Equal(DateOnly(time.Now())) {
		return nil, fmt.Errorf("%w: appointment is not for today", ErrInvalidTransition)
	}

	var ok bool
	if target == StatusInProgress {
		ok, err = s.repo.ClaimConsultation(ctx, id, a.DoctorID, a.AppointmentDate)
	} else {
		ok, err = s.repo.UpdateStatus(ctx, id, a.Status, target)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race or acted on a stale read: either the appointment
		// moved under us or another patient is already in progress.
		if target == StatusInProgress {
			return nil, fmt.Errorf("%w: another consultation is already in progress", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("%w: appointment no longer %s", ErrInvalidTransition, a.Status)
	}

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, websocket.EventStatusChanged, updated)
	return updated, nil
}

// Cancel is a convenience wrapper over Transition(id, cancelled).
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.Transition(ctx, id, StatusCancelled)
}

// Get returns a single appointment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// TodayQueue returns the doctor's appointment set for the server's current
// date together with its projection. The projection is derived, never
// stored: every viewer recomputing it from the same set gets the same queue.
func (s *Service) TodayQueue(ctx context.Context, doctorID uuid.UUID) ([]*Appointment, Projection, error) {
	if doctorID == uuid.Nil {
		return nil, Projection{}, fmt.Errorf("doctor_id is required")
	}
	appointments, err := s.repo.ListByDoctorAndDate(ctx, doctorID, DateOnly(time.Now()))
	if err != nil {
		return nil, Projection{}, err
	}
	return appointments, Project(appointments), nil
}

// ListByDoctor returns the doctor's appointment history, newest first.
func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	if doctorID == uuid.Nil {
		return nil, 0, fmt.Errorf("doctor_id is required")
	}
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, websocket.Event{
		Type:          eventType,
		DoctorID:      a.DoctorID.String(),
		AppointmentID: a.ID.String(),
		Timestamp:     time.Now().UTC(),
	})
}
