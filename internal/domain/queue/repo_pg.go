package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, patient_name, patient_age, patient_gender, chief_complaint,
	serial_number, status, appointment_date, booking_type, fee_amount, fee_type, payment_status,
	created_at, updated_at`

// CreateWithSerial assigns the serial and inserts the appointment in one
// transaction. The queue_serial upsert is the critical section: the counter
// row is locked for the duration of the transaction, so concurrent bookings
// for the same doctor and date serialize and serials can neither duplicate
// nor skip. The unique index on (doctor_id, appointment_date, serial_number)
// makes a duplicate a constraint violation rather than silent corruption.
func (r *repoPG) CreateWithSerial(ctx context.Context, a *Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO queue_serial (doctor_id, queue_date, last_serial)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET last_serial = queue_serial.last_serial + 1
		RETURNING last_serial`,
		a.DoctorID, a.AppointmentDate,
	).Scan(&a.SerialNumber)
	if err != nil {
		return err
	}

	a.ID = uuid.New()
	err = tx.QueryRow(ctx, `
		INSERT INTO appointment (
			id, patient_id, doctor_id, patient_name, patient_age, patient_gender, chief_complaint,
			serial_number, status, appointment_date, booking_type, fee_amount, fee_type, payment_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.PatientName, a.PatientAge, a.PatientGender, a.ChiefComplaint,
		a.SerialNumber, a.Status, a.AppointmentDate, a.BookingType, a.FeeAmount, a.FeeType, a.PaymentStatus,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppt(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *repoPG) ListByDoctorAndDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY serial_number, created_at, id`,
		doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppts(rows)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1
		ORDER BY appointment_date DESC, serial_number DESC
		LIMIT $2 OFFSET $3`,
		doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	appts, err := collectAppts(rows)
	return appts, total, err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimConsultation is the check-and-set behind the single-consultation-room
// invariant: the update only lands while the appointment is still waiting
// and no other appointment for the doctor and date is in progress. Under
// read committed two concurrent claims on different rows can both pass the
// NOT EXISTS check; the partial unique index on in_progress rows then fails
// the second committer, which reports as a lost claim, not an error.
func (r *repoPG) ClaimConsultation(ctx context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment SET status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
		AND NOT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $2 AND appointment_date = $3 AND status = $4
		)`,
		id, doctorID, date, StatusInProgress, StatusWaiting)
	if err != nil {
		if isUniqueViolation(err, "uq_appointment_in_progress") {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrUniqueViolation &&
		pgErr.ConstraintName == constraint
}

const pgerrUniqueViolation = "23505"

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.DoctorID, &a.PatientName, &a.PatientAge, &a.PatientGender, &a.ChiefComplaint,
		&a.SerialNumber, &a.Status, &a.AppointmentDate, &a.BookingType, &a.FeeAmount, &a.FeeType, &a.PaymentStatus,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppts(rows pgx.Rows) ([]*Appointment, error) {
	var appts []*Appointment
	for rows.Next() {
		var a Appointment
		err := rows.Scan(
			&a.ID, &a.PatientID, &a.DoctorID, &a.PatientName, &a.PatientAge, &a.PatientGender, &a.ChiefComplaint,
			&a.SerialNumber, &a.Status, &a.AppointmentDate, &a.BookingType, &a.FeeAmount, &a.FeeType, &a.PaymentStatus,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		appts = append(appts, &a)
	}
	return appts, rows.Err()
}
