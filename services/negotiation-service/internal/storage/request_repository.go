package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

const pendingSlotIndex = "appointment_requests_pending_slot_uq"

// EventWriter stores a negotiation event through q, the transaction the
// event belongs to.
type EventWriter interface {
	Write(ctx context.Context, q db.Execer, ev negotiation.Event) error
}

// RequestRepository is the Postgres negotiation.Store. Request, appointment
// and event writes share one transaction through WithinTx.
type RequestRepository struct {
	pool   *db.Pool
	events EventWriter
}

func NewRequestRepository(pool *db.Pool, events EventWriter) *RequestRepository {
	return &RequestRepository{pool: pool, events: events}
}

const requestColumns = `
	id::text, target_type, clinic_id::text, doctor_id::text, target_name, target_email, patient_id::text,
	requested_date, requested_minutes, requested_end_minutes, reason, notes, status,
	proposed_date, proposed_minutes, proposed_end_minutes, status_reason, appointment_id::text,
	created_at, updated_at`

func (r *RequestRepository) WithinTx(ctx context.Context, fn func(tx negotiation.Tx) error) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&requestTx{tx: tx, events: r.events})
	})
}

func (r *RequestRepository) GetRequest(ctx context.Context, id string) (model.AppointmentRequest, error) {
	if uuid.Validate(id) != nil {
		return model.AppointmentRequest{}, negotiation.ErrNotFound
	}
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM appointment_requests WHERE id = $1`, id))
	if db.IsNotFound(err) {
		return model.AppointmentRequest{}, negotiation.ErrNotFound
	}
	return req, err
}

func (r *RequestRepository) FindPendingRequest(ctx context.Context, q negotiation.SlotQuery) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text
		FROM appointment_requests
		WHERE patient_id = $1 AND target_key = $2 AND requested_date = $3 AND requested_minutes = $4
			AND status = 'pending'
		LIMIT 1
	`, q.PatientID, q.TargetKey, q.Date.Time(), q.Time.Minutes()).Scan(&id)
	if db.IsNotFound(err) {
		return "", nil
	}
	return id, err
}

func (r *RequestRepository) FindActiveAppointment(ctx context.Context, q negotiation.SlotQuery) (string, error) {
	var (
		id                      string
		patientID, membershipID *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, patient_id::text, membership_id::text
		FROM appointments
		WHERE patient_id = $1 AND doctor_id = $2 AND appointment_date = $3 AND start_minutes = $4
			AND status IN ('scheduled', 'in_progress')
		ORDER BY created_at
		LIMIT 1
	`, q.PatientID, q.DoctorID, q.Date.Time(), q.Time.Minutes()).Scan(&id, &patientID, &membershipID)
	if db.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return activeFor(id, patientID, membershipID, q.PatientID)
}

// activeFor returns id when the appointment row is bound to the canonical
// patient want. Membership-only and unlinked rows never block a request.
func activeFor(id string, patientID, membershipID *string, want string) (string, error) {
	link, err := model.PatientLinkFromColumns(patientID, membershipID)
	if err != nil {
		return "", fmt.Errorf("appointment %s: %w", id, err)
	}
	if pid, ok := link.CanonicalID(); !ok || pid != want {
		return "", nil
	}
	return id, nil
}

func (r *RequestRepository) ListRequests(ctx context.Context, f negotiation.Filter) ([]model.AppointmentRequest, error) {
	where, args := listConditions(f)
	query := `SELECT ` + requestColumns + ` FROM appointment_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY requested_date, requested_minutes, created_at, id LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AppointmentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// listConditions builds the WHERE clauses of a list query. Malformed ids can
// never match a uuid column, so they turn into an always-false condition.
func listConditions(f negotiation.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	addID := func(column, id string) {
		if id == "" {
			return
		}
		if uuid.Validate(id) != nil {
			where = append(where, "false")
			return
		}
		add(column+" = $%d", id)
	}

	addID("clinic_id", f.ClinicID)
	addID("doctor_id", f.DoctorID)
	addID("patient_id", f.PatientID)
	if f.TargetType != "" {
		add("target_type = $%d", string(f.TargetType))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		add("status = ANY($%d)", statuses)
	}
	if f.From != nil {
		add("requested_date >= $%d", f.From.Time())
	}
	if f.To != nil {
		add("requested_date <= $%d", f.To.Time())
	}
	return where, args
}

type requestTx struct {
	tx     pgx.Tx
	events EventWriter
}

func (t *requestTx) InsertPendingRequest(ctx context.Context, req *model.AppointmentRequest) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointment_requests
			(id, target_type, clinic_id, doctor_id, target_name, target_email, target_key, patient_id,
			 requested_date, requested_minutes, requested_end_minutes, reason, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (patient_id, target_key, requested_date, requested_minutes) WHERE status = 'pending'
		DO NOTHING
		RETURNING id::text
	`, req.ID, string(req.Target.Type), nullString(req.Target.ClinicID), nullString(req.Target.DoctorID),
		req.Target.Name, req.Target.Email, req.Target.Key(), req.PatientID,
		req.Date.Time(), req.Time.Minutes(), nullMinutes(req.EndTime), req.Reason, req.Notes, string(req.Status),
		req.CreatedAt, req.UpdatedAt).Scan(&id)
	if err == nil {
		return "", nil
	}
	if !db.IsNotFound(err) && !db.IsUniqueViolation(err, pendingSlotIndex) {
		return "", err
	}

	// Lost the slot to another pending request; report the winner.
	err = t.tx.QueryRow(ctx, `
		SELECT id::text
		FROM appointment_requests
		WHERE patient_id = $1 AND target_key = $2 AND requested_date = $3 AND requested_minutes = $4
			AND status = 'pending'
	`, req.PatientID, req.Target.Key(), req.Date.Time(), req.Time.Minutes()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("lookup conflicting request: %w", err)
	}
	return id, nil
}

func (t *requestTx) LockRequest(ctx context.Context, id string) (model.AppointmentRequest, error) {
	if uuid.Validate(id) != nil {
		return model.AppointmentRequest{}, negotiation.ErrNotFound
	}
	req, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM appointment_requests WHERE id = $1 FOR UPDATE`, id))
	if db.IsNotFound(err) {
		return model.AppointmentRequest{}, negotiation.ErrNotFound
	}
	return req, err
}

// UpdateRequest writes the mutable columns. Target, patient and requested slot
// are fixed at creation and never rewritten.
func (t *requestTx) UpdateRequest(ctx context.Context, req model.AppointmentRequest) error {
	var proposedDate *time.Time
	if req.ProposedDate != nil {
		d := req.ProposedDate.Time()
		proposedDate = &d
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointment_requests
		SET status = $2,
			proposed_date = $3,
			proposed_minutes = $4,
			proposed_end_minutes = $5,
			status_reason = $6,
			appointment_id = $7,
			updated_at = $8
		WHERE id = $1
	`, req.ID, string(req.Status), proposedDate, nullMinutes(req.ProposedTime), nullMinutes(req.ProposedEndTime),
		req.StatusReason, nullString(req.AppointmentID), req.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return negotiation.ErrNotFound
	}
	return nil
}

func (t *requestTx) InsertAppointment(ctx context.Context, appt model.Appointment) error {
	patientID, membershipID := appt.Patient.Columns()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, request_id, clinic_id, doctor_id, patient_id, membership_id,
			 appointment_date, start_minutes, end_minutes, status, reason, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, appt.ID, appt.RequestID, nullString(appt.ClinicID), nullString(appt.DoctorID), patientID, membershipID,
		appt.Date.Time(), appt.Time.Minutes(), nullMinutes(appt.EndTime), string(appt.Status),
		appt.Reason, appt.Notes, appt.CreatedAt)
	if db.IsUniqueViolation(err, "appointments_request_id_key") {
		return fmt.Errorf("request %s already has an appointment: %w", appt.RequestID, err)
	}
	return err
}

// RecordEvent writes ev under a savepoint; a failed write rolls back to it and
// the surrounding transaction carries on.
func (t *requestTx) RecordEvent(ctx context.Context, ev negotiation.Event) error {
	if t.events == nil {
		return errors.New("no event writer configured")
	}
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := t.events.Write(ctx, sp, ev); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return err
	}
	return sp.Commit(ctx)
}

func scanRequest(row pgx.Row) (model.AppointmentRequest, error) {
	var (
		req                    model.AppointmentRequest
		targetType, status     string
		clinicID, doctorID     *string
		appointmentID          *string
		date                   time.Time
		minutes                int32
		endMinutes             *int32
		proposedDate           *time.Time
		proposedMin, proposedE *int32
	)
	err := row.Scan(
		&req.ID,
		&targetType,
		&clinicID,
		&doctorID,
		&req.Target.Name,
		&req.Target.Email,
		&req.PatientID,
		&date,
		&minutes,
		&endMinutes,
		&req.Reason,
		&req.Notes,
		&status,
		&proposedDate,
		&proposedMin,
		&proposedE,
		&req.StatusReason,
		&appointmentID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return model.AppointmentRequest{}, err
	}

	req.Target.Type = model.TargetType(targetType)
	req.Target.ClinicID = deref(clinicID)
	req.Target.DoctorID = deref(doctorID)
	req.Status = model.RequestStatus(status)
	req.Date = model.DateOf(date)
	req.Time = model.ClockTime(minutes)
	req.EndTime = clockPtr(endMinutes)
	if proposedDate != nil {
		d := model.DateOf(*proposedDate)
		req.ProposedDate = &d
	}
	req.ProposedTime = clockPtr(proposedMin)
	req.ProposedEndTime = clockPtr(proposedE)
	req.AppointmentID = deref(appointmentID)
	return req, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullMinutes(c *model.ClockTime) *int32 {
	if c == nil {
		return nil
	}
	m := int32(c.Minutes())
	return &m
}

func clockPtr(m *int32) *model.ClockTime {
	if m == nil {
		return nil
	}
	c := model.ClockTime(*m)
	return &c
}

var _ negotiation.Store = (*RequestRepository)(nil)
