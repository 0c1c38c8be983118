package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"

// Engine owns the request lifecycle. Every mutating operation runs in one
// store transaction that also records its notification event. A failed event
// write is logged and never affects the result.
type Engine struct {
	store     Store
	resolver  *Resolver
	detector  *Detector
	directory Directory
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(store Store, registry Registry, directory Directory, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		resolver:  NewResolver(registry),
		detector:  NewDetector(store),
		directory: directory,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type CreateInput struct {
	Actor      Actor
	TargetType string
	ClinicID   string
	DoctorID   string
	// Unregistered doctor placeholder, used when DoctorID is empty.
	DoctorName  string
	DoctorEmail string
	PatientRef  string
	Date        string
	Time        string
	EndTime     string
	Reason      string
	Notes       string
	Notify      bool
}

type ApproveInput struct {
	Actor     Actor
	RequestID string
	DoctorID  string
	Date      string
	Time      string
	EndTime   string
	Notify    bool
}

type RejectInput struct {
	Actor     Actor
	RequestID string
	Reason    string
	Notify    bool
}

type ProposeInput struct {
	Actor     Actor
	RequestID string
	Date      string
	Time      string
	EndTime   string
	Notify    bool
}

// ActionInput is the input of accept, decline and cancel.
type ActionInput struct {
	Actor     Actor
	RequestID string
	Notify    bool
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (req model.AppointmentRequest, err error) {
	ctx, span := e.tracer.Start(ctx, "negotiation.create")
	defer func() { endSpan(span, err) }()

	if !in.Actor.trusted() && in.Actor.Role != RolePatient {
		return model.AppointmentRequest{}, newError(CodeForbidden, "only patients create requests")
	}

	target, err := parseTarget(in)
	if err != nil {
		return model.AppointmentRequest{}, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return model.AppointmentRequest{}, newError(CodeMissingReason, "reason is required")
	}
	date, err := parseDate(in.Date)
	if err != nil {
		return model.AppointmentRequest{}, err
	}
	at, err := parseClock(in.Time)
	if err != nil {
		return model.AppointmentRequest{}, err
	}
	end, err := parseEnd(in.EndTime, at)
	if err != nil {
		return model.AppointmentRequest{}, err
	}

	if target, err = e.checkTarget(ctx, target); err != nil {
		return model.AppointmentRequest{}, err
	}

	ref := in.PatientRef
	if strings.TrimSpace(ref) == "" && in.Actor.Role == RolePatient {
		ref = in.Actor.ID
	}
	patientID, err := e.resolver.Resolve(ctx, ref)
	if err != nil {
		return model.AppointmentRequest{}, err
	}
	if in.Actor.Role == RolePatient && patientID != in.Actor.ID {
		return model.AppointmentRequest{}, newError(CodeForbidden, "patients may only request for themselves")
	}
	span.SetAttributes(attribute.String("patient.id", patientID), attribute.String("target.key", target.Key()))

	if err := e.detector.Check(ctx, patientID, target, date, at); err != nil {
		return model.AppointmentRequest{}, err
	}

	now := e.now()
	req = model.AppointmentRequest{
		ID:        e.newID(),
		Target:    target,
		PatientID: patientID,
		Date:      date,
		Time:      at,
		EndTime:   end,
		Reason:    reason,
		Notes:     strings.TrimSpace(in.Notes),
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		existing, err := tx.InsertPendingRequest(ctx, &req)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if existing != "" {
			return DuplicateRequest(existing)
		}
		e.record(ctx, tx, in.Notify, req, nil)
		return nil
	})
	if err != nil {
		return model.AppointmentRequest{}, err
	}

	e.logger.Info("appointment request created", "request_id", req.ID, "patient_id", patientID, "target", target.Key())
	return req, nil
}

// Approve books the request. The adjusted slot fields are parsed only once the
// request is known to be approvable, so a finished request always reports
// invalid_transition.
func (e *Engine) Approve(ctx context.Context, in ApproveInput) (model.Appointment, error) {
	_, appt, err := e.transition(ctx, "approve", in.RequestID, in.Actor, model.StatusApproved, in.Notify,
		Actor.owns,
		func(ctx context.Context, req *model.AppointmentRequest) (*model.Appointment, error) {
			slotDate, slotTime, slotEnd, err := adjustedSlot(*req, in)
			if err != nil {
				return nil, err
			}
			doctor, err := e.approvingDoctor(ctx, *req, strings.TrimSpace(in.DoctorID))
			if err != nil {
				return nil, err
			}

			clinicID := req.Target.ClinicID
			if clinicID == "" {
				clinicID = doctor.ClinicID
			}
			a := e.newAppointment(*req, clinicID, doctor.ID, slotDate, slotTime, slotEnd)
			req.AppointmentID = a.ID
			return &a, nil
		})
	if err != nil {
		return model.Appointment{}, err
	}
	return *appt, nil
}

func (e *Engine) Reject(ctx context.Context, in RejectInput) (model.AppointmentRequest, error) {
	req, _, err := e.transition(ctx, "reject", in.RequestID, in.Actor, model.StatusRejected, in.Notify,
		Actor.owns,
		func(_ context.Context, req *model.AppointmentRequest) (*model.Appointment, error) {
			req.StatusReason = strings.TrimSpace(in.Reason)
			return nil, nil
		})
	return req, err
}

func (e *Engine) Propose(ctx context.Context, in ProposeInput) (model.AppointmentRequest, error) {
	clinicOwner := func(a Actor, req model.AppointmentRequest) bool {
		return a.trusted() || (a.Role == RoleClinic && a.owns(req))
	}
	req, _, err := e.transition(ctx, "propose", in.RequestID, in.Actor, model.StatusProposed, in.Notify,
		clinicOwner,
		func(_ context.Context, req *model.AppointmentRequest) (*model.Appointment, error) {
			date, err := parseDate(in.Date)
			if err != nil {
				return nil, err
			}
			at, err := parseClock(in.Time)
			if err != nil {
				return nil, err
			}
			end, err := parseEnd(in.EndTime, at)
			if err != nil {
				return nil, err
			}
			if end == nil {
				end = shiftEnd(req.Time, req.EndTime, at)
				if err := checkEnd(at, end); err != nil {
					return nil, err
				}
			}
			req.ProposedDate = &date
			req.ProposedTime = &at
			req.ProposedEndTime = end
			return nil, nil
		})
	return req, err
}

// Accept books the proposed slot. Each of date, time and end time comes from
// the proposal when it has that field and from the original request otherwise.
func (e *Engine) Accept(ctx context.Context, in ActionInput) (model.Appointment, error) {
	_, appt, err := e.transition(ctx, "accept", in.RequestID, in.Actor, model.StatusAccepted, in.Notify,
		Actor.isRequester,
		func(_ context.Context, req *model.AppointmentRequest) (*model.Appointment, error) {
			date := req.Date
			if req.ProposedDate != nil {
				date = *req.ProposedDate
			}
			at := req.Time
			if req.ProposedTime != nil {
				at = *req.ProposedTime
			}
			end := req.EndTime
			if req.ProposedEndTime != nil {
				end = req.ProposedEndTime
			}
			a := e.newAppointment(*req, req.Target.ClinicID, req.Target.DoctorID, date, at, end)
			req.AppointmentID = a.ID
			return &a, nil
		})
	if err != nil {
		return model.Appointment{}, err
	}
	return *appt, nil
}

func (e *Engine) Decline(ctx context.Context, in ActionInput) (model.AppointmentRequest, error) {
	req, _, err := e.transition(ctx, "decline", in.RequestID, in.Actor, model.StatusDeclined, in.Notify, Actor.isRequester, nil)
	return req, err
}

func (e *Engine) Cancel(ctx context.Context, in ActionInput) (model.AppointmentRequest, error) {
	req, _, err := e.transition(ctx, "cancel", in.RequestID, in.Actor, model.StatusCancelled, in.Notify, Actor.isRequester, nil)
	return req, err
}

func (e *Engine) Get(ctx context.Context, actor Actor, id string) (model.AppointmentRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.AppointmentRequest{}, newError(CodeRequestNotFound, "request %s not found", id)
	}
	if err != nil {
		return model.AppointmentRequest{}, fmt.Errorf("get request: %w", err)
	}
	if !actor.canView(req) {
		return model.AppointmentRequest{}, newError(CodeForbidden, "request %s is not visible to this caller", id)
	}
	return req, nil
}

// List returns requests ordered by requested date, time, creation and id.
// Non-system actors only see their own requests whatever the filter says.
func (e *Engine) List(ctx context.Context, actor Actor, f Filter) ([]model.AppointmentRequest, error) {
	if actor.ID == "" && !actor.trusted() {
		return nil, newError(CodeForbidden, "caller identity is required")
	}
	f = actor.scope(f)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, newError(CodeInvalidDate, "to must not be before from")
	}
	out, err := e.store.ListRequests(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

type mutation func(ctx context.Context, req *model.AppointmentRequest) (*model.Appointment, error)

// transition locks the request, checks the caller and the move, applies
// mutate and persists the request, an optional appointment and the event
// atomically.
func (e *Engine) transition(
	ctx context.Context,
	op, id string,
	actor Actor,
	next model.RequestStatus,
	notify bool,
	allowed func(Actor, model.AppointmentRequest) bool,
	mutate mutation,
) (updated model.AppointmentRequest, appt *model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "negotiation."+op, trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer func() { endSpan(span, err) }()

	err = e.store.WithinTx(ctx, func(tx Tx) error {
		req, err := tx.LockRequest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return newError(CodeRequestNotFound, "request %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}
		if !allowed(actor, req) {
			return newError(CodeForbidden, "%s is not allowed to %s request %s", actor.Role, op, id)
		}
		if !req.Status.CanTransitionTo(next) {
			return invalidTransition(req, next)
		}

		out := req
		out.Status = next
		out.UpdatedAt = e.now()
		var a *model.Appointment
		if mutate != nil {
			if a, err = mutate(ctx, &out); err != nil {
				return err
			}
		}

		if err := tx.UpdateRequest(ctx, out); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		if a != nil {
			if err := tx.InsertAppointment(ctx, *a); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}
		}
		e.record(ctx, tx, notify, out, a)
		updated, appt = out, a
		return nil
	})
	if err != nil {
		return model.AppointmentRequest{}, nil, err
	}

	e.logger.Info("appointment request transitioned", "request_id", updated.ID, "status", updated.Status, "appointment_id", updated.AppointmentID)
	return updated, appt, nil
}

// adjustedSlot applies the optional date, time and end time of an approval to
// the requested slot. A moved start keeps the original duration unless an end
// time is given.
func adjustedSlot(req model.AppointmentRequest, in ApproveInput) (model.Date, model.ClockTime, *model.ClockTime, error) {
	date, at, end := req.Date, req.Time, req.EndTime
	if strings.TrimSpace(in.Date) != "" {
		d, err := parseDate(in.Date)
		if err != nil {
			return date, at, end, err
		}
		date = d
	}
	if strings.TrimSpace(in.Time) != "" {
		t, err := parseClock(in.Time)
		if err != nil {
			return date, at, end, err
		}
		at = t
		end = shiftEnd(req.Time, req.EndTime, t)
	}
	if strings.TrimSpace(in.EndTime) != "" {
		t, err := parseClock(in.EndTime)
		if err != nil {
			return date, at, end, err
		}
		end = &t
	}
	return date, at, end, checkEnd(at, end)
}

func (e *Engine) approvingDoctor(ctx context.Context, req model.AppointmentRequest, supplied string) (Doctor, error) {
	id := req.Target.DoctorID
	if supplied != "" {
		if id != "" && id != supplied {
			return Doctor{}, newError(CodeInvalidTarget, "request is addressed to doctor %s", id)
		}
		id = supplied
	}
	if id == "" {
		return Doctor{}, newError(CodeDoctorRequired, "a doctor must be assigned to approve")
	}

	doctor, err := e.directory.Doctor(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && !doctor.Active) {
		return Doctor{}, newError(CodeInvalidTarget, "doctor %s is not available", id)
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("lookup doctor: %w", err)
	}
	if req.Target.ClinicID != "" && doctor.ClinicID != req.Target.ClinicID {
		return Doctor{}, newError(CodeInvalidTarget, "doctor %s does not belong to clinic %s", id, req.Target.ClinicID)
	}
	return doctor, nil
}

// checkTarget verifies the target against the directory and fills in the
// clinic of a registered doctor.
func (e *Engine) checkTarget(ctx context.Context, t model.Target) (model.Target, error) {
	if t.ClinicID != "" {
		clinic, err := e.directory.Clinic(ctx, t.ClinicID)
		if errors.Is(err, ErrNotFound) || (err == nil && !clinic.Active) {
			return t, newError(CodeInvalidTarget, "clinic %s is not available", t.ClinicID)
		}
		if err != nil {
			return t, fmt.Errorf("lookup clinic: %w", err)
		}
	}
	if t.DoctorID == "" {
		return t, nil
	}

	doctor, err := e.directory.Doctor(ctx, t.DoctorID)
	if errors.Is(err, ErrNotFound) || (err == nil && !doctor.Active) {
		return t, newError(CodeInvalidTarget, "doctor %s is not available", t.DoctorID)
	}
	if err != nil {
		return t, fmt.Errorf("lookup doctor: %w", err)
	}
	if t.ClinicID != "" && doctor.ClinicID != t.ClinicID {
		return t, newError(CodeInvalidTarget, "doctor %s does not belong to clinic %s", t.DoctorID, t.ClinicID)
	}
	t.ClinicID = doctor.ClinicID
	return t, nil
}

func (e *Engine) newAppointment(req model.AppointmentRequest, clinicID, doctorID string, date model.Date, at model.ClockTime, end *model.ClockTime) model.Appointment {
	return model.Appointment{
		ID:        e.newID(),
		RequestID: req.ID,
		ClinicID:  clinicID,
		DoctorID:  doctorID,
		Patient:   model.CanonicalPatient(req.PatientID),
		Date:      date,
		Time:      at,
		EndTime:   end,
		Status:    model.AppointmentScheduled,
		Reason:    req.Reason,
		Notes:     req.Notes,
		CreatedAt: e.now(),
	}
}

// record writes the event of a state change inside its transaction. A failed
// write only loses the event.
func (e *Engine) record(ctx context.Context, tx Tx, notify bool, req model.AppointmentRequest, appt *model.Appointment) {
	if !notify {
		return
	}

	ev := Event{
		Type:          EventType(req.Status),
		RequestID:     req.ID,
		Status:        req.Status,
		PatientID:     req.PatientID,
		TargetType:    req.Target.Type,
		ClinicID:      req.Target.ClinicID,
		DoctorID:      req.Target.DoctorID,
		DoctorName:    req.Target.Name,
		TargetEmail:   req.Target.Email,
		Date:          req.Date,
		Time:          req.Time,
		EndTime:       req.EndTime,
		AppointmentID: req.AppointmentID,
		Reason:        req.StatusReason,
		OccurredAt:    req.UpdatedAt,
	}
	switch {
	case appt != nil:
		ev.ClinicID, ev.DoctorID = appt.ClinicID, appt.DoctorID
		ev.Date, ev.Time, ev.EndTime = appt.Date, appt.Time, appt.EndTime
	case req.Status == model.StatusProposed && req.ProposedDate != nil && req.ProposedTime != nil:
		ev.Date, ev.Time, ev.EndTime = *req.ProposedDate, *req.ProposedTime, req.ProposedEndTime
	}
	if req.Status == model.StatusPending {
		ev.Reason = req.Reason
	}
	e.addNames(ctx, &ev)

	if err := tx.RecordEvent(ctx, ev); err != nil {
		e.logger.Warn("notification event not recorded", "request_id", req.ID, "status", req.Status, "err", err)
	}
}

// addNames decorates ev with directory display names. Lookups that fail leave
// the name empty.
func (e *Engine) addNames(ctx context.Context, ev *Event) {
	if ev.ClinicID != "" {
		if c, err := e.directory.Clinic(ctx, ev.ClinicID); err == nil {
			ev.ClinicName = c.Name
		}
	}
	if ev.DoctorID != "" {
		if d, err := e.directory.Doctor(ctx, ev.DoctorID); err == nil {
			ev.DoctorName = d.Name
			if ev.TargetEmail == "" {
				ev.TargetEmail = d.Email
			}
		}
	}
}

func parseTarget(in CreateInput) (model.Target, error) {
	typ, ok := model.ParseTargetType(in.TargetType)
	if !ok {
		return model.Target{}, newError(CodeInvalidTargetType, "target type must be clinic or doctor, got %q", in.TargetType)
	}
	t := model.Target{
		Type:     typ,
		ClinicID: strings.TrimSpace(in.ClinicID),
		DoctorID: strings.TrimSpace(in.DoctorID),
	}
	switch {
	case typ == model.TargetClinic:
		if t.ClinicID == "" {
			return model.Target{}, newError(CodeInvalidTarget, "clinic_id is required for clinic targets")
		}
		t.DoctorID = ""
	case t.DoctorID == "":
		t.Name = strings.TrimSpace(in.DoctorName)
		t.Email = strings.ToLower(strings.TrimSpace(in.DoctorEmail))
		if t.Name == "" || !strings.Contains(t.Email, "@") {
			return model.Target{}, newError(CodeInvalidTarget, "doctor_id or doctor name and email are required")
		}
	}
	return t, nil
}

func parseDate(raw string) (model.Date, error) {
	if strings.TrimSpace(raw) == "" {
		return model.Date{}, newError(CodeInvalidDate, "date is required")
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, newError(CodeInvalidDate, "date must be YYYY-MM-DD, got %q", raw)
	}
	return d, nil
}

func parseClock(raw string) (model.ClockTime, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, newError(CodeInvalidTime, "time is required")
	}
	c, err := model.ParseClockTime(raw)
	if err != nil {
		return 0, newError(CodeInvalidTime, "time must be HH:mm or h:mm AM/PM, got %q", raw)
	}
	return c, nil
}

// parseEnd parses an optional end time that must fall after start.
func parseEnd(raw string, start model.ClockTime) (*model.ClockTime, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	end, err := parseClock(raw)
	if err != nil {
		return nil, err
	}
	if err := checkEnd(start, &end); err != nil {
		return nil, err
	}
	return &end, nil
}

func checkEnd(start model.ClockTime, end *model.ClockTime) error {
	if end != nil && *end <= start {
		return newError(CodeInvalidTime, "end time %s must be after %s", end, start)
	}
	return nil
}

// shiftEnd keeps the original duration when the start moves. A duration that
// would run past midnight yields an end before the start, which checkEnd rejects.
func shiftEnd(origStart model.ClockTime, origEnd *model.ClockTime, start model.ClockTime) *model.ClockTime {
	if origEnd == nil {
		return nil
	}
	shifted, ok := start.Add(int(*origEnd - origStart))
	if !ok {
		shifted = start
	}
	return &shifted
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
