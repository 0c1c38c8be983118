package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/apptnegotiation/libs/auth"
	"github.com/md-rashed-zaman/apptnegotiation/libs/httpx"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

// Engine is the negotiation surface the HTTP layer drives.
type Engine interface {
	Create(ctx context.Context, in negotiation.CreateInput) (model.AppointmentRequest, error)
	Approve(ctx context.Context, in negotiation.ApproveInput) (model.Appointment, error)
	Reject(ctx context.Context, in negotiation.RejectInput) (model.AppointmentRequest, error)
	Propose(ctx context.Context, in negotiation.ProposeInput) (model.AppointmentRequest, error)
	Accept(ctx context.Context, in negotiation.ActionInput) (model.Appointment, error)
	Decline(ctx context.Context, in negotiation.ActionInput) (model.AppointmentRequest, error)
	Cancel(ctx context.Context, in negotiation.ActionInput) (model.AppointmentRequest, error)
	Get(ctx context.Context, actor negotiation.Actor, id string) (model.AppointmentRequest, error)
	List(ctx context.Context, actor negotiation.Actor, f negotiation.Filter) ([]model.AppointmentRequest, error)
}

// Headers carrying the authenticated caller, set by the gateway or by
// auth.Verifier.
const (
	HeaderRole     = auth.HeaderRole
	HeaderUserID   = auth.HeaderUserID
	HeaderClinicID = auth.HeaderClinicID
	HeaderDoctorID = auth.HeaderDoctorID
)

const basePath = "/api/v1/appointment-requests"

type RequestHandler struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger
}

func NewRequestHandler(engine Engine, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{engine: engine, validate: newValidator(), logger: logger}
}

func (h *RequestHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+basePath, h.Create)
	mux.HandleFunc("GET "+basePath, h.List)
	mux.HandleFunc("GET "+basePath+"/{id}", h.Get)
	mux.HandleFunc("POST "+basePath+"/{id}/approve", h.Approve)
	mux.HandleFunc("POST "+basePath+"/{id}/reject", h.Reject)
	mux.HandleFunc("POST "+basePath+"/{id}/propose", h.Propose)
	mux.HandleFunc("POST "+basePath+"/{id}/accept", h.Accept)
	mux.HandleFunc("POST "+basePath+"/{id}/decline", h.Decline)
	mux.HandleFunc("POST "+basePath+"/{id}/cancel", h.Cancel)
}

func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	notify, ok := notifyFlag(w, r, body.Notify)
	if !ok {
		return
	}

	req, err := h.engine.Create(r.Context(), negotiation.CreateInput{
		Actor:       actor,
		TargetType:  body.TargetType,
		ClinicID:    body.ClinicID,
		DoctorID:    body.DoctorID,
		DoctorName:  body.DoctorName,
		DoctorEmail: body.DoctorEmail,
		PatientRef:  body.PatientRef,
		Date:        body.Date,
		Time:        body.Time,
		EndTime:     body.EndTime,
		Reason:      body.Reason,
		Notes:       body.Notes,
		Notify:      notify,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toRequestResponse(req))
}

func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := h.engine.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	f, code, msg := parseFilter(r)
	if code != "" {
		httpx.WriteError(w, http.StatusBadRequest, code, msg)
		return
	}

	reqs, err := h.engine.List(r.Context(), actor, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := listResponse{Items: make([]requestResponse, 0, len(reqs)), Count: len(reqs)}
	for _, req := range reqs {
		out.Items = append(out.Items, toRequestResponse(req))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body approveBody
	if !h.decode(w, r, &body) {
		return
	}
	notify, ok := notifyFlag(w, r, body.Notify)
	if !ok {
		return
	}

	appt, err := h.engine.Approve(r.Context(), negotiation.ApproveInput{
		Actor:     actor,
		RequestID: r.PathValue("id"),
		DoctorID:  body.DoctorID,
		Date:      body.Date,
		Time:      body.Time,
		EndTime:   body.EndTime,
		Notify:    notify,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body rejectBody
	if !h.decode(w, r, &body) {
		return
	}
	notify, ok := notifyFlag(w, r, body.Notify)
	if !ok {
		return
	}

	req, err := h.engine.Reject(r.Context(), negotiation.RejectInput{
		Actor:     actor,
		RequestID: r.PathValue("id"),
		Reason:    body.Reason,
		Notify:    notify,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *RequestHandler) Propose(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body proposeBody
	if !h.decode(w, r, &body) {
		return
	}
	notify, ok := notifyFlag(w, r, body.Notify)
	if !ok {
		return
	}

	req, err := h.engine.Propose(r.Context(), negotiation.ProposeInput{
		Actor:     actor,
		RequestID: r.PathValue("id"),
		Date:      body.Date,
		Time:      body.Time,
		EndTime:   body.EndTime,
		Notify:    notify,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *RequestHandler) Accept(w http.ResponseWriter, r *http.Request) {
	in, ok := h.actionInput(w, r)
	if !ok {
		return
	}
	appt, err := h.engine.Accept(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *RequestHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.engine.Decline)
}

func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.engine.Cancel)
}

func (h *RequestHandler) simpleAction(w http.ResponseWriter, r *http.Request, op func(context.Context, negotiation.ActionInput) (model.AppointmentRequest, error)) {
	in, ok := h.actionInput(w, r)
	if !ok {
		return
	}
	req, err := op(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *RequestHandler) actionInput(w http.ResponseWriter, r *http.Request) (negotiation.ActionInput, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return negotiation.ActionInput{}, false
	}
	var body actionBody
	if !h.decode(w, r, &body) {
		return negotiation.ActionInput{}, false
	}
	notify, ok := notifyFlag(w, r, body.Notify)
	if !ok {
		return negotiation.ActionInput{}, false
	}
	return negotiation.ActionInput{Actor: actor, RequestID: r.PathValue("id"), Notify: notify}, true
}

// actor reads the caller from the gateway headers. Requests without a known
// role are refused; HTTP callers never get the implicit internal actor.
func (h *RequestHandler) actor(w http.ResponseWriter, r *http.Request) (negotiation.Actor, bool) {
	role, ok := negotiation.ParseRole(r.Header.Get(HeaderRole))
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, string(negotiation.CodeForbidden), "missing or unknown "+HeaderRole)
		return negotiation.Actor{}, false
	}
	actor := negotiation.Actor{Role: role}
	switch role {
	case negotiation.RolePatient:
		actor.ID = strings.TrimSpace(r.Header.Get(HeaderUserID))
	case negotiation.RoleClinic:
		actor.ID = strings.TrimSpace(r.Header.Get(HeaderClinicID))
	case negotiation.RoleDoctor:
		actor.ID = strings.TrimSpace(r.Header.Get(HeaderDoctorID))
	}
	if role != negotiation.RoleSystem && actor.ID == "" {
		httpx.WriteError(w, http.StatusForbidden, string(negotiation.CodeForbidden), "caller identity header is missing")
		return negotiation.Actor{}, false
	}
	return actor, true
}

func (h *RequestHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		code, msg := validationFailure(err)
		httpx.WriteError(w, http.StatusBadRequest, code, msg)
		return false
	}
	return true
}

// notifyFlag resolves the notify switch: ?notify= wins over the body field,
// and both default to true.
func notifyFlag(w http.ResponseWriter, r *http.Request, fromBody *bool) (bool, bool) {
	notify := true
	if fromBody != nil {
		notify = *fromBody
	}
	if raw := r.URL.Query().Get("notify"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "notify must be true or false")
			return false, false
		}
		notify = v
	}
	return notify, true
}

func parseFilter(r *http.Request) (negotiation.Filter, string, string) {
	q := r.URL.Query()
	f := negotiation.Filter{
		ClinicID:  strings.TrimSpace(q.Get("clinic_id")),
		DoctorID:  strings.TrimSpace(q.Get("doctor_id")),
		PatientID: strings.TrimSpace(q.Get("patient_id")),
	}
	if raw := q.Get("target_type"); raw != "" {
		t, ok := model.ParseTargetType(raw)
		if !ok {
			return f, string(negotiation.CodeInvalidTargetType), "target_type must be clinic or doctor"
		}
		f.TargetType = t
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, ok := model.ParseRequestStatus(part)
			if !ok {
				return f, "invalid_status", "unknown status " + strconv.Quote(strings.TrimSpace(part))
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	for _, p := range []struct {
		key string
		dst **model.Date
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		d, err := model.ParseDate(raw)
		if err != nil {
			return f, string(negotiation.CodeInvalidDate), p.key + " must be YYYY-MM-DD"
		}
		*p.dst = &d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, "invalid_limit", "limit must be a positive integer"
		}
		f.Limit = n
	}
	return f, "", ""
}

func statusFor(code negotiation.Code) int {
	switch code {
	case negotiation.CodeInvalidTargetType, negotiation.CodeInvalidTarget, negotiation.CodeMissingReason,
		negotiation.CodeInvalidDate, negotiation.CodeInvalidTime, negotiation.CodeDoctorRequired:
		return http.StatusBadRequest
	case negotiation.CodeForbidden:
		return http.StatusForbidden
	case negotiation.CodeRequestNotFound:
		return http.StatusNotFound
	case negotiation.CodeDuplicateRequest, negotiation.CodeDuplicateAppointment, negotiation.CodeInvalidTransition:
		return http.StatusConflict
	case negotiation.CodePatientNotFound:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *RequestHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *negotiation.Error
	if !errors.As(err, &derr) {
		h.logger.Error("request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	body := httpx.ErrorBody{Code: string(derr.Code), Message: derr.Message, ExistingID: derr.ExistingID}
	if body.Message == "" {
		body.Message = string(derr.Code)
	}
	if derr.Request != nil {
		body.Current = toRequestResponse(*derr.Request)
	}
	httpx.WriteJSON(w, statusFor(derr.Code), body)
}
