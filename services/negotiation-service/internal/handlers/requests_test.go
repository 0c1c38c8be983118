package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

type stubEngine struct {
	create  negotiation.CreateInput
	approve negotiation.ApproveInput
	action  negotiation.ActionInput
	filter  negotiation.Filter
	actor   negotiation.Actor

	req  model.AppointmentRequest
	appt model.Appointment
	list []model.AppointmentRequest
	err  error
}

func (s *stubEngine) Create(_ context.Context, in negotiation.CreateInput) (model.AppointmentRequest, error) {
	s.create = in
	return s.req, s.err
}

func (s *stubEngine) Approve(_ context.Context, in negotiation.ApproveInput) (model.Appointment, error) {
	s.approve = in
	return s.appt, s.err
}

func (s *stubEngine) Reject(_ context.Context, in negotiation.RejectInput) (model.AppointmentRequest, error) {
	s.actor = in.Actor
	return s.req, s.err
}

func (s *stubEngine) Propose(_ context.Context, in negotiation.ProposeInput) (model.AppointmentRequest, error) {
	s.actor = in.Actor
	return s.req, s.err
}

func (s *stubEngine) Accept(_ context.Context, in negotiation.ActionInput) (model.Appointment, error) {
	s.action = in
	return s.appt, s.err
}

func (s *stubEngine) Decline(_ context.Context, in negotiation.ActionInput) (model.AppointmentRequest, error) {
	s.action = in
	return s.req, s.err
}

func (s *stubEngine) Cancel(_ context.Context, in negotiation.ActionInput) (model.AppointmentRequest, error) {
	s.action = in
	return s.req, s.err
}

func (s *stubEngine) Get(_ context.Context, actor negotiation.Actor, _ string) (model.AppointmentRequest, error) {
	s.actor = actor
	return s.req, s.err
}

func (s *stubEngine) List(_ context.Context, actor negotiation.Actor, f negotiation.Filter) ([]model.AppointmentRequest, error) {
	s.actor = actor
	s.filter = f
	return s.list, s.err
}

func sampleRequest() model.AppointmentRequest {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return model.AppointmentRequest{
		ID:        "req-1",
		Target:    model.Target{Type: model.TargetClinic, ClinicID: "clinic-1"},
		PatientID: "patient-1",
		Date:      model.MustDate("2025-03-10"),
		Time:      model.MustClockTime("14:30"),
		Reason:    "checkup",
		Status:    model.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newTestMux(engine Engine) *http.ServeMux {
	mux := http.NewServeMux()
	NewRequestHandler(engine, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return mux
}

func do(t *testing.T, mux http.Handler, method, target, role, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if role != "" {
		req.Header.Set(HeaderRole, role)
	}
	switch role {
	case "patient":
		req.Header.Set(HeaderUserID, id)
	case "clinic":
		req.Header.Set(HeaderClinicID, id)
	case "doctor":
		req.Header.Set(HeaderDoctorID, id)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestCreatePassesInputAndReturns201(t *testing.T) {
	eng := &stubEngine{req: sampleRequest()}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodPost, "/api/v1/appointment-requests", "patient", "patient-1", `{
		"target_type": "clinic",
		"clinic_id": "clinic-1",
		"date": "2025-03-10",
		"time": "2:30 PM",
		"reason": "checkup"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, negotiation.Actor{Role: negotiation.RolePatient, ID: "patient-1"}, eng.create.Actor)
	assert.Equal(t, "2:30 PM", eng.create.Time)
	assert.True(t, eng.create.Notify)

	var out requestResponse
	decodeBody(t, rec, &out)
	assert.Equal(t, "req-1", out.ID)
	assert.Equal(t, "14:30", out.Time)
	assert.Equal(t, "pending", out.Status)
}

func TestNotifyQueryOverridesBody(t *testing.T) {
	eng := &stubEngine{req: sampleRequest()}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodPost, "/api/v1/appointment-requests?notify=false", "patient", "patient-1",
		`{"target_type":"clinic","clinic_id":"clinic-1","date":"2025-03-10","time":"09:00","reason":"x","notify":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, eng.create.Notify)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointment-requests", "patient", "patient-1",
		`{"target_type":"clinic","clinic_id":"clinic-1","date":"2025-03-10","time":"09:00","reason":"x","notify":false}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, eng.create.Notify)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointment-requests?notify=maybe", "patient", "patient-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"bad time", `{"time":"25:00"}`, "invalid_time"},
		{"bad end time", `{"end_time":"9:00 XM"}`, "invalid_time"},
		{"bad date", `{"date":"10/03/2025"}`, "invalid_date"},
		{"bad email", `{"doctor_email":"not-an-email"}`, "invalid_target"},
		{"unknown field", `{"when":"soon"}`, "invalid_json"},
		{"malformed", `not json`, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &stubEngine{}
			rec := do(t, newTestMux(eng), http.MethodPost, "/api/v1/appointment-requests", "patient", "patient-1", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body struct {
				Code string `json:"code"`
			}
			decodeBody(t, rec, &body)
			assert.Equal(t, tc.code, body.Code)
			assert.Empty(t, eng.create.Actor.Role, "engine must not be called")
		})
	}
}

func TestSlotFieldsReachEngineUnchecked(t *testing.T) {
	eng := &stubEngine{err: negotiation.ErrInvalidTransition}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodPost, "/api/v1/appointment-requests/req-1/approve", "clinic", "clinic-1", `{"doctor_id":"doctor-1","date":"not-a-date"}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "not-a-date", eng.approve.Date)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointment-requests/req-1/propose", "clinic", "clinic-1", `{"date":"2025-03-12","time":"25:00"}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, negotiation.Actor{Role: negotiation.RoleClinic, ID: "clinic-1"}, eng.actor)
}

func TestMissingRoleIsForbidden(t *testing.T) {
	eng := &stubEngine{}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodGet, "/api/v1/appointment-requests/req-1", "", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/appointment-requests/req-1", "admin", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/appointment-requests/req-1", "clinic", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSystemRoleNeedsNoIdentity(t *testing.T) {
	eng := &stubEngine{req: sampleRequest()}
	rec := do(t, newTestMux(eng), http.MethodGet, "/api/v1/appointment-requests/req-1", "system", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, negotiation.RoleSystem, eng.actor.Role)
}

func TestErrorMapping(t *testing.T) {
	current := sampleRequest()
	current.Status = model.StatusCancelled

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", negotiation.ErrInvalidTime, http.StatusBadRequest, "invalid_time"},
		{"doctor required", negotiation.ErrDoctorRequired, http.StatusBadRequest, "doctor_required"},
		{"forbidden", negotiation.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"not found", negotiation.ErrRequestNotFound, http.StatusNotFound, "request_not_found"},
		{"patient", negotiation.ErrPatientNotFound, http.StatusUnprocessableEntity, "patient_not_found"},
		{"duplicate", negotiation.DuplicateRequest("req-0"), http.StatusConflict, "duplicate_request"},
		{"transition", &negotiation.Error{Code: negotiation.CodeInvalidTransition, Request: &current}, http.StatusConflict, "invalid_transition"},
		{"internal", errors.New("db down"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &stubEngine{err: tc.err}
			rec := do(t, newTestMux(eng), http.MethodPost, "/api/v1/appointment-requests/req-1/cancel", "patient", "patient-1", "")
			require.Equal(t, tc.status, rec.Code)

			var body struct {
				Code       string           `json:"code"`
				Message    string           `json:"message"`
				ExistingID string           `json:"existing_id"`
				Current    *requestResponse `json:"current"`
			}
			decodeBody(t, rec, &body)
			assert.Equal(t, tc.code, body.Code)
			switch tc.code {
			case "duplicate_request":
				assert.Equal(t, "req-0", body.ExistingID)
			case "invalid_transition":
				require.NotNil(t, body.Current)
				assert.Equal(t, "cancelled", body.Current.Status)
			case "internal":
				assert.NotContains(t, body.Message, "db down")
			}
		})
	}
}

func TestApproveAndAcceptReturnAppointment(t *testing.T) {
	end := model.MustClockTime("15:00")
	appt := model.Appointment{
		ID:        "appt-1",
		RequestID: "req-1",
		ClinicID:  "clinic-1",
		DoctorID:  "doctor-1",
		Patient:   model.CanonicalPatient("patient-1"),
		Date:      model.MustDate("2025-03-10"),
		Time:      model.MustClockTime("14:30"),
		EndTime:   &end,
		Status:    model.AppointmentScheduled,
		CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	eng := &stubEngine{appt: appt}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodPost, "/api/v1/appointment-requests/req-1/approve", "clinic", "clinic-1", `{"doctor_id":"doctor-1","time":"15:00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "req-1", eng.approve.RequestID)
	assert.Equal(t, "doctor-1", eng.approve.DoctorID)
	assert.Equal(t, "15:00", eng.approve.Time)
	assert.Equal(t, negotiation.Actor{Role: negotiation.RoleClinic, ID: "clinic-1"}, eng.approve.Actor)

	var out appointmentResponse
	decodeBody(t, rec, &out)
	assert.Equal(t, "appt-1", out.ID)
	assert.Equal(t, "15:00", out.EndTime)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointment-requests/req-1/accept?notify=0", "patient", "patient-1", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "req-1", eng.action.RequestID)
	assert.False(t, eng.action.Notify)
}

func TestDeclineRoute(t *testing.T) {
	req := sampleRequest()
	req.Status = model.StatusDeclined
	eng := &stubEngine{req: req}

	rec := do(t, newTestMux(eng), http.MethodPost, "/api/v1/appointment-requests/req-7/decline", "patient", "patient-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-7", eng.action.RequestID)
	assert.True(t, eng.action.Notify)
}

func TestListParsesFilter(t *testing.T) {
	eng := &stubEngine{}
	mux := newTestMux(eng)

	rec := do(t, mux, http.MethodGet,
		"/api/v1/appointment-requests?status=pending,proposed&target_type=doctor&from=2025-03-01&to=2025-03-31&limit=10",
		"clinic", "clinic-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []model.RequestStatus{model.StatusPending, model.StatusProposed}, eng.filter.Statuses)
	assert.Equal(t, model.TargetDoctor, eng.filter.TargetType)
	require.NotNil(t, eng.filter.From)
	require.NotNil(t, eng.filter.To)
	assert.Equal(t, "2025-03-01", eng.filter.From.String())
	assert.Equal(t, "2025-03-31", eng.filter.To.String())
	assert.Equal(t, 10, eng.filter.Limit)

	// Empty result still renders an array.
	assert.JSONEq(t, `{"items":[],"count":0}`, rec.Body.String())
}

func TestListRejectsBadQuery(t *testing.T) {
	cases := map[string]string{
		"status=done":       "invalid_status",
		"target_type=nurse": "invalid_target_type",
		"from=yesterday":    "invalid_date",
		"limit=-1":          "invalid_limit",
		"limit=ten":         "invalid_limit",
	}
	for query, code := range cases {
		t.Run(query, func(t *testing.T) {
			rec := do(t, newTestMux(&stubEngine{}), http.MethodGet, "/api/v1/appointment-requests?"+query, "patient", "patient-1", "")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body struct {
				Code string `json:"code"`
			}
			decodeBody(t, rec, &body)
			assert.Equal(t, code, body.Code)
		})
	}
}
