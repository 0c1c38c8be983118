package handlers

import (
	"time"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

type createRequestBody struct {
	TargetType  string `json:"target_type"`
	ClinicID    string `json:"clinic_id" validate:"max=64"`
	DoctorID    string `json:"doctor_id" validate:"max=64"`
	DoctorName  string `json:"doctor_name" validate:"max=200"`
	DoctorEmail string `json:"doctor_email" validate:"omitempty,email,max=254"`
	PatientRef  string `json:"patient" validate:"max=254"`
	Date        string `json:"date" validate:"omitempty,iso_date"`
	Time        string `json:"time" validate:"omitempty,clock_time"`
	EndTime     string `json:"end_time" validate:"omitempty,clock_time"`
	Reason      string `json:"reason" validate:"max=2000"`
	Notes       string `json:"notes" validate:"max=4000"`
	Notify      *bool  `json:"notify"`
}

// Slot fields of approve and propose are checked by the engine after the
// request status, so a finished request reports invalid_transition first.
type approveBody struct {
	DoctorID string `json:"doctor_id" validate:"max=64"`
	Date     string `json:"date" validate:"max=32"`
	Time     string `json:"time" validate:"max=32"`
	EndTime  string `json:"end_time" validate:"max=32"`
	Notify   *bool  `json:"notify"`
}

type rejectBody struct {
	Reason string `json:"reason" validate:"max=2000"`
	Notify *bool  `json:"notify"`
}

type proposeBody struct {
	Date    string `json:"date" validate:"max=32"`
	Time    string `json:"time" validate:"max=32"`
	EndTime string `json:"end_time" validate:"max=32"`
	Notify  *bool  `json:"notify"`
}

type actionBody struct {
	Notify *bool `json:"notify"`
}

type requestResponse struct {
	ID              string `json:"id"`
	TargetType      string `json:"target_type"`
	ClinicID        string `json:"clinic_id,omitempty"`
	DoctorID        string `json:"doctor_id,omitempty"`
	TargetName      string `json:"target_name,omitempty"`
	TargetEmail     string `json:"target_email,omitempty"`
	PatientID       string `json:"patient_id"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	EndTime         string `json:"end_time,omitempty"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes,omitempty"`
	Status          string `json:"status"`
	ProposedDate    string `json:"proposed_date,omitempty"`
	ProposedTime    string `json:"proposed_time,omitempty"`
	ProposedEndTime string `json:"proposed_end_time,omitempty"`
	StatusReason    string `json:"status_reason,omitempty"`
	AppointmentID   string `json:"appointment_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type appointmentResponse struct {
	ID           string `json:"id"`
	RequestID    string `json:"request_id"`
	ClinicID     string `json:"clinic_id,omitempty"`
	DoctorID     string `json:"doctor_id,omitempty"`
	PatientLink  string `json:"patient_link"`
	PatientID    string `json:"patient_id,omitempty"`
	MembershipID string `json:"membership_id,omitempty"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	EndTime      string `json:"end_time,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type listResponse struct {
	Items []requestResponse `json:"items"`
	Count int               `json:"count"`
}

func toRequestResponse(r model.AppointmentRequest) requestResponse {
	out := requestResponse{
		ID:            r.ID,
		TargetType:    string(r.Target.Type),
		ClinicID:      r.Target.ClinicID,
		DoctorID:      r.Target.DoctorID,
		TargetName:    r.Target.Name,
		TargetEmail:   r.Target.Email,
		PatientID:     r.PatientID,
		Date:          r.Date.String(),
		Time:          r.Time.String(),
		EndTime:       clockString(r.EndTime),
		Reason:        r.Reason,
		Notes:         r.Notes,
		Status:        string(r.Status),
		ProposedTime:  clockString(r.ProposedTime),
		StatusReason:  r.StatusReason,
		AppointmentID: r.AppointmentID,
		CreatedAt:     timestamp(r.CreatedAt),
		UpdatedAt:     timestamp(r.UpdatedAt),
	}
	if r.ProposedDate != nil {
		out.ProposedDate = r.ProposedDate.String()
	}
	out.ProposedEndTime = clockString(r.ProposedEndTime)
	return out
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	out := appointmentResponse{
		ID:          a.ID,
		RequestID:   a.RequestID,
		ClinicID:    a.ClinicID,
		DoctorID:    a.DoctorID,
		PatientLink: a.Patient.Kind().String(),
		Date:        a.Date.String(),
		Time:        a.Time.String(),
		EndTime:     clockString(a.EndTime),
		Status:      string(a.Status),
		Reason:      a.Reason,
		Notes:       a.Notes,
		CreatedAt:   timestamp(a.CreatedAt),
	}
	if id, ok := a.Patient.CanonicalID(); ok {
		out.PatientID = id
	}
	if id, ok := a.Patient.MembershipID(); ok {
		out.MembershipID = id
	}
	return out
}

func clockString(c *model.ClockTime) string {
	if c == nil {
		return ""
	}
	return c.String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
