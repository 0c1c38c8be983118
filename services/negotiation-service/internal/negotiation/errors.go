package negotiation

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

type Code string

const (
	CodeInvalidTargetType    Code = "invalid_target_type"
	CodeInvalidTarget        Code = "invalid_target"
	CodeMissingReason        Code = "missing_reason"
	CodeInvalidDate          Code = "invalid_date"
	CodeInvalidTime          Code = "invalid_time"
	CodeDoctorRequired       Code = "doctor_required"
	CodePatientNotFound      Code = "patient_not_found"
	CodeDuplicateRequest     Code = "duplicate_request"
	CodeDuplicateAppointment Code = "duplicate_appointment"
	CodeInvalidTransition    Code = "invalid_transition"
	CodeRequestNotFound      Code = "request_not_found"
	CodeForbidden            Code = "forbidden"
)

// Error is the domain failure returned by the engine. ExistingID is set for
// duplicates; Request carries the unchanged record on InvalidTransition.
type Error struct {
	Code       Code
	Message    string
	ExistingID string
	Request    *model.AppointmentRequest
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrForbidden)
// works regardless of message or payload.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidTargetType    = &Error{Code: CodeInvalidTargetType}
	ErrInvalidTarget        = &Error{Code: CodeInvalidTarget}
	ErrMissingReason        = &Error{Code: CodeMissingReason}
	ErrInvalidDate          = &Error{Code: CodeInvalidDate}
	ErrInvalidTime          = &Error{Code: CodeInvalidTime}
	ErrDoctorRequired       = &Error{Code: CodeDoctorRequired}
	ErrPatientNotFound      = &Error{Code: CodePatientNotFound}
	ErrDuplicateRequest     = &Error{Code: CodeDuplicateRequest}
	ErrDuplicateAppointment = &Error{Code: CodeDuplicateAppointment}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition}
	ErrRequestNotFound      = &Error{Code: CodeRequestNotFound}
	ErrForbidden            = &Error{Code: CodeForbidden}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func DuplicateRequest(existingID string) *Error {
	return &Error{Code: CodeDuplicateRequest, Message: "a pending request already exists for this slot", ExistingID: existingID}
}

func DuplicateAppointment(existingID string) *Error {
	return &Error{Code: CodeDuplicateAppointment, Message: "an active appointment already exists for this slot", ExistingID: existingID}
}

func invalidTransition(req model.AppointmentRequest, next model.RequestStatus) *Error {
	r := req
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot move request from %s to %s", req.Status, next),
		Request: &r,
	}
}

// CodeOf returns the domain code of err, or "" when err is not a domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
