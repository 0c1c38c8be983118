package model

import (
	"strings"
	"time"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusProposed  RequestStatus = "proposed"
	StatusAccepted  RequestStatus = "accepted"
	StatusDeclined  RequestStatus = "declined"
	StatusCancelled RequestStatus = "cancelled"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusProposed, StatusCancelled},
	StatusProposed: {StatusAccepted, StatusDeclined, StatusCancelled},
}

func ParseRequestStatus(raw string) (RequestStatus, bool) {
	s := RequestStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusProposed,
		StatusAccepted, StatusDeclined, StatusCancelled:
		return s, true
	}
	return "", false
}

func (s RequestStatus) Terminal() bool {
	_, open := requestTransitions[s]
	return !open
}

func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TargetType string

const (
	TargetClinic TargetType = "clinic"
	TargetDoctor TargetType = "doctor"
)

func ParseTargetType(raw string) (TargetType, bool) {
	t := TargetType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TargetClinic, TargetDoctor:
		return t, true
	}
	return "", false
}

// Target is who a request is addressed to. A doctor target without a
// DoctorID is an unregistered doctor identified by Name and Email.
type Target struct {
	Type     TargetType
	ClinicID string
	DoctorID string
	Name     string
	Email    string
}

func (t Target) Unregistered() bool {
	return t.Type == TargetDoctor && t.DoctorID == ""
}

// Key is the identity used for duplicate detection and the pending unique index.
func (t Target) Key() string {
	switch {
	case t.Type == TargetClinic:
		return "clinic:" + t.ClinicID
	case t.DoctorID != "":
		return "doctor:" + t.DoctorID
	default:
		return "email:" + strings.ToLower(t.Email)
	}
}

type AppointmentRequest struct {
	ID        string
	Target    Target
	PatientID string

	Date    Date
	Time    ClockTime
	EndTime *ClockTime
	Reason  string
	Notes   string

	Status RequestStatus

	// Set by propose; left in place after accept/decline for audit.
	ProposedDate    *Date
	ProposedTime    *ClockTime
	ProposedEndTime *ClockTime

	StatusReason  string
	AppointmentID string

	CreatedAt time.Time
	UpdatedAt time.Time
}
