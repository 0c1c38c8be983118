package model

import (
	"errors"
	"time"
)

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
)

// Active appointments block a second booking of the same patient/doctor/slot.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentScheduled || s == AppointmentInProgress
}

type PatientLinkKind int

const (
	LinkUnlinked PatientLinkKind = iota
	LinkCanonical
	LinkMembershipOnly
)

func (k PatientLinkKind) String() string {
	switch k {
	case LinkCanonical:
		return "canonical"
	case LinkMembershipOnly:
		return "membership_only"
	default:
		return "unlinked"
	}
}

// PatientLink says which patient identity an appointment is bound to. Exactly
// one variant holds: a canonical patient, a clinic membership that has not
// been linked to a canonical patient yet, or nothing.
type PatientLink struct {
	kind PatientLinkKind
	id   string
}

func CanonicalPatient(id string) PatientLink { return PatientLink{kind: LinkCanonical, id: id} }
func MembershipOnly(id string) PatientLink   { return PatientLink{kind: LinkMembershipOnly, id: id} }
func Unlinked() PatientLink                  { return PatientLink{} }

var ErrAmbiguousPatientLink = errors.New("appointment references both a canonical patient and a membership")

// PatientLinkFromColumns rebuilds the variant from the two nullable storage columns.
func PatientLinkFromColumns(patientID, membershipID *string) (PatientLink, error) {
	hasPatient := patientID != nil && *patientID != ""
	hasMembership := membershipID != nil && *membershipID != ""
	switch {
	case hasPatient && hasMembership:
		return PatientLink{}, ErrAmbiguousPatientLink
	case hasPatient:
		return CanonicalPatient(*patientID), nil
	case hasMembership:
		return MembershipOnly(*membershipID), nil
	default:
		return Unlinked(), nil
	}
}

func (l PatientLink) Kind() PatientLinkKind { return l.kind }

func (l PatientLink) CanonicalID() (string, bool) {
	return l.id, l.kind == LinkCanonical
}

func (l PatientLink) MembershipID() (string, bool) {
	return l.id, l.kind == LinkMembershipOnly
}

// Columns returns the values for the patient_id and membership_id columns.
func (l PatientLink) Columns() (patientID, membershipID *string) {
	id := l.id
	switch l.kind {
	case LinkCanonical:
		return &id, nil
	case LinkMembershipOnly:
		return nil, &id
	default:
		return nil, nil
	}
}

type Appointment struct {
	ID        string
	RequestID string
	ClinicID  string
	DoctorID  string
	Patient   PatientLink
	Date      Date
	Time      ClockTime
	EndTime   *ClockTime
	Status    AppointmentStatus
	Reason    string
	Notes     string
	CreatedAt time.Time
}
