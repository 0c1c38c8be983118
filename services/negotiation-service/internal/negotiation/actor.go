package negotiation

import (
	"strings"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleClinic  Role = "clinic"
	RoleDoctor  Role = "doctor"
	RoleSystem  Role = "system"
)

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RolePatient, RoleClinic, RoleDoctor, RoleSystem:
		return r, true
	}
	return "", false
}

// Actor is the caller of an operation. For patients ID is the canonical
// patient id, for clinics the clinic id and for doctors the doctor id. The zero
// Actor is an internal caller and is trusted like RoleSystem.
type Actor struct {
	Role Role
	ID   string
}

func (a Actor) trusted() bool {
	return a.Role == "" || a.Role == RoleSystem
}

// canView reports whether a may read req.
func (a Actor) canView(req model.AppointmentRequest) bool {
	switch {
	case a.trusted():
		return true
	case a.Role == RolePatient:
		return a.ID != "" && req.PatientID == a.ID
	default:
		return a.owns(req)
	}
}

// owns reports whether a is the clinic or doctor the request is addressed to.
func (a Actor) owns(req model.AppointmentRequest) bool {
	if a.trusted() {
		return true
	}
	if a.ID == "" {
		return false
	}
	switch a.Role {
	case RoleClinic:
		return req.Target.ClinicID == a.ID
	case RoleDoctor:
		return req.Target.DoctorID == a.ID
	}
	return false
}

func (a Actor) isRequester(req model.AppointmentRequest) bool {
	if a.trusted() {
		return true
	}
	return a.Role == RolePatient && a.ID != "" && req.PatientID == a.ID
}

// scope narrows f to what a is allowed to see.
func (a Actor) scope(f Filter) Filter {
	switch a.Role {
	case RolePatient:
		f.PatientID = a.ID
	case RoleClinic:
		f.ClinicID = a.ID
	case RoleDoctor:
		f.DoctorID = a.ID
	}
	return f
}
