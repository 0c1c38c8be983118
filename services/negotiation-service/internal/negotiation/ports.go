package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

// ErrNotFound is returned by port implementations when a lookup misses.
var ErrNotFound = errors.New("not found")

type Membership struct {
	ID        string
	ClinicID  string
	PatientID string
	AccountID string
}

type Account struct {
	ID           string
	Email        string
	PatientID    string
	MembershipID string
}

type Clinic struct {
	ID     string
	Name   string
	Active bool
}

type Doctor struct {
	ID       string
	ClinicID string
	Name     string
	Email    string
	Active   bool
}

// Registry is the read-only view of patient identities.
type Registry interface {
	PatientExists(ctx context.Context, id string) (bool, error)
	Membership(ctx context.Context, id string) (Membership, error)
	Account(ctx context.Context, id string) (Account, error)
	// PatientsByEmail returns canonical patient ids ordered by (created_at, id).
	PatientsByEmail(ctx context.Context, email string) ([]string, error)
}

type Directory interface {
	Clinic(ctx context.Context, id string) (Clinic, error)
	Doctor(ctx context.Context, id string) (Doctor, error)
}

// SlotQuery identifies one patient/target/date/time tuple.
type SlotQuery struct {
	PatientID string
	TargetKey string
	DoctorID  string
	Date      model.Date
	Time      model.ClockTime
}

type ConflictLookup interface {
	// FindPendingRequest returns the id of a pending request for the tuple, or "".
	FindPendingRequest(ctx context.Context, q SlotQuery) (string, error)
	// FindActiveAppointment returns the id of a scheduled or in-progress
	// appointment of the patient with q.DoctorID at that slot, or "".
	FindActiveAppointment(ctx context.Context, q SlotQuery) (string, error)
}

type Filter struct {
	ClinicID   string
	DoctorID   string
	PatientID  string
	TargetType model.TargetType
	Statuses   []model.RequestStatus
	From       *model.Date
	To         *model.Date
	Limit      int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Store interface {
	ConflictLookup
	GetRequest(ctx context.Context, id string) (model.AppointmentRequest, error)
	ListRequests(ctx context.Context, f Filter) ([]model.AppointmentRequest, error)
	// WithinTx runs fn in one transaction; a returned error rolls back every write.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	// InsertPendingRequest stores req. When another pending request already
	// holds the same slot, nothing is written and that request's id is returned.
	InsertPendingRequest(ctx context.Context, req *model.AppointmentRequest) (existingID string, err error)
	// LockRequest loads the request and holds it until the transaction ends.
	LockRequest(ctx context.Context, id string) (model.AppointmentRequest, error)
	UpdateRequest(ctx context.Context, req model.AppointmentRequest) error
	InsertAppointment(ctx context.Context, appt model.Appointment) error
	// RecordEvent queues ev for delivery as part of the transaction. A failed
	// write is undone on its own and leaves the rest of the transaction usable.
	RecordEvent(ctx context.Context, ev Event) error
}

type Event struct {
	Type          string
	RequestID     string
	Status        model.RequestStatus
	PatientID     string
	TargetType    model.TargetType
	ClinicID      string
	ClinicName    string
	DoctorID      string
	DoctorName    string
	TargetEmail   string
	Date          model.Date
	Time          model.ClockTime
	EndTime       *model.ClockTime
	AppointmentID string
	Reason        string
	OccurredAt    time.Time
}

func EventType(status model.RequestStatus) string {
	name := string(status)
	if status == model.StatusPending {
		name = "created"
	}
	return "negotiation.request." + name + ".v1"
}
