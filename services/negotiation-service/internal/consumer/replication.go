package consumer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/storage"
	"github.com/segmentio/kafka-go"
)

const (
	TopicClinicUpserted     = "directory.clinic.upserted.v1"
	TopicDoctorUpserted     = "directory.doctor.upserted.v1"
	TopicPatientUpserted    = "patients.patient.upserted.v1"
	TopicMembershipUpserted = "patients.membership.upserted.v1"
	TopicAccountUpserted    = "patients.account.upserted.v1"
)

type DirectoryWriter interface {
	UpsertClinic(ctx context.Context, q db.Execer, c negotiation.Clinic) error
	UpsertDoctor(ctx context.Context, q db.Execer, d negotiation.Doctor) error
}

type RegistryWriter interface {
	UpsertPatient(ctx context.Context, q db.Execer, p storage.Patient) error
	UpsertMembership(ctx context.Context, q db.Execer, m negotiation.Membership) error
	UpsertAccount(ctx context.Context, q db.Execer, a negotiation.Account) error
}

// Replicator keeps the local directory and registry tables in step with the
// upstream services. Malformed messages are logged and skipped so they cannot
// block the partition.
type Replicator struct {
	directory DirectoryWriter
	registry  RegistryWriter
	logger    *slog.Logger
}

func NewReplicator(directory DirectoryWriter, registry RegistryWriter, logger *slog.Logger) *Replicator {
	return &Replicator{directory: directory, registry: registry, logger: logger}
}

// Handlers maps each replicated topic to its handler.
func (r *Replicator) Handlers() map[string]Handler {
	return map[string]Handler{
		TopicClinicUpserted:     r.clinic,
		TopicDoctorUpserted:     r.doctor,
		TopicPatientUpserted:    r.patient,
		TopicMembershipUpserted: r.membership,
		TopicAccountUpserted:    r.account,
	}
}

type clinicPayload struct {
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Active   *bool  `json:"active"`
}

type doctorPayload struct {
	DoctorID string `json:"doctor_id"`
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Active   *bool  `json:"active"`
}

type patientPayload struct {
	PatientID string    `json:"patient_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type membershipPayload struct {
	MembershipID string `json:"membership_id"`
	ClinicID     string `json:"clinic_id"`
	PatientID    string `json:"patient_id"`
	AccountID    string `json:"account_id"`
}

type accountPayload struct {
	AccountID    string `json:"account_id"`
	Email        string `json:"email"`
	PatientID    string `json:"patient_id"`
	MembershipID string `json:"membership_id"`
}

func (r *Replicator) clinic(ctx context.Context, q db.Execer, msg kafka.Message) error {
	var p clinicPayload
	if !r.decode(msg, &p) || !r.ids(msg, p.ClinicID) {
		return nil
	}
	return r.directory.UpsertClinic(ctx, q, negotiation.Clinic{
		ID:     p.ClinicID,
		Name:   strings.TrimSpace(p.Name),
		Active: activeOrDefault(p.Active),
	})
}

func (r *Replicator) doctor(ctx context.Context, q db.Execer, msg kafka.Message) error {
	var p doctorPayload
	if !r.decode(msg, &p) || !r.ids(msg, p.DoctorID) || !r.optionalIDs(msg, p.ClinicID) {
		return nil
	}
	return r.directory.UpsertDoctor(ctx, q, negotiation.Doctor{
		ID:       p.DoctorID,
		ClinicID: p.ClinicID,
		Name:     strings.TrimSpace(p.Name),
		Email:    strings.ToLower(strings.TrimSpace(p.Email)),
		Active:   activeOrDefault(p.Active),
	})
}

func (r *Replicator) patient(ctx context.Context, q db.Execer, msg kafka.Message) error {
	var p patientPayload
	if !r.decode(msg, &p) || !r.ids(msg, p.PatientID) {
		return nil
	}
	if strings.TrimSpace(p.Email) == "" {
		r.logger.Error("missing required event fields", "topic", msg.Topic, "field", "email")
		return nil
	}
	return r.registry.UpsertPatient(ctx, q, storage.Patient{ID: p.PatientID, Email: p.Email, CreatedAt: p.CreatedAt})
}

func (r *Replicator) membership(ctx context.Context, q db.Execer, msg kafka.Message) error {
	var p membershipPayload
	if !r.decode(msg, &p) || !r.ids(msg, p.MembershipID, p.ClinicID) || !r.optionalIDs(msg, p.PatientID, p.AccountID) {
		return nil
	}
	return r.registry.UpsertMembership(ctx, q, negotiation.Membership{
		ID:        p.MembershipID,
		ClinicID:  p.ClinicID,
		PatientID: p.PatientID,
		AccountID: p.AccountID,
	})
}

func (r *Replicator) account(ctx context.Context, q db.Execer, msg kafka.Message) error {
	var p accountPayload
	if !r.decode(msg, &p) || !r.ids(msg, p.AccountID) || !r.optionalIDs(msg, p.PatientID, p.MembershipID) {
		return nil
	}
	return r.registry.UpsertAccount(ctx, q, negotiation.Account{
		ID:           p.AccountID,
		Email:        p.Email,
		PatientID:    p.PatientID,
		MembershipID: p.MembershipID,
	})
}

func (r *Replicator) decode(msg kafka.Message, v any) bool {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		r.logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
		return false
	}
	return true
}

func (r *Replicator) ids(msg kafka.Message, ids ...string) bool {
	for _, id := range ids {
		if uuid.Validate(id) != nil {
			r.logger.Error("missing required event fields", "topic", msg.Topic, "id", id)
			return false
		}
	}
	return true
}

func (r *Replicator) optionalIDs(msg kafka.Message, ids ...string) bool {
	for _, id := range ids {
		if id != "" && uuid.Validate(id) != nil {
			r.logger.Error("invalid id in event", "topic", msg.Topic, "id", id)
			return false
		}
	}
	return true
}

func activeOrDefault(b *bool) bool {
	return b == nil || *b
}
