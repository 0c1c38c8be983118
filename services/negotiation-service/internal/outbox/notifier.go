package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

// RequestEvent is the JSON body of every negotiation.request.* event.
type RequestEvent struct {
	EventType     string    `json:"event_type"`
	RequestID     string    `json:"request_id"`
	Status        string    `json:"status"`
	PatientID     string    `json:"patient_id"`
	TargetType    string    `json:"target_type"`
	ClinicID      string    `json:"clinic_id,omitempty"`
	ClinicName    string    `json:"clinic_name,omitempty"`
	DoctorID      string    `json:"doctor_id,omitempty"`
	DoctorName    string    `json:"doctor_name,omitempty"`
	TargetEmail   string    `json:"target_email,omitempty"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	EndTime       string    `json:"end_time,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func NewRequestEvent(ev negotiation.Event) RequestEvent {
	out := RequestEvent{
		EventType:     ev.Type,
		RequestID:     ev.RequestID,
		Status:        string(ev.Status),
		PatientID:     ev.PatientID,
		TargetType:    string(ev.TargetType),
		ClinicID:      ev.ClinicID,
		ClinicName:    ev.ClinicName,
		DoctorID:      ev.DoctorID,
		DoctorName:    ev.DoctorName,
		TargetEmail:   ev.TargetEmail,
		Date:          ev.Date.String(),
		Time:          ev.Time.String(),
		AppointmentID: ev.AppointmentID,
		Reason:        ev.Reason,
		OccurredAt:    ev.OccurredAt.UTC(),
	}
	if ev.EndTime != nil {
		out.EndTime = ev.EndTime.String()
	}
	return out
}

// EventWriter turns engine events into outbox rows for the publisher to relay.
// Rows are written through the caller's transaction so they commit with the
// state change they describe.
type EventWriter struct {
	repo *Repository
}

func NewEventWriter(repo *Repository) *EventWriter {
	return &EventWriter{repo: repo}
}

func (w *EventWriter) Write(ctx context.Context, q db.Execer, ev negotiation.Event) error {
	evt, err := EventFor(ev)
	if err != nil {
		return err
	}
	if err := w.repo.Insert(ctx, q, evt); err != nil {
		return fmt.Errorf("outbox insert %s: %w", evt.EventType, err)
	}
	return nil
}

func EventFor(ev negotiation.Event) (Event, error) {
	payload, err := json.Marshal(NewRequestEvent(ev))
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return Event{
		AggregateType: AggregateRequest,
		AggregateID:   ev.RequestID,
		EventType:     ev.Type,
		Payload:       payload,
	}, nil
}

