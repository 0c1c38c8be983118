package negotiation

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

// Detector is the pre-flight duplicate check run before a create. A clean
// result does not guarantee the insert succeeds; the pending-slot unique
// index behind Tx.InsertPendingRequest has the final say.
type Detector struct {
	lookup ConflictLookup
}

func NewDetector(lookup ConflictLookup) *Detector {
	return &Detector{lookup: lookup}
}

func (d *Detector) Check(ctx context.Context, patientID string, target model.Target, date model.Date, at model.ClockTime) error {
	q := SlotQuery{
		PatientID: patientID,
		TargetKey: target.Key(),
		DoctorID:  target.DoctorID,
		Date:      date,
		Time:      at,
	}

	existing, err := d.lookup.FindPendingRequest(ctx, q)
	if err != nil {
		return fmt.Errorf("find pending request: %w", err)
	}
	if existing != "" {
		return DuplicateRequest(existing)
	}

	if q.DoctorID == "" {
		return nil
	}
	existing, err = d.lookup.FindActiveAppointment(ctx, q)
	if err != nil {
		return fmt.Errorf("find active appointment: %w", err)
	}
	if existing != "" {
		return DuplicateAppointment(existing)
	}
	return nil
}
