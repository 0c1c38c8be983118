package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

// DirectoryRepository is the local clinic/doctor directory, kept current by
// the directory.* topics.
type DirectoryRepository struct {
	pool *db.Pool
}

func NewDirectoryRepository(pool *db.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) Clinic(ctx context.Context, id string) (negotiation.Clinic, error) {
	if uuid.Validate(id) != nil {
		return negotiation.Clinic{}, negotiation.ErrNotFound
	}
	var c negotiation.Clinic
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, active
		FROM clinics
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Active)
	if db.IsNotFound(err) {
		return negotiation.Clinic{}, negotiation.ErrNotFound
	}
	return c, err
}

func (r *DirectoryRepository) Doctor(ctx context.Context, id string) (negotiation.Doctor, error) {
	if uuid.Validate(id) != nil {
		return negotiation.Doctor{}, negotiation.ErrNotFound
	}
	var (
		d        negotiation.Doctor
		clinicID *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, name, email, active
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &clinicID, &d.Name, &d.Email, &d.Active)
	if db.IsNotFound(err) {
		return negotiation.Doctor{}, negotiation.ErrNotFound
	}
	if err != nil {
		return negotiation.Doctor{}, err
	}
	d.ClinicID = deref(clinicID)
	return d, nil
}

func (r *DirectoryRepository) UpsertClinic(ctx context.Context, q db.Execer, c negotiation.Clinic) error {
	_, err := q.Exec(ctx, `
		INSERT INTO clinics (id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			active = EXCLUDED.active,
			updated_at = now()
	`, c.ID, c.Name, c.Active)
	return err
}

func (r *DirectoryRepository) UpsertDoctor(ctx context.Context, q db.Execer, d negotiation.Doctor) error {
	_, err := q.Exec(ctx, `
		INSERT INTO doctors (id, clinic_id, name, email, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET clinic_id = EXCLUDED.clinic_id,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			active = EXCLUDED.active,
			updated_at = now()
	`, d.ID, nullString(d.ClinicID), d.Name, d.Email, d.Active)
	return err
}

var _ negotiation.Directory = (*DirectoryRepository)(nil)
