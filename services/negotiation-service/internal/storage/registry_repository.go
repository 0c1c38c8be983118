package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

// RegistryRepository reads and maintains the local replica of the patient,
// membership and account registries.
type RegistryRepository struct {
	pool *db.Pool
}

func NewRegistryRepository(pool *db.Pool) *RegistryRepository {
	return &RegistryRepository{pool: pool}
}

type Patient struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

func (r *RegistryRepository) PatientExists(ctx context.Context, id string) (bool, error) {
	if uuid.Validate(id) != nil {
		return false, nil
	}
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *RegistryRepository) Membership(ctx context.Context, id string) (negotiation.Membership, error) {
	if uuid.Validate(id) != nil {
		return negotiation.Membership{}, negotiation.ErrNotFound
	}
	var (
		m                    negotiation.Membership
		patientID, accountID *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, patient_id::text, account_id::text
		FROM clinic_memberships
		WHERE id = $1
	`, id).Scan(&m.ID, &m.ClinicID, &patientID, &accountID)
	if db.IsNotFound(err) {
		return negotiation.Membership{}, negotiation.ErrNotFound
	}
	if err != nil {
		return negotiation.Membership{}, err
	}
	m.PatientID = deref(patientID)
	m.AccountID = deref(accountID)
	return m, nil
}

func (r *RegistryRepository) Account(ctx context.Context, id string) (negotiation.Account, error) {
	if uuid.Validate(id) != nil {
		return negotiation.Account{}, negotiation.ErrNotFound
	}
	var (
		a                       negotiation.Account
		patientID, membershipID *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, email, patient_id::text, membership_id::text
		FROM accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &patientID, &membershipID)
	if db.IsNotFound(err) {
		return negotiation.Account{}, negotiation.ErrNotFound
	}
	if err != nil {
		return negotiation.Account{}, err
	}
	a.PatientID = deref(patientID)
	a.MembershipID = deref(membershipID)
	return a, nil
}

func (r *RegistryRepository) PatientsByEmail(ctx context.Context, email string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text
		FROM patients
		WHERE email = $1
		ORDER BY created_at, id
	`, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RegistryRepository) UpsertPatient(ctx context.Context, q db.Execer, p Patient) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO patients (id, email, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
			updated_at = now()
	`, p.ID, strings.TrimSpace(p.Email), createdAt)
	return err
}

func (r *RegistryRepository) UpsertMembership(ctx context.Context, q db.Execer, m negotiation.Membership) error {
	_, err := q.Exec(ctx, `
		INSERT INTO clinic_memberships (id, clinic_id, patient_id, account_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET clinic_id = EXCLUDED.clinic_id,
			patient_id = EXCLUDED.patient_id,
			account_id = EXCLUDED.account_id,
			updated_at = now()
	`, m.ID, m.ClinicID, nullString(m.PatientID), nullString(m.AccountID))
	return err
}

func (r *RegistryRepository) UpsertAccount(ctx context.Context, q db.Execer, a negotiation.Account) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (id, email, patient_id, membership_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
			patient_id = EXCLUDED.patient_id,
			membership_id = EXCLUDED.membership_id,
			updated_at = now()
	`, a.ID, strings.TrimSpace(a.Email), nullString(a.PatientID), nullString(a.MembershipID))
	return err
}

var _ negotiation.Registry = (*RegistryRepository)(nil)
