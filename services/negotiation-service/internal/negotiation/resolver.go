package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolver maps a loose patient reference to a canonical patient id. The
// reference is tried, in order, as a canonical id, a membership id and an
// email address; the first form that resolves wins.
type Resolver struct {
	registry Registry
}

func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

func (r *Resolver) Resolve(ctx context.Context, reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", newError(CodePatientNotFound, "empty patient reference")
	}

	ok, err := r.registry.PatientExists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("lookup patient: %w", err)
	}
	if ok {
		return ref, nil
	}

	id, err := r.fromMembership(ctx, ref)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	if strings.Contains(ref, "@") {
		ids, err := r.registry.PatientsByEmail(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("lookup patient by email: %w", err)
		}
		if len(ids) > 0 {
			return ids[0], nil
		}
	}

	return "", newError(CodePatientNotFound, "no patient matches %q", ref)
}

// fromMembership follows the membership's canonical link, falling back to the
// canonical link of the account it references.
func (r *Resolver) fromMembership(ctx context.Context, id string) (string, error) {
	m, err := r.registry.Membership(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup membership: %w", err)
	}
	if m.PatientID != "" {
		return m.PatientID, nil
	}
	if m.AccountID == "" {
		return "", nil
	}

	acct, err := r.registry.Account(ctx, m.AccountID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup account: %w", err)
	}
	return acct.PatientID, nil
}
