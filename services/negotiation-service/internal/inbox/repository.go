package inbox

import (
	"context"

	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record marks an event as processed. It returns false when the event was
// already recorded. Pass the transaction that applies the event so the two
// commit together; a nil q writes through the pool.
func (r *Repository) Record(ctx context.Context, q db.Execer, eventID string, eventType string) (bool, error) {
	if q == nil {
		q = r.pool
	}
	_, err := q.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err, "") {
		return false, nil
	}
	return false, err
}
