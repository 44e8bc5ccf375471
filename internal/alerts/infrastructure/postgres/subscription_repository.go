package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "redmite-cloud/internal/alerts/domain"
)

// SubscriptionRepository stores push subscriptions.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository constructs a repository.
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Save upserts the caller's subscription; one endpoint per user.
func (r *SubscriptionRepository) Save(ctx context.Context, subscription alerts.Subscription) error {
	if r == nil || r.db == nil {
		return errors.New("subscription repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alert_subscriptions (username, customer, role, endpoint, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username)
DO UPDATE SET
	customer = EXCLUDED.customer,
	role = EXCLUDED.role,
	endpoint = EXCLUDED.endpoint,
	created_at = EXCLUDED.created_at`,
		subscription.Username, subscription.Customer, subscription.Role, subscription.Endpoint, time.Now().UTC())
	return err
}

// ListRecipients returns every admin subscription plus the subscriptions of
// the given customer.
func (r *SubscriptionRepository) ListRecipients(ctx context.Context, customer string) ([]alerts.Subscription, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("subscription repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, username, customer, role, endpoint, created_at
FROM alert_subscriptions
WHERE role = 'admin' OR customer = $1`, customer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Subscription
	for rows.Next() {
		var subscription alerts.Subscription
		if err := rows.Scan(
			&subscription.ID,
			&subscription.Username,
			&subscription.Customer,
			&subscription.Role,
			&subscription.Endpoint,
			&subscription.CreatedAt,
		); err != nil {
			return nil, err
		}
		subscription.CreatedAt = subscription.CreatedAt.UTC()
		result = append(result, subscription)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteBatch removes dead subscriptions by id.
func (r *SubscriptionRepository) DeleteBatch(ctx context.Context, ids []int64) error {
	if r == nil || r.db == nil {
		return errors.New("subscription repo: nil db")
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM alert_subscriptions WHERE id = $1`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
