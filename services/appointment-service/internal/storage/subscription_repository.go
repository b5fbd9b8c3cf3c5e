package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

type SubscriptionRepository struct {
	pool *db.Pool
}

func NewSubscriptionRepository(pool *db.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Consume takes one session off an active subscription owned by the customer.
// The row is locked first so the ownership and remaining-session checks hold
// through the decrement.
func (r *SubscriptionRepository) Consume(ctx context.Context, tx pgx.Tx, subscriptionID, customerID string) (model.CustomerSubscription, error) {
	var s model.CustomerSubscription
	err := tx.QueryRow(ctx, `
		SELECT id, customer_id, plan_id, total_sessions, sessions_remaining, status, expires_at
		FROM customer_subscriptions
		WHERE id = $1
		FOR UPDATE
	`, subscriptionID).Scan(&s.ID, &s.CustomerID, &s.PlanID, &s.TotalSessions, &s.SessionsRemaining, &s.Status, &s.ExpiresAt)
	if IsNotFound(err) {
		return model.CustomerSubscription{}, apperr.NotFound("subscription not found")
	}
	if err != nil {
		return model.CustomerSubscription{}, err
	}
	if s.CustomerID != customerID {
		return model.CustomerSubscription{}, apperr.Forbidden("subscription belongs to another customer")
	}
	if s.Status != model.SubscriptionActive {
		return model.CustomerSubscription{}, apperr.InvalidState("subscription is not active")
	}
	if s.SessionsRemaining < 1 {
		return model.CustomerSubscription{}, apperr.NoSessionsRemaining("no sessions remaining on subscription")
	}

	_, err = tx.Exec(ctx, `
		UPDATE customer_subscriptions
		SET sessions_remaining = sessions_remaining - 1, updated_at = now()
		WHERE id = $1
	`, subscriptionID)
	if err != nil {
		return model.CustomerSubscription{}, err
	}
	s.SessionsRemaining--
	return s, nil
}

// Refund returns one session. The remaining < total guard keeps a doubly
// delivered refund from pushing the pool past what was purchased.
func (r *SubscriptionRepository) Refund(ctx context.Context, tx pgx.Tx, subscriptionID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE customer_subscriptions
		SET sessions_remaining = sessions_remaining + 1, updated_at = now()
		WHERE id = $1 AND sessions_remaining < total_sessions
	`, subscriptionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
