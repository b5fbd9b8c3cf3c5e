package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

// Payment code prefixes. Bank-transfer codes double as the transfer content
// the customer types into their banking app, so they stay short and uppercase.
const (
	codePrefixBanking = "SKB"
	codePrefixWallet  = "SKBW"
	codePrefixPayout  = "SKWSTAPP"
)

type PaymentRepository struct {
	pool *db.Pool
}

func NewPaymentRepository(pool *db.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func newPaymentCode(prefix string, at time.Time) string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return fmt.Sprintf("%s%s%d", prefix, strings.ToUpper(hex.EncodeToString(buf)), at.Unix())
}

// CreatePending inserts a PENDING banking payment with an expiry deadline.
// gatewayIntentID is empty for plain bank-transfer codes.
func (r *PaymentRepository) CreatePending(ctx context.Context, tx pgx.Tx, userID, customerID string, amount decimal.Decimal, gatewayIntentID string, now time.Time, ttl time.Duration) (model.Payment, error) {
	p := model.Payment{
		ID:              uuid.NewString(),
		Code:            newPaymentCode(codePrefixBanking, now),
		Type:            model.PaymentTypeBooking,
		Method:          model.MethodBanking,
		Status:          model.PaymentPending,
		Amount:          amount,
		UserID:          userID,
		CustomerID:      customerID,
		GatewayIntentID: gatewayIntentID,
	}
	expires := now.Add(ttl)
	p.ExpiresAt = &expires
	if gatewayIntentID != "" {
		p.Method = model.MethodGateway
	}

	p.CreatedAt = now
	_, err := tx.Exec(ctx, `
		INSERT INTO payments
			(id, payment_code, payment_type, payment_method, status, amount,
			 user_id, customer_id, gateway_intent_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7, NULLIF($8, ''), $9, $10)
	`, p.ID, p.Code, p.Type, p.Method, p.Amount, p.UserID, p.CustomerID, p.GatewayIntentID, expires, now)
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

// CreateCompleted inserts an already-settled wallet payment: wallet bookings
// debit the balance in the same transaction, so there is no pending phase.
func (r *PaymentRepository) CreateCompleted(ctx context.Context, tx pgx.Tx, userID, customerID string, amount decimal.Decimal, now time.Time) (model.Payment, error) {
	p := model.Payment{
		ID:         uuid.NewString(),
		Code:       newPaymentCode(codePrefixWallet, now),
		Type:       model.PaymentTypeBooking,
		Method:     model.MethodWallet,
		Status:     model.PaymentCompleted,
		Amount:     amount,
		UserID:     userID,
		CustomerID: customerID,
		PaidAt:     &now,
	}
	p.CreatedAt = now
	_, err := tx.Exec(ctx, `
		INSERT INTO payments
			(id, payment_code, payment_type, payment_method, status, amount,
			 user_id, customer_id, paid_at, created_at)
		VALUES ($1, $2, $3, $4, 'COMPLETED', $5, $6, $7, $8, $9)
	`, p.ID, p.Code, p.Type, p.Method, p.Amount, p.UserID, p.CustomerID, now, now)
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

// CreatePayout records the provider's settlement credit. transferContent
// carries the appointment id so back-office can trace the payout to its
// consultation.
func (r *PaymentRepository) CreatePayout(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, transferContent string, now time.Time) (model.Payment, error) {
	p := model.Payment{
		ID:              uuid.NewString(),
		Code:            newPaymentCode(codePrefixPayout, now),
		Type:            model.PaymentTypePayout,
		Method:          model.MethodWallet,
		Status:          model.PaymentCompleted,
		Amount:          amount,
		UserID:          userID,
		TransferContent: transferContent,
		PaidAt:          &now,
	}
	p.CreatedAt = now
	_, err := tx.Exec(ctx, `
		INSERT INTO payments
			(id, payment_code, payment_type, payment_method, status, amount,
			 user_id, transfer_content, paid_at, created_at)
		VALUES ($1, $2, $3, $4, 'COMPLETED', $5, $6, $7, $8, $9)
	`, p.ID, p.Code, p.Type, p.Method, p.Amount, p.UserID, p.TransferContent, now, now)
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentRepository) SetGatewayIntent(ctx context.Context, tx pgx.Tx, paymentID, intentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments
		SET gateway_intent_id = $2, payment_method = 'GATEWAY', updated_at = now()
		WHERE id = $1
	`, paymentID, intentID)
	return err
}

// MarkExpired flips a PENDING payment to EXPIRED. The precondition makes the
// expiry sweep safe against a confirmation landing between list and mark.
func (r *PaymentRepository) MarkExpired(ctx context.Context, tx pgx.Tx, paymentID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'EXPIRED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, paymentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpiredPending lists PENDING payments whose deadline passed, paired with the
// appointment they fund.
type ExpiredPending struct {
	PaymentID       string
	AppointmentID   string
	GatewayIntentID string
}

func (r *PaymentRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]ExpiredPending, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, a.id, COALESCE(p.gateway_intent_id, '')
		FROM payments p
		JOIN appointments a ON a.payment_id = p.id
		WHERE p.status = 'PENDING' AND p.expires_at < $1
			AND a.status = 'PENDING_PAYMENT'
		ORDER BY p.expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredPending
	for rows.Next() {
		var e ExpiredPending
		if err := rows.Scan(&e.PaymentID, &e.AppointmentID, &e.GatewayIntentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
