package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
)

// WalletRepository moves money on the per-user wallet balance. Every
// adjustment is a single conditional UPDATE so concurrent debits can never
// drive a balance negative.
type WalletRepository struct {
	pool *db.Pool
}

func NewWalletRepository(pool *db.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

type BalanceChange struct {
	Old decimal.Decimal
	New decimal.Decimal
}

// Adjust applies delta (positive credit, negative debit) to the user's
// balance. A debit past zero affects no rows and returns InsufficientFunds.
func (r *WalletRepository) Adjust(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal) (BalanceChange, error) {
	var change BalanceChange
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance - $2, balance
	`, userID, delta).Scan(&change.Old, &change.New)
	if IsNotFound(err) {
		// Distinguish an unknown user from an over-debit.
		var exists bool
		if probeErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); probeErr != nil {
			return BalanceChange{}, probeErr
		}
		if !exists {
			return BalanceChange{}, apperr.NotFound("user not found")
		}
		return BalanceChange{}, apperr.InsufficientFunds("wallet balance too low")
	}
	if err != nil {
		return BalanceChange{}, err
	}
	return change, nil
}
