package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

type SlotRepository struct {
	pool *db.Pool
}

func NewSlotRepository(pool *db.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

func (r *SlotRepository) Get(ctx context.Context, tx pgx.Tx, slotID string) (model.Slot, error) {
	var s model.Slot
	err := tx.QueryRow(ctx, `
		SELECT id, dermatologist_id, start_time, end_time, price, status, appointment_id
		FROM availability_slots
		WHERE id = $1
	`, slotID).Scan(&s.ID, &s.DermatologistID, &s.StartTime, &s.EndTime, &s.Price, &s.Status, &s.AppointmentID)
	return s, err
}

// Reserve flips an AVAILABLE slot to BOOKED. The status precondition decides
// races between two customers grabbing the same slot: the loser scans no row.
// The reserved slot is returned so booking uses the times and price that were
// actually reserved.
func (r *SlotRepository) Reserve(ctx context.Context, tx pgx.Tx, slotID string) (model.Slot, error) {
	var s model.Slot
	err := tx.QueryRow(ctx, `
		UPDATE availability_slots
		SET status = 'BOOKED', updated_at = now()
		WHERE id = $1 AND status = 'AVAILABLE'
		RETURNING id, dermatologist_id, start_time, end_time, price, status, appointment_id
	`, slotID).Scan(&s.ID, &s.DermatologistID, &s.StartTime, &s.EndTime, &s.Price, &s.Status, &s.AppointmentID)
	return s, err
}

// Link stamps the appointment id on the slot after the appointment row exists.
func (r *SlotRepository) Link(ctx context.Context, tx pgx.Tx, slotID, appointmentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE availability_slots SET appointment_id = $2, updated_at = now() WHERE id = $1
	`, slotID, appointmentID)
	return err
}

// Release returns a slot to the pool on cancellation. Idempotent: a slot
// already AVAILABLE is untouched.
func (r *SlotRepository) Release(ctx context.Context, tx pgx.Tx, slotID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE availability_slots
		SET status = 'AVAILABLE', appointment_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'BOOKED'
	`, slotID)
	return err
}
