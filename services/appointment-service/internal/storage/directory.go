package storage

import (
	"context"

	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

// Directory resolves authenticated user ids to their domain profiles and
// checks ownership of the clinical records a booking references.
type Directory struct {
	pool *db.Pool
}

func NewDirectory(pool *db.Pool) *Directory {
	return &Directory{pool: pool}
}

type CustomerProfile struct {
	CustomerID string
	UserID     string
}

type DermatologistProfile struct {
	DermatologistID string
	UserID          string
}

func (d *Directory) FindCustomerByUserID(ctx context.Context, userID string) (CustomerProfile, error) {
	var p CustomerProfile
	err := d.pool.QueryRow(ctx, `
		SELECT customer_id, user_id FROM customers WHERE user_id = $1
	`, userID).Scan(&p.CustomerID, &p.UserID)
	if IsNotFound(err) {
		return CustomerProfile{}, apperr.NotFound("customer profile not found")
	}
	return p, err
}

func (d *Directory) FindDermatologistByUserID(ctx context.Context, userID string) (DermatologistProfile, error) {
	var p DermatologistProfile
	err := d.pool.QueryRow(ctx, `
		SELECT dermatologist_id, user_id FROM dermatologists WHERE user_id = $1
	`, userID).Scan(&p.DermatologistID, &p.UserID)
	if IsNotFound(err) {
		return DermatologistProfile{}, apperr.NotFound("dermatologist profile not found")
	}
	return p, err
}

// ValidateBookingContext checks the clinical references a booking carries:
// the skin analysis must exist and belong to the booking customer, and a
// follow-up must name a treatment routine the customer owns.
func (d *Directory) ValidateBookingContext(ctx context.Context, customerID, analysisID string, routineID *string, apptType model.AppointmentType) error {
	var owner string
	err := d.pool.QueryRow(ctx, `
		SELECT customer_id FROM skin_analyses WHERE id = $1
	`, analysisID).Scan(&owner)
	if IsNotFound(err) {
		return apperr.NotFound("skin analysis not found")
	}
	if err != nil {
		return err
	}
	if owner != customerID {
		return apperr.Forbidden("skin analysis belongs to another customer")
	}

	if apptType == model.TypeFollowUp {
		if routineID == nil || *routineID == "" {
			return apperr.InvalidState("follow-up appointments require a treatment routine")
		}
		err := d.pool.QueryRow(ctx, `
			SELECT customer_id FROM treatment_routines WHERE id = $1
		`, *routineID).Scan(&owner)
		if IsNotFound(err) {
			return apperr.NotFound("treatment routine not found")
		}
		if err != nil {
			return err
		}
		if owner != customerID {
			return apperr.Forbidden("treatment routine belongs to another customer")
		}
	}
	return nil
}
