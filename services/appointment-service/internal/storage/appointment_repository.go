package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

// AppointmentRepository owns all SQL against the appointments aggregate.
// Mutations take the caller's pgx.Tx; reads used by sweeps/list endpoints go
// through the pool directly.
type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const hydratedColumns = `
	a.id, a.customer_id, a.dermatologist_id, a.appointment_type,
	a.start_time, a.end_time, a.actual_end_time,
	a.customer_joined_at, a.dermatologist_joined_at,
	a.price, a.payment_id, a.subscription_id, a.slot_id,
	a.analysis_id, a.routine_id,
	a.status, a.terminated_reason, COALESCE(a.termination_note, ''),
	a.customer_report_reason, COALESCE(a.customer_report_note, ''),
	a.dermatologist_report_reason, COALESCE(a.dermatologist_report_note, ''),
	COALESCE(a.admin_resolution_note, ''), a.resolved_by, a.resolved_at,
	COALESCE(a.medical_note, ''), COALESCE(a.meeting_url, ''), COALESCE(a.note, ''),
	a.created_at, a.updated_at,
	c.user_id, d.user_id,
	p.id, p.payment_code, p.payment_type, p.payment_method, p.status, p.amount,
	COALESCE(p.user_id::text, ''), COALESCE(p.customer_id::text, ''),
	COALESCE(p.gateway_intent_id, ''), p.expires_at, p.paid_at,
	cs.id, cs.customer_id, cs.plan_id, cs.total_sessions, cs.sessions_remaining, cs.status`

const hydratedJoins = `
	FROM appointments a
	JOIN customers c ON c.customer_id = a.customer_id
	JOIN dermatologists d ON d.dermatologist_id = a.dermatologist_id
	LEFT JOIN payments p ON p.id = a.payment_id
	LEFT JOIN customer_subscriptions cs ON cs.id = a.subscription_id`

// GetHydratedForUpdate loads the fully hydrated aggregate and locks the
// appointment row. Every lifecycle transition goes through this load so
// concurrent transitions on the same appointment serialize on the row lock.
func (r *AppointmentRepository) GetHydratedForUpdate(ctx context.Context, tx pgx.Tx, appointmentID string) (model.Hydrated, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+hydratedColumns+hydratedJoins+`
		WHERE a.id = $1
		FOR UPDATE OF a
	`, appointmentID)
	return scanHydrated(row)
}

// GetHydrated is the lock-free variant used by read endpoints.
func (r *AppointmentRepository) GetHydrated(ctx context.Context, appointmentID string) (model.Hydrated, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+hydratedColumns+hydratedJoins+`
		WHERE a.id = $1
	`, appointmentID)
	return scanHydrated(row)
}

func scanHydrated(row pgx.Row) (model.Hydrated, error) {
	var h model.Hydrated
	var payID, payCode, payType, payMethod, payStatus *string
	var payAmount *decimal.Decimal
	var payUserID, payCustomerID, payIntent string
	var payExpires, payPaid *time.Time
	var subID, subCustomerID, subPlanID, subStatus *string
	var subTotal, subRemaining *int

	err := row.Scan(
		&h.ID, &h.CustomerID, &h.DermatologistID, &h.Type,
		&h.StartTime, &h.EndTime, &h.ActualEndTime,
		&h.CustomerJoinedAt, &h.DermatologistJoinedAt,
		&h.Price, &h.PaymentID, &h.SubscriptionID, &h.SlotID,
		&h.AnalysisID, &h.RoutineID,
		&h.Status, &h.TerminatedReason, &h.TerminationNote,
		&h.CustomerReportReason, &h.CustomerReportNote,
		&h.DermatologistReportReason, &h.DermatologistReportNote,
		&h.AdminResolutionNote, &h.ResolvedBy, &h.ResolvedAt,
		&h.MedicalNote, &h.MeetingURL, &h.Note,
		&h.CreatedAt, &h.UpdatedAt,
		&h.CustomerUserID, &h.DermatologistUserID,
		&payID, &payCode, &payType, &payMethod, &payStatus, &payAmount,
		&payUserID, &payCustomerID, &payIntent, &payExpires, &payPaid,
		&subID, &subCustomerID, &subPlanID, &subTotal, &subRemaining, &subStatus,
	)
	if err != nil {
		return model.Hydrated{}, err
	}

	if payID != nil {
		h.Payment = &model.Payment{
			ID:              *payID,
			Code:            deref(payCode),
			Type:            model.PaymentType(deref(payType)),
			Method:          model.PaymentMethod(deref(payMethod)),
			Status:          model.PaymentStatus(deref(payStatus)),
			UserID:          payUserID,
			CustomerID:      payCustomerID,
			GatewayIntentID: payIntent,
			ExpiresAt:       payExpires,
			PaidAt:          payPaid,
		}
		if payAmount != nil {
			h.Payment.Amount = *payAmount
		}
	}
	if subID != nil {
		h.Subscription = &model.CustomerSubscription{
			ID:                *subID,
			CustomerID:        deref(subCustomerID),
			PlanID:            deref(subPlanID),
			Status:            model.SubscriptionStatus(deref(subStatus)),
			TotalSessions:     derefInt(subTotal),
			SessionsRemaining: derefInt(subRemaining),
		}
	}
	return h, nil
}

func (r *AppointmentRepository) Create(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments
			(id, customer_id, dermatologist_id, appointment_type, start_time, end_time,
			 price, payment_id, subscription_id, slot_id, analysis_id, routine_id,
			 status, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, id, appt.CustomerID, appt.DermatologistID, appt.Type, appt.StartTime, appt.EndTime,
		appt.Price, appt.PaymentID, appt.SubscriptionID, appt.SlotID, appt.AnalysisID, appt.RoutineID,
		appt.Status, nullIfBlank(appt.Note))
	if err != nil {
		return "", err
	}
	appt.ID = id
	return id, nil
}

// MarkCheckedIn records a join timestamp write-once and flips SCHEDULED to
// IN_PROGRESS on the first check-in by either party.
func (r *AppointmentRepository) MarkCheckedIn(ctx context.Context, tx pgx.Tx, appointmentID string, role model.Role, at time.Time) error {
	column := "customer_joined_at"
	if role == model.RoleDermatologist {
		column = "dermatologist_joined_at"
	}
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET `+column+` = COALESCE(`+column+`, $2),
			status = CASE WHEN status = 'SCHEDULED' THEN 'IN_PROGRESS' ELSE status END,
			updated_at = now()
		WHERE id = $1
	`, appointmentID, at)
	return err
}

func (r *AppointmentRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, appointmentID string, actualEnd time.Time, medicalNote string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'COMPLETED',
			actual_end_time = $2,
			medical_note = COALESCE(NULLIF($3, ''), medical_note),
			updated_at = now()
		WHERE id = $1
	`, appointmentID, actualEnd, medicalNote)
	return err
}

// SetOutcome stamps a terminal outcome. actualEnd is optional; reports on
// COMPLETED appointments keep the completion timestamp.
func (r *AppointmentRepository) SetOutcome(ctx context.Context, tx pgx.Tx, appointmentID string, status model.AppointmentStatus, reason *model.TerminationReason, note string, actualEnd *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
			terminated_reason = COALESCE($3, terminated_reason),
			termination_note = COALESCE(NULLIF($4, ''), termination_note),
			actual_end_time = COALESCE($5, actual_end_time),
			updated_at = now()
		WHERE id = $1
	`, appointmentID, status, reason, note, actualEnd)
	return err
}

// SetReport records an actor's report fields write-once: a row already
// carrying that actor's reason is not touched and zero rows are reported.
func (r *AppointmentRepository) SetReport(ctx context.Context, tx pgx.Tx, appointmentID string, role model.Role, reason model.TerminationReason, note string) (bool, error) {
	reasonCol, noteCol := "customer_report_reason", "customer_report_note"
	if role == model.RoleDermatologist {
		reasonCol, noteCol = "dermatologist_report_reason", "dermatologist_report_note"
	}
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET `+reasonCol+` = $2,
			`+noteCol+` = $3,
			updated_at = now()
		WHERE id = $1 AND `+reasonCol+` IS NULL
	`, appointmentID, reason, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, appointmentID string, status model.AppointmentStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments SET status = $2, updated_at = now() WHERE id = $1
	`, appointmentID, status)
	return err
}

// MarkSettled advances COMPLETED to SETTLED. The status precondition makes a
// concurrently re-run settlement sweep a no-op.
func (r *AppointmentRepository) MarkSettled(ctx context.Context, tx pgx.Tx, appointmentID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'SETTLED', updated_at = now()
		WHERE id = $1 AND status = 'COMPLETED'
	`, appointmentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelPending flips PENDING_PAYMENT to CANCELLED. The affected-row result
// tells the caller whether it won the race against payment confirmation or a
// concurrent user cancel.
func (r *AppointmentRepository) CancelPending(ctx context.Context, tx pgx.Tx, appointmentID string, reason model.TerminationReason, note string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'CANCELLED',
			terminated_reason = $2,
			termination_note = NULLIF($3, ''),
			updated_at = now()
		WHERE id = $1 AND status = 'PENDING_PAYMENT'
	`, appointmentID, reason, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) SetMedicalNote(ctx context.Context, tx pgx.Tx, appointmentID, note string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET medical_note = $2, updated_at = now()
		WHERE id = $1
	`, appointmentID, note)
	return err
}

// SetMeetingURL stamps the link only while the link is still missing, so a
// concurrent sweep pass cannot swap an already-announced room.
func (r *AppointmentRepository) SetMeetingURL(ctx context.Context, tx pgx.Tx, appointmentID, url string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET meeting_url = $2, updated_at = now()
		WHERE id = $1 AND meeting_url IS NULL
	`, appointmentID, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuckIDs finds SCHEDULED/IN_PROGRESS appointments whose end time plus
// the grace margin is behind cutoff.
func (r *AppointmentRepository) ListStuckIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status IN ('SCHEDULED', 'IN_PROGRESS') AND end_time < $1
		ORDER BY end_time
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListSettleableIDs finds COMPLETED, cash-funded appointments whose last
// update is older than the report window, i.e. the dispute window closed
// quietly. Subscription-funded sessions settle through the plan payout cycle
// and never enter this sweep.
func (r *AppointmentRepository) ListSettleableIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status = 'COMPLETED'
			AND updated_at < $1
			AND payment_id IS NOT NULL
			AND price > 0
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

type MeetLinkCandidate struct {
	ID                  string
	StartTime           time.Time
	EndTime             time.Time
	CustomerUserID      string
	DermatologistUserID string
}

// ListNeedingMeetLink finds SCHEDULED appointments starting inside [from, to)
// that have no meeting link yet.
func (r *AppointmentRepository) ListNeedingMeetLink(ctx context.Context, from, to time.Time) ([]MeetLinkCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.start_time, a.end_time, c.user_id, d.user_id
		FROM appointments a
		JOIN customers c ON c.customer_id = a.customer_id
		JOIN dermatologists d ON d.dermatologist_id = a.dermatologist_id
		WHERE a.status = 'SCHEDULED'
			AND a.meeting_url IS NULL
			AND a.start_time >= $1 AND a.start_time < $2
		ORDER BY a.start_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MeetLinkCandidate
	for rows.Next() {
		var c MeetLinkCandidate
		if err := rows.Scan(&c.ID, &c.StartTime, &c.EndTime, &c.CustomerUserID, &c.DermatologistUserID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type ListFilter struct {
	CustomerID      string
	DermatologistID string
	Statuses        []model.AppointmentStatus
	Limit           int
}

func (r *AppointmentRepository) List(ctx context.Context, f ListFilter) ([]model.Hydrated, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+hydratedColumns+hydratedJoins+`
		WHERE ($1 = '' OR a.customer_id::text = $1)
			AND ($2 = '' OR a.dermatologist_id::text = $2)
			AND (cardinality($3::text[]) = 0 OR a.status = ANY($3))
		ORDER BY a.start_time
		LIMIT $4
	`, f.CustomerID, f.DermatologistID, statusStrings(f.Statuses), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Hydrated
	for rows.Next() {
		h, err := scanHydrated(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func statusStrings(statuses []model.AppointmentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func collectIDs(rows pgx.Rows) ([]string, error) {
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func nullIfBlank(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
