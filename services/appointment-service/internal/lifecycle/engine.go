// Package lifecycle drives every appointment transition after booking:
// check-ins, completion, cancellations, no-show and interruption reports,
// pending-payment expiry, stuck cleanup, and settlement. Each operation loads
// the aggregate under a row lock, validates the caller and the clock, applies
// the transition, and commits; money moves in the same transaction as the
// status change.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

// Timing rules for the consultation lifecycle.
const (
	// CheckInLead is how early a participant may join before start.
	CheckInLead = 10 * time.Minute
	// NoShowGrace is how long after start a no-show report must wait.
	NoShowGrace = 15 * time.Minute
	// ReportWindow is how long after completion a dispute may still be filed.
	ReportWindow = 24 * time.Hour
	// EarlyCancelThreshold splits free cancellations from compensated ones.
	EarlyCancelThreshold = 24 * time.Hour
)

// providerShare is the fraction of the consultation price paid out to the
// dermatologist; the platform keeps the rest as its booking fee.
var providerShare = decimal.NewFromFloat(0.75)

type AppointmentStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetHydratedForUpdate(ctx context.Context, tx pgx.Tx, appointmentID string) (model.Hydrated, error)
	MarkCheckedIn(ctx context.Context, tx pgx.Tx, appointmentID string, role model.Role, at time.Time) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, appointmentID string, actualEnd time.Time, medicalNote string) error
	SetMedicalNote(ctx context.Context, tx pgx.Tx, appointmentID, note string) error
	SetOutcome(ctx context.Context, tx pgx.Tx, appointmentID string, status model.AppointmentStatus, reason *model.TerminationReason, note string, actualEnd *time.Time) error
	SetReport(ctx context.Context, tx pgx.Tx, appointmentID string, role model.Role, reason model.TerminationReason, note string) (bool, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, appointmentID string) (bool, error)
	CancelPending(ctx context.Context, tx pgx.Tx, appointmentID string, reason model.TerminationReason, note string) (bool, error)
}

type SlotStore interface {
	Release(ctx context.Context, tx pgx.Tx, slotID string) error
}

type WalletStore interface {
	Adjust(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal) (storage.BalanceChange, error)
}

type SubscriptionStore interface {
	Refund(ctx context.Context, tx pgx.Tx, subscriptionID string) (bool, error)
}

type PaymentStore interface {
	CreatePayout(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, transferContent string, now time.Time) (model.Payment, error)
	MarkExpired(ctx context.Context, tx pgx.Tx, paymentID string) (bool, error)
}

type EventStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Engine struct {
	appointments  AppointmentStore
	slots         SlotStore
	wallets       WalletStore
	subscriptions SubscriptionStore
	payments      PaymentStore
	events        EventStore
	logger        *slog.Logger
	now           func() time.Time
}

func NewEngine(appointments AppointmentStore, slots SlotStore, wallets WalletStore, subscriptions SubscriptionStore, payments PaymentStore, events EventStore, logger *slog.Logger) *Engine {
	return &Engine{
		appointments:  appointments,
		slots:         slots,
		wallets:       wallets,
		subscriptions: subscriptions,
		payments:      payments,
		events:        events,
		logger:        logger,
		now:           time.Now,
	}
}

// Actor identifies the authenticated caller of a lifecycle operation.
type Actor struct {
	UserID string
	Role   model.Role
}

type ActionResult struct {
	Status          model.AppointmentStatus
	Message         string
	RefundTriggered bool
}

// requireParticipant checks the actor is a party to the appointment and
// returns which side they are on.
func requireParticipant(h model.Hydrated, actor Actor) (model.Role, error) {
	switch {
	case actor.Role == model.RoleCustomer && actor.UserID == h.CustomerUserID:
		return model.RoleCustomer, nil
	case actor.Role == model.RoleDermatologist && actor.UserID == h.DermatologistUserID:
		return model.RoleDermatologist, nil
	}
	return "", apperr.Forbidden("not a participant of this appointment")
}

// CheckIn records the actor joining the consultation. The first check-in
// moves SCHEDULED to IN_PROGRESS; repeated check-ins keep the original join
// timestamp.
func (e *Engine) CheckIn(ctx context.Context, actor Actor, appointmentID string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	if h.Status != model.StatusScheduled && h.Status != model.StatusInProgress {
		return ActionResult{}, apperr.InvalidState("appointment is %s, not open for check-in", h.Status)
	}
	if now.Before(h.StartTime.Add(-CheckInLead)) {
		return ActionResult{}, apperr.TimingViolation("check-in opens %s before the start time", CheckInLead)
	}

	if err := e.appointments.MarkCheckedIn(ctx, tx, appointmentID, side, now); err != nil {
		return ActionResult{}, err
	}
	if h.Status == model.StatusScheduled {
		h.Status = model.StatusInProgress
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentStarted, h, now)); err != nil {
			return ActionResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return ActionResult{Status: model.StatusInProgress, Message: "checked in"}, nil
}

// Complete lets the dermatologist close a consultation that is underway.
// Settlement waits out the report window before paying out.
func (e *Engine) Complete(ctx context.Context, actor Actor, appointmentID, medicalNote string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	if side != model.RoleDermatologist {
		return ActionResult{}, apperr.Forbidden("only the dermatologist can complete a consultation")
	}
	if h.Status != model.StatusInProgress {
		return ActionResult{}, apperr.InvalidState("appointment is %s, not in progress", h.Status)
	}
	if h.CustomerJoinedAt == nil {
		return ActionResult{}, apperr.InvalidState("the customer never checked in; report a no-show instead of completing")
	}

	if err := e.appointments.MarkCompleted(ctx, tx, appointmentID, now, medicalNote); err != nil {
		return ActionResult{}, err
	}
	h.Status = model.StatusCompleted
	if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCompleted, h, now)); err != nil {
		return ActionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return ActionResult{
		Status:  model.StatusCompleted,
		Message: fmt.Sprintf("consultation completed; payout settles after the %s report window", ReportWindow),
	}, nil
}

// UpdateMedicalNote lets the assigned dermatologist revise the clinical note
// while the consultation is still open. Once the appointment is completed or
// cancelled the note on record is final.
func (e *Engine) UpdateMedicalNote(ctx context.Context, actor Actor, appointmentID, note string) (ActionResult, error) {
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	if side != model.RoleDermatologist {
		return ActionResult{}, apperr.Forbidden("only the dermatologist can write the medical note")
	}
	switch h.Status {
	case model.StatusCompleted, model.StatusCancelled, model.StatusSettled:
		return ActionResult{}, apperr.InvalidState("the medical note is locked once the appointment is %s", h.Status)
	}

	if err := e.appointments.SetMedicalNote(ctx, tx, appointmentID, note); err != nil {
		return ActionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return ActionResult{Status: h.Status, Message: "medical note updated"}, nil
}

// Cancel terminates a SCHEDULED appointment before it starts. Customers
// cancelling more than EarlyCancelThreshold ahead get a full refund; inside
// the threshold the dermatologist is compensated with their usual share and
// the customer forfeits the price. A dermatologist cancel always refunds the
// customer in full. Both paths return the slot to the pool.
func (e *Engine) Cancel(ctx context.Context, actor Actor, appointmentID, note string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	if h.Status == model.StatusPendingPayment && side == model.RoleCustomer {
		return e.cancelPendingLocked(ctx, &tx, h, now)
	}
	if h.Status != model.StatusScheduled {
		return ActionResult{}, apperr.InvalidState("appointment is %s and can no longer be cancelled", h.Status)
	}

	var result ActionResult
	if side == model.RoleCustomer {
		result, err = e.cancelByCustomer(ctx, tx, &h, now, note)
	} else {
		result, err = e.cancelByProvider(ctx, tx, &h, now, note, model.ReasonDoctorCancelled)
	}
	if err != nil {
		return ActionResult{}, err
	}

	if h.SlotID != nil {
		if err := e.slots.Release(ctx, tx, *h.SlotID); err != nil {
			return ActionResult{}, err
		}
	}
	if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, h, now)); err != nil {
		return ActionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return result, nil
}

func (e *Engine) cancelByCustomer(ctx context.Context, tx pgx.Tx, h *model.Hydrated, now time.Time, note string) (ActionResult, error) {
	early := h.StartTime.Sub(now) > EarlyCancelThreshold
	reason := model.ReasonCustomerCancelledLate
	if early {
		reason = model.ReasonCustomerCancelledEarly
	}
	if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusCancelled, &reason, note, nil); err != nil {
		return ActionResult{}, err
	}
	h.Status = model.StatusCancelled
	h.TerminatedReason = &reason

	if early {
		refunded, err := e.refundCustomer(ctx, tx, *h)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{
			Status:          model.StatusCancelled,
			Message:         "appointment cancelled with a full refund",
			RefundTriggered: refunded,
		}, nil
	}

	// Late cancel: the dermatologist held the slot, so they still receive
	// their share of a cash-funded booking.
	if h.FundedByPayment() && h.Payment.Status == model.PaymentCompleted && h.Price.IsPositive() {
		if err := e.payProvider(ctx, tx, *h, now); err != nil {
			return ActionResult{}, err
		}
	}
	return ActionResult{
		Status:  model.StatusCancelled,
		Message: fmt.Sprintf("cancelled within %s of the start time; the booking fee is not refunded", EarlyCancelThreshold),
	}, nil
}

func (e *Engine) cancelByProvider(ctx context.Context, tx pgx.Tx, h *model.Hydrated, now time.Time, note string, reason model.TerminationReason) (ActionResult, error) {
	if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusCancelled, &reason, note, nil); err != nil {
		return ActionResult{}, err
	}
	h.Status = model.StatusCancelled
	h.TerminatedReason = &reason

	refunded, err := e.refundCustomer(ctx, tx, *h)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Status:          model.StatusCancelled,
		Message:         "appointment cancelled by the dermatologist; the customer is refunded in full",
		RefundTriggered: refunded,
	}, nil
}

// CancelPendingByCustomer voids a reservation the customer no longer wants to
// pay for.
func (e *Engine) CancelPendingByCustomer(ctx context.Context, actor Actor, appointmentID string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	if side != model.RoleCustomer {
		return ActionResult{}, apperr.Forbidden("only the customer can withdraw a pending reservation")
	}
	return e.cancelPendingLocked(ctx, &tx, h, now)
}

// cancelPendingLocked voids a PENDING_PAYMENT reservation under the row lock
// already held by the caller. It owns the commit; *txp is nilled on success
// so the caller's rollback defer stands down.
func (e *Engine) cancelPendingLocked(ctx context.Context, txp *pgx.Tx, h model.Hydrated, now time.Time) (ActionResult, error) {
	tx := *txp
	if h.Status != model.StatusPendingPayment {
		return ActionResult{}, apperr.InvalidState("appointment is %s, not awaiting payment", h.Status)
	}
	ok, err := e.appointments.CancelPending(ctx, tx, h.ID, model.ReasonPaymentFailed, "reservation withdrawn by customer")
	if err != nil {
		return ActionResult{}, err
	}
	if !ok {
		return ActionResult{}, apperr.InvalidState("reservation is no longer pending")
	}
	if h.Payment != nil {
		if _, err := e.payments.MarkExpired(ctx, tx, h.Payment.ID); err != nil {
			return ActionResult{}, err
		}
	}
	if h.SlotID != nil {
		if err := e.slots.Release(ctx, tx, *h.SlotID); err != nil {
			return ActionResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	*txp = nil
	return ActionResult{Status: model.StatusCancelled, Message: "reservation withdrawn"}, nil
}

// ReportNoShow lets a checked-in participant report that the other party
// never appeared. If the counterparty did join, the claim cannot be settled
// automatically and the appointment goes to DISPUTED for back-office review.
func (e *Engine) ReportNoShow(ctx context.Context, actor Actor, appointmentID, note string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}
	switch h.Status {
	case model.StatusScheduled, model.StatusInProgress:
		if now.Before(h.StartTime.Add(NoShowGrace)) {
			return ActionResult{}, apperr.TimingViolation("no-show can be reported %s after the start time", NoShowGrace)
		}
	case model.StatusCompleted:
		// A closed consultation can still be contested, but only inside the
		// settlement hold.
		completedAt := h.UpdatedAt
		if h.ActualEndTime != nil {
			completedAt = *h.ActualEndTime
		}
		if now.Sub(completedAt) > ReportWindow {
			return ActionResult{}, apperr.TimingViolation("the %s report window after completion has closed", ReportWindow)
		}
	default:
		return ActionResult{}, apperr.InvalidState("appointment is %s, no-show reports are closed", h.Status)
	}

	reporterJoined, otherJoined := h.CustomerJoinedAt != nil, h.DermatologistJoinedAt != nil
	if side == model.RoleDermatologist {
		reporterJoined, otherJoined = otherJoined, reporterJoined
	}
	if !reporterJoined {
		return ActionResult{}, apperr.InvalidState("check in before reporting a no-show")
	}

	if h.Status == model.StatusCompleted || otherJoined {
		// The claim conflicts with the record (a completion or the accused
		// party's join timestamp). Park it for a human; any payout stays
		// frozen while the appointment sits in DISPUTED.
		message := "the other participant has a recorded check-in; the report was escalated for review"
		if h.Status == model.StatusCompleted {
			message = "the consultation was closed as completed; the report was escalated and settlement is on hold"
		}
		reason := model.ReasonCustomerNoShow
		if side == model.RoleCustomer {
			reason = model.ReasonDoctorNoShow
		}
		if _, err := e.appointments.SetReport(ctx, tx, h.ID, side, reason, note); err != nil {
			return ActionResult{}, err
		}
		if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusDisputed, nil, "", nil); err != nil {
			return ActionResult{}, err
		}
		h.Status = model.StatusDisputed
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentDisputed, h, now)); err != nil {
			return ActionResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ActionResult{}, err
		}
		tx = nil
		return ActionResult{
			Status:  model.StatusDisputed,
			Message: message,
		}, nil
	}

	reason := model.ReasonCustomerNoShow
	refundDue := false
	message := "customer no-show recorded; the booking fee is not refunded"
	if side == model.RoleCustomer {
		reason = model.ReasonDoctorNoShow
		refundDue = true
		message = "dermatologist no-show recorded; you will be refunded in full"
	}
	if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusNoShow, &reason, note, &now); err != nil {
		return ActionResult{}, err
	}
	h.Status = model.StatusNoShow
	h.TerminatedReason = &reason

	refunded := false
	if refundDue {
		if refunded, err = e.refundCustomer(ctx, tx, h); err != nil {
			return ActionResult{}, err
		}
	}
	if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, h, now)); err != nil {
		return ActionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return ActionResult{Status: model.StatusNoShow, Message: message, RefundTriggered: refunded}, nil
}

// ReportInterruption records a mid- or post-consultation problem report.
// Reports are write-once per participant. A dermatologist owning the fault
// resolves immediately: the appointment is cancelled on the provider's
// account and the customer refunded. Anything else needs back-office review:
// an interrupted live session goes to INTERRUPTED, a completed one to
// DISPUTED, and a second report from the other side always escalates to
// DISPUTED.
func (e *Engine) ReportInterruption(ctx context.Context, actor Actor, appointmentID string, reason model.TerminationReason, note string) (ActionResult, error) {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return ActionResult{}, err
	}
	side, err := requireParticipant(h, actor)
	if err != nil {
		return ActionResult{}, err
	}

	switch h.Status {
	case model.StatusInProgress:
	case model.StatusInterrupted, model.StatusDisputed:
		// A second report on a held appointment is bounded the same way as a
		// post-completion dispute.
		if now.Sub(h.EndTime) > ReportWindow {
			return ActionResult{}, apperr.TimingViolation("the %s report window after the session has closed", ReportWindow)
		}
	case model.StatusCompleted:
		completedAt := h.UpdatedAt
		if h.ActualEndTime != nil {
			completedAt = *h.ActualEndTime
		}
		if now.Sub(completedAt) > ReportWindow {
			return ActionResult{}, apperr.TimingViolation("the %s report window after completion has closed", ReportWindow)
		}
	default:
		return ActionResult{}, apperr.InvalidState("appointment is %s, problem reports are closed", h.Status)
	}

	wrote, err := e.appointments.SetReport(ctx, tx, h.ID, side, reason, note)
	if err != nil {
		return ActionResult{}, err
	}
	if !wrote {
		return ActionResult{}, apperr.AlreadyReported("you already filed a report for this appointment")
	}

	// Provider-owned fault: no dispute to arbitrate, refund and close.
	if side == model.RoleDermatologist && reason == model.ReasonDoctorIssue {
		cancelReason := model.ReasonDoctorCancelled
		var faultEnd *time.Time
		if h.Status == model.StatusInProgress {
			faultEnd = &now
		}
		if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusCancelled, &cancelReason, note, faultEnd); err != nil {
			return ActionResult{}, err
		}
		h.Status = model.StatusCancelled
		h.TerminatedReason = &cancelReason
		refunded, err := e.refundCustomer(ctx, tx, h)
		if err != nil {
			return ActionResult{}, err
		}
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, h, now)); err != nil {
			return ActionResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ActionResult{}, err
		}
		tx = nil
		return ActionResult{
			Status:          model.StatusCancelled,
			Message:         "the issue was acknowledged by the dermatologist; the customer is refunded in full",
			RefundTriggered: refunded,
		}, nil
	}

	otherReported := h.DermatologistReportReason != nil
	if side == model.RoleDermatologist {
		otherReported = h.CustomerReportReason != nil
	}

	next := model.StatusInterrupted
	message := "interruption recorded; the appointment is on hold pending review"
	if h.Status == model.StatusCompleted || h.Status == model.StatusDisputed || otherReported {
		next = model.StatusDisputed
		message = "report recorded; the appointment is under review"
	}
	// A live session effectively ends here; later transitions keep the
	// timestamp already on the record.
	var actualEnd *time.Time
	if h.Status == model.StatusInProgress {
		actualEnd = &now
	}
	if err := e.appointments.SetOutcome(ctx, tx, h.ID, next, nil, "", actualEnd); err != nil {
		return ActionResult{}, err
	}
	h.Status = next
	if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentDisputed, h, now)); err != nil {
		return ActionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, err
	}
	tx = nil
	return ActionResult{Status: next, Message: message}, nil
}

// ExpirePending is invoked by the reconciliation sweep when a payment hold
// passes its deadline without confirmation. The guarded updates make it a
// no-op when the payment confirmed or the customer withdrew in the meantime.
func (e *Engine) ExpirePending(ctx context.Context, paymentID, appointmentID string) error {
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return err
	}
	cancelled, err := e.appointments.CancelPending(ctx, tx, appointmentID, model.ReasonPaymentTimeout, "payment deadline passed")
	if err != nil {
		return err
	}
	if !cancelled {
		return tx.Commit(ctx)
	}
	if _, err := e.payments.MarkExpired(ctx, tx, paymentID); err != nil {
		return err
	}
	if h.SlotID != nil {
		if err := e.slots.Release(ctx, tx, *h.SlotID); err != nil {
			return err
		}
	}
	if err := e.events.Insert(ctx, tx, outbox.PaymentExpiredEvent(paymentID, appointmentID)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	tx = nil
	e.logger.Info("pending reservation expired", "appointment_id", appointmentID, "payment_id", paymentID)
	return nil
}

// ResolveStuck closes an appointment whose scheduled window passed without a
// terminal transition. Both parties present means the consultation happened
// and just was not closed; a lone customer means the dermatologist failed to
// appear and the customer is refunded; otherwise the customer is the absentee
// and forfeits the fee.
func (e *Engine) ResolveStuck(ctx context.Context, appointmentID string) error {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return err
	}
	if h.Status != model.StatusScheduled && h.Status != model.StatusInProgress {
		// A participant action got here first.
		return tx.Commit(ctx)
	}

	switch {
	case h.CustomerJoinedAt != nil && h.DermatologistJoinedAt != nil:
		if err := e.appointments.MarkCompleted(ctx, tx, h.ID, h.EndTime, ""); err != nil {
			return err
		}
		h.Status = model.StatusCompleted
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCompleted, h, now)); err != nil {
			return err
		}
		e.logger.Info("stuck appointment closed as completed", "appointment_id", h.ID)

	case h.CustomerJoinedAt != nil:
		reason := model.ReasonDoctorNoShow
		if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusNoShow, &reason, "auto-resolved: dermatologist never joined", nil); err != nil {
			return err
		}
		h.Status = model.StatusNoShow
		h.TerminatedReason = &reason
		if _, err := e.refundCustomer(ctx, tx, h); err != nil {
			return err
		}
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, h, now)); err != nil {
			return err
		}
		e.logger.Info("stuck appointment closed as dermatologist no-show", "appointment_id", h.ID)

	default:
		reason := model.ReasonCustomerNoShow
		if err := e.appointments.SetOutcome(ctx, tx, h.ID, model.StatusNoShow, &reason, "auto-resolved: customer never joined", nil); err != nil {
			return err
		}
		h.Status = model.StatusNoShow
		h.TerminatedReason = &reason
		if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentCancelled, h, now)); err != nil {
			return err
		}
		e.logger.Info("stuck appointment closed as customer no-show", "appointment_id", h.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	tx = nil
	return nil
}

// Settle pays the dermatologist their share of a completed, cash-funded
// consultation and finalizes the appointment. Subscription-funded sessions
// were prepaid to the platform and settle through the plan's own payout
// cycle, so they are left alone here.
func (e *Engine) Settle(ctx context.Context, appointmentID string) error {
	now := e.now()
	tx, err := e.appointments.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	h, err := e.load(ctx, tx, appointmentID)
	if err != nil {
		return err
	}
	if h.Status != model.StatusCompleted {
		return tx.Commit(ctx)
	}
	if !h.FundedByPayment() || h.Payment.Status != model.PaymentCompleted || !h.Price.IsPositive() {
		return tx.Commit(ctx)
	}

	if err := e.payProvider(ctx, tx, h, now); err != nil {
		return err
	}
	settled, err := e.appointments.MarkSettled(ctx, tx, h.ID)
	if err != nil {
		return err
	}
	if !settled {
		// Lost the race to another settle pass; drop the credit with the tx.
		return tx.Commit(ctx)
	}
	h.Status = model.StatusSettled
	if err := e.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentSettled, h, now)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	tx = nil
	return nil
}

// payProvider credits the dermatologist's wallet with their share and writes
// the payout record that backs the credit.
func (e *Engine) payProvider(ctx context.Context, tx pgx.Tx, h model.Hydrated, now time.Time) error {
	amount := h.Price.Mul(providerShare)
	if h.DermatologistUserID == "" {
		e.logger.Warn("payout skipped: dermatologist has no wallet account", "appointment_id", h.ID)
		return nil
	}
	if _, err := e.wallets.Adjust(ctx, tx, h.DermatologistUserID, amount); err != nil {
		return err
	}
	if _, err := e.payments.CreatePayout(ctx, tx, h.DermatologistUserID, amount, h.ID, now); err != nil {
		return err
	}
	e.logger.Info("provider payout recorded",
		"appointment_id", h.ID, "user_id", h.DermatologistUserID, "amount", amount.String())
	return nil
}

// refundCustomer returns the customer's money: a cash payment goes back to
// the wallet in full, a subscription booking gets its session back. A
// customer without a wallet account cannot be credited; the refund is skipped
// and logged rather than failing the transition.
func (e *Engine) refundCustomer(ctx context.Context, tx pgx.Tx, h model.Hydrated) (bool, error) {
	switch {
	case h.FundedByPayment() && h.Payment.Status == model.PaymentCompleted && h.Payment.Amount.IsPositive():
		if h.CustomerUserID == "" {
			e.logger.Warn("refund skipped: customer has no wallet account", "appointment_id", h.ID)
			return false, nil
		}
		change, err := e.wallets.Adjust(ctx, tx, h.CustomerUserID, h.Payment.Amount)
		if err != nil {
			return false, err
		}
		e.logger.Info("customer refunded to wallet",
			"appointment_id", h.ID, "amount", h.Payment.Amount.String(), "balance", change.New.String())
		return true, nil

	case h.FundedBySubscription():
		refunded, err := e.subscriptions.Refund(ctx, tx, h.Subscription.ID)
		if err != nil {
			return false, err
		}
		if refunded {
			e.logger.Info("subscription session returned",
				"appointment_id", h.ID, "subscription_id", h.Subscription.ID)
		}
		return refunded, nil
	}
	return false, nil
}

func (e *Engine) load(ctx context.Context, tx pgx.Tx, appointmentID string) (model.Hydrated, error) {
	h, err := e.appointments.GetHydratedForUpdate(ctx, tx, appointmentID)
	if storage.IsNotFound(err) {
		return model.Hydrated{}, apperr.NotFound("appointment not found")
	}
	return h, err
}
