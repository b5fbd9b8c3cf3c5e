// Package booking creates appointments under the three funding methods:
// pending bank transfer, immediate wallet debit, and subscription session.
// Each booking runs in one transaction; the slot reservation inside it is the
// arbiter when two customers race for the same slot.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

type AppointmentStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error)
}

type SlotStore interface {
	Reserve(ctx context.Context, tx pgx.Tx, slotID string) (model.Slot, error)
	Link(ctx context.Context, tx pgx.Tx, slotID, appointmentID string) error
}

type WalletStore interface {
	Adjust(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal) (storage.BalanceChange, error)
}

type SubscriptionStore interface {
	Consume(ctx context.Context, tx pgx.Tx, subscriptionID, customerID string) (model.CustomerSubscription, error)
}

type PaymentStore interface {
	CreatePending(ctx context.Context, tx pgx.Tx, userID, customerID string, amount decimal.Decimal, gatewayIntentID string, now time.Time, ttl time.Duration) (model.Payment, error)
	CreateCompleted(ctx context.Context, tx pgx.Tx, userID, customerID string, amount decimal.Decimal, now time.Time) (model.Payment, error)
	SetGatewayIntent(ctx context.Context, tx pgx.Tx, paymentID, intentID string) error
}

type ProfileStore interface {
	FindCustomerByUserID(ctx context.Context, userID string) (storage.CustomerProfile, error)
	ValidateBookingContext(ctx context.Context, customerID, analysisID string, routineID *string, apptType model.AppointmentType) error
}

type EventStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// PaymentGateway creates a card-payment intent mirroring a pending payment.
// A disabled gateway returns an empty intent id and the payment falls back to
// a plain bank-transfer code.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, paymentCode string) (string, error)
}

// BankingDetails is the platform's receiving account, rendered into the
// transfer instructions on every reservation booking.
type BankingDetails struct {
	BankCode      string
	AccountNumber string
	AccountName   string
	QRBaseURL     string
}

type Orchestrator struct {
	appointments  AppointmentStore
	slots         SlotStore
	wallets       WalletStore
	subscriptions SubscriptionStore
	payments      PaymentStore
	profiles      ProfileStore
	events        EventStore
	gateway       PaymentGateway
	banking       BankingDetails
	pendingTTL    time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Config struct {
	Banking    BankingDetails
	PendingTTL time.Duration
}

func NewOrchestrator(appointments AppointmentStore, slots SlotStore, wallets WalletStore, subscriptions SubscriptionStore, payments PaymentStore, profiles ProfileStore, events EventStore, gateway PaymentGateway, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	return &Orchestrator{
		appointments:  appointments,
		slots:         slots,
		wallets:       wallets,
		subscriptions: subscriptions,
		payments:      payments,
		profiles:      profiles,
		events:        events,
		gateway:       gateway,
		banking:       cfg.Banking,
		pendingTTL:    cfg.PendingTTL,
		logger:        logger,
		now:           time.Now,
	}
}

type Request struct {
	UserID     string
	SlotID     string
	Type       model.AppointmentType
	AnalysisID string
	RoutineID  *string
	// SubscriptionID funds the booking when set via CreateWithSubscription.
	SubscriptionID string
	Note           string
}

type Result struct {
	AppointmentID string
	Status        model.AppointmentStatus
	Payment       *model.Payment
	Banking       *model.BankingInfo
	// SessionsRemaining reflects the pool after a subscription booking.
	SessionsRemaining int
}

// CreateWithReservation books the slot and parks the appointment on
// PENDING_PAYMENT until the bank transfer lands or the hold expires.
func (o *Orchestrator) CreateWithReservation(ctx context.Context, req Request) (Result, error) {
	now := o.now()
	profile, err := o.profiles.FindCustomerByUserID(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if err := o.profiles.ValidateBookingContext(ctx, profile.CustomerID, req.AnalysisID, req.RoutineID, req.Type); err != nil {
		return Result{}, err
	}

	tx, err := o.appointments.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := o.reserveSlot(ctx, tx, req.SlotID, now)
	if err != nil {
		return Result{}, err
	}

	payment, err := o.payments.CreatePending(ctx, tx, req.UserID, profile.CustomerID, slot.Price, "", now, o.pendingTTL)
	if err != nil {
		return Result{}, err
	}

	// A configured card gateway mirrors the pending payment with an intent;
	// the expiry sweep cross-checks the intent before voiding the hold.
	if o.gateway != nil {
		intentID, err := o.gateway.CreateIntent(ctx, slot.Price, payment.Code)
		if err != nil {
			o.logger.Warn("payment intent creation failed, falling back to bank transfer only",
				"payment_code", payment.Code, "err", err)
		} else if intentID != "" {
			if err := o.payments.SetGatewayIntent(ctx, tx, payment.ID, intentID); err != nil {
				return Result{}, err
			}
			payment.GatewayIntentID = intentID
			payment.Method = model.MethodGateway
		}
	}

	appt := o.newAppointment(profile.CustomerID, slot, req)
	appt.Status = model.StatusPendingPayment
	appt.PaymentID = &payment.ID
	id, err := o.finishCreate(ctx, tx, appt)
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	tx = nil

	o.logger.Info("appointment reserved pending payment",
		"appointment_id", id, "payment_code", payment.Code, "amount", slot.Price.String())
	return Result{
		AppointmentID: id,
		Status:        model.StatusPendingPayment,
		Payment:       &payment,
		Banking:       o.bankingInfo(payment.Code, slot.Price),
	}, nil
}

// CreateWithWallet debits the customer's balance and schedules immediately.
func (o *Orchestrator) CreateWithWallet(ctx context.Context, req Request) (Result, error) {
	now := o.now()
	profile, err := o.profiles.FindCustomerByUserID(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if err := o.profiles.ValidateBookingContext(ctx, profile.CustomerID, req.AnalysisID, req.RoutineID, req.Type); err != nil {
		return Result{}, err
	}

	tx, err := o.appointments.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := o.reserveSlot(ctx, tx, req.SlotID, now)
	if err != nil {
		return Result{}, err
	}

	change, err := o.wallets.Adjust(ctx, tx, req.UserID, slot.Price.Neg())
	if err != nil {
		return Result{}, err
	}

	payment, err := o.payments.CreateCompleted(ctx, tx, req.UserID, profile.CustomerID, slot.Price, now)
	if err != nil {
		return Result{}, err
	}

	appt := o.newAppointment(profile.CustomerID, slot, req)
	appt.Status = model.StatusScheduled
	appt.PaymentID = &payment.ID
	id, err := o.finishCreate(ctx, tx, appt)
	if err != nil {
		return Result{}, err
	}

	if err := o.announceScheduled(ctx, tx, id, req.UserID, slot); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	tx = nil

	o.logger.Info("appointment booked from wallet",
		"appointment_id", id, "amount", slot.Price.String(), "balance", change.New.String())
	return Result{AppointmentID: id, Status: model.StatusScheduled, Payment: &payment}, nil
}

// CreateWithSubscription consumes one session and schedules immediately; the
// appointment carries a zero price and no payment record.
func (o *Orchestrator) CreateWithSubscription(ctx context.Context, req Request) (Result, error) {
	now := o.now()
	if req.SubscriptionID == "" {
		return Result{}, apperr.InvalidState("subscription id is required")
	}
	profile, err := o.profiles.FindCustomerByUserID(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if err := o.profiles.ValidateBookingContext(ctx, profile.CustomerID, req.AnalysisID, req.RoutineID, req.Type); err != nil {
		return Result{}, err
	}

	tx, err := o.appointments.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := o.reserveSlot(ctx, tx, req.SlotID, now)
	if err != nil {
		return Result{}, err
	}

	sub, err := o.subscriptions.Consume(ctx, tx, req.SubscriptionID, profile.CustomerID)
	if err != nil {
		return Result{}, err
	}

	appt := o.newAppointment(profile.CustomerID, slot, req)
	appt.Status = model.StatusScheduled
	appt.Price = decimal.Zero
	appt.SubscriptionID = &sub.ID
	id, err := o.finishCreate(ctx, tx, appt)
	if err != nil {
		return Result{}, err
	}

	if err := o.announceScheduled(ctx, tx, id, req.UserID, slot); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	tx = nil

	o.logger.Info("appointment booked from subscription",
		"appointment_id", id, "subscription_id", sub.ID, "sessions_remaining", sub.SessionsRemaining)
	return Result{AppointmentID: id, Status: model.StatusScheduled, SessionsRemaining: sub.SessionsRemaining}, nil
}

func (o *Orchestrator) reserveSlot(ctx context.Context, tx pgx.Tx, slotID string, now time.Time) (model.Slot, error) {
	slot, err := o.slots.Reserve(ctx, tx, slotID)
	if storage.IsNotFound(err) {
		return model.Slot{}, apperr.SlotUnavailable("slot is not available")
	}
	if err != nil {
		return model.Slot{}, err
	}
	if !slot.StartTime.After(now) {
		return model.Slot{}, apperr.SlotUnavailable("slot start time has passed")
	}
	return slot, nil
}

func (o *Orchestrator) newAppointment(customerID string, slot model.Slot, req Request) *model.Appointment {
	return &model.Appointment{
		CustomerID:      customerID,
		DermatologistID: slot.DermatologistID,
		Type:            req.Type,
		StartTime:       slot.StartTime,
		EndTime:         slot.EndTime,
		Price:           slot.Price,
		SlotID:          &slot.ID,
		AnalysisID:      req.AnalysisID,
		RoutineID:       req.RoutineID,
		Note:            req.Note,
	}
}

func (o *Orchestrator) finishCreate(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error) {
	id, err := o.appointments.Create(ctx, tx, appt)
	if err != nil {
		return "", err
	}
	if err := o.slots.Link(ctx, tx, *appt.SlotID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) announceScheduled(ctx context.Context, tx pgx.Tx, appointmentID, customerUserID string, slot model.Slot) error {
	h := model.Hydrated{
		Appointment: model.Appointment{
			ID:        appointmentID,
			StartTime: slot.StartTime,
			Status:    model.StatusScheduled,
		},
		CustomerUserID: customerUserID,
	}
	return o.events.Insert(ctx, tx, outbox.AppointmentEvent(outbox.TopicAppointmentScheduled, h, o.now()))
}

func (o *Orchestrator) bankingInfo(paymentCode string, amount decimal.Decimal) *model.BankingInfo {
	info := &model.BankingInfo{
		BankName:      o.banking.BankCode,
		AccountNumber: o.banking.AccountNumber,
		AccountName:   o.banking.AccountName,
		Amount:        amount,
	}
	if o.banking.QRBaseURL != "" {
		info.QRCodeURL = fmt.Sprintf("%s/image/%s-%s-compact2.png?amount=%s&addInfo=%s&accountName=%s",
			o.banking.QRBaseURL, o.banking.BankCode, o.banking.AccountNumber,
			amount.StringFixed(0), url.QueryEscape(paymentCode), url.QueryEscape(o.banking.AccountName))
	}
	return info
}
