package lifecycle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolledBack = true; return nil }

// fakeAppointments mimics the repository against a single in-memory row,
// including the write-once and status-guarded semantics of the SQL.
type fakeAppointments struct {
	appt   model.Hydrated
	lastTx *fakeTx
}

func (f *fakeAppointments) Begin(context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

func (f *fakeAppointments) GetHydratedForUpdate(_ context.Context, _ pgx.Tx, id string) (model.Hydrated, error) {
	if id != f.appt.ID {
		return model.Hydrated{}, pgx.ErrNoRows
	}
	return f.appt, nil
}

func (f *fakeAppointments) MarkCheckedIn(_ context.Context, _ pgx.Tx, _ string, role model.Role, at time.Time) error {
	if role == model.RoleCustomer {
		if f.appt.CustomerJoinedAt == nil {
			f.appt.CustomerJoinedAt = &at
		}
	} else if f.appt.DermatologistJoinedAt == nil {
		f.appt.DermatologistJoinedAt = &at
	}
	if f.appt.Status == model.StatusScheduled {
		f.appt.Status = model.StatusInProgress
	}
	return nil
}

func (f *fakeAppointments) MarkCompleted(_ context.Context, _ pgx.Tx, _ string, actualEnd time.Time, note string) error {
	f.appt.Status = model.StatusCompleted
	f.appt.ActualEndTime = &actualEnd
	if note != "" {
		f.appt.MedicalNote = note
	}
	return nil
}

func (f *fakeAppointments) SetMedicalNote(_ context.Context, _ pgx.Tx, _ string, note string) error {
	f.appt.MedicalNote = note
	return nil
}

func (f *fakeAppointments) SetOutcome(_ context.Context, _ pgx.Tx, _ string, status model.AppointmentStatus, reason *model.TerminationReason, note string, actualEnd *time.Time) error {
	f.appt.Status = status
	if reason != nil {
		f.appt.TerminatedReason = reason
	}
	if note != "" {
		f.appt.TerminationNote = note
	}
	if actualEnd != nil {
		f.appt.ActualEndTime = actualEnd
	}
	return nil
}

func (f *fakeAppointments) SetReport(_ context.Context, _ pgx.Tx, _ string, role model.Role, reason model.TerminationReason, note string) (bool, error) {
	if role == model.RoleCustomer {
		if f.appt.CustomerReportReason != nil {
			return false, nil
		}
		f.appt.CustomerReportReason = &reason
		f.appt.CustomerReportNote = note
		return true, nil
	}
	if f.appt.DermatologistReportReason != nil {
		return false, nil
	}
	f.appt.DermatologistReportReason = &reason
	f.appt.DermatologistReportNote = note
	return true, nil
}

func (f *fakeAppointments) MarkSettled(_ context.Context, _ pgx.Tx, _ string) (bool, error) {
	if f.appt.Status != model.StatusCompleted {
		return false, nil
	}
	f.appt.Status = model.StatusSettled
	return true, nil
}

func (f *fakeAppointments) CancelPending(_ context.Context, _ pgx.Tx, _ string, reason model.TerminationReason, note string) (bool, error) {
	if f.appt.Status != model.StatusPendingPayment {
		return false, nil
	}
	f.appt.Status = model.StatusCancelled
	f.appt.TerminatedReason = &reason
	f.appt.TerminationNote = note
	return true, nil
}

type fakeSlots struct {
	released []string
}

func (f *fakeSlots) Release(_ context.Context, _ pgx.Tx, slotID string) error {
	f.released = append(f.released, slotID)
	return nil
}

type adjustment struct {
	userID string
	delta  decimal.Decimal
}

type fakeWallets struct {
	adjustments []adjustment
}

func (f *fakeWallets) Adjust(_ context.Context, _ pgx.Tx, userID string, delta decimal.Decimal) (storage.BalanceChange, error) {
	f.adjustments = append(f.adjustments, adjustment{userID: userID, delta: delta})
	return storage.BalanceChange{New: delta}, nil
}

type fakeSubscriptions struct {
	remaining int
	total     int
	refunds   int
}

func (f *fakeSubscriptions) Refund(_ context.Context, _ pgx.Tx, _ string) (bool, error) {
	if f.remaining >= f.total {
		return false, nil
	}
	f.remaining++
	f.refunds++
	return true, nil
}

type payout struct {
	userID string
	amount decimal.Decimal
	ref    string
}

type fakePayments struct {
	payouts []payout
	expired []string
}

func (f *fakePayments) CreatePayout(_ context.Context, _ pgx.Tx, userID string, amount decimal.Decimal, ref string, _ time.Time) (model.Payment, error) {
	f.payouts = append(f.payouts, payout{userID: userID, amount: amount, ref: ref})
	return model.Payment{ID: "pay-out", Amount: amount}, nil
}

func (f *fakePayments) MarkExpired(_ context.Context, _ pgx.Tx, paymentID string) (bool, error) {
	f.expired = append(f.expired, paymentID)
	return true, nil
}

type fakeEvents struct {
	topics []string
}

func (f *fakeEvents) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.topics = append(f.topics, evt.EventType)
	return nil
}

type fixture struct {
	engine        *Engine
	appointments  *fakeAppointments
	slots         *fakeSlots
	wallets       *fakeWallets
	subscriptions *fakeSubscriptions
	payments      *fakePayments
	events        *fakeEvents
}

var (
	baseStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	baseEnd   = baseStart.Add(30 * time.Minute)
	price     = decimal.NewFromInt(300000)
)

func newFixture(t *testing.T, appt model.Hydrated, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		appointments:  &fakeAppointments{appt: appt},
		slots:         &fakeSlots{},
		wallets:       &fakeWallets{},
		subscriptions: &fakeSubscriptions{remaining: 4, total: 5},
		payments:      &fakePayments{},
		events:        &fakeEvents{},
	}
	f.engine = NewEngine(f.appointments, f.slots, f.wallets, f.subscriptions, f.payments, f.events, slog.Default())
	f.engine.now = func() time.Time { return now }
	return f
}

func paidAppointment() model.Hydrated {
	slotID := "slot-1"
	paymentID := "pay-1"
	paidAt := baseStart.Add(-48 * time.Hour)
	return model.Hydrated{
		Appointment: model.Appointment{
			ID:              "appt-1",
			CustomerID:      "cust-1",
			DermatologistID: "derm-1",
			StartTime:       baseStart,
			EndTime:         baseEnd,
			Price:           price,
			PaymentID:       &paymentID,
			SlotID:          &slotID,
			Status:          model.StatusScheduled,
		},
		CustomerUserID:      "user-cust",
		DermatologistUserID: "user-derm",
		Payment: &model.Payment{
			ID:     paymentID,
			Status: model.PaymentCompleted,
			Amount: price,
			PaidAt: &paidAt,
		},
	}
}

func subscriptionAppointment() model.Hydrated {
	h := paidAppointment()
	h.Payment = nil
	h.PaymentID = nil
	subID := "sub-1"
	h.SubscriptionID = &subID
	h.Price = decimal.Zero
	h.Subscription = &model.CustomerSubscription{
		ID:                subID,
		CustomerID:        "cust-1",
		TotalSessions:     5,
		SessionsRemaining: 4,
		Status:            model.SubscriptionActive,
	}
	return h
}

var (
	customer = Actor{UserID: "user-cust", Role: model.RoleCustomer}
	derm     = Actor{UserID: "user-derm", Role: model.RoleDermatologist}
)

func TestCheckInTooEarly(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-CheckInLead).Add(-time.Minute))
	_, err := f.engine.CheckIn(context.Background(), customer, "appt-1")
	if !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation, got %v", err)
	}
}

func TestCheckInAtLeadBoundary(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-CheckInLead))
	res, err := f.engine.CheckIn(context.Background(), customer, "appt-1")
	if err != nil {
		t.Fatalf("check-in at boundary should succeed: %v", err)
	}
	if res.Status != model.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", res.Status)
	}
	if f.appointments.appt.CustomerJoinedAt == nil {
		t.Fatal("customer join timestamp not recorded")
	}
}

func TestCheckInKeepsFirstTimestamp(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart)
	if _, err := f.engine.CheckIn(context.Background(), customer, "appt-1"); err != nil {
		t.Fatalf("first check-in: %v", err)
	}
	first := *f.appointments.appt.CustomerJoinedAt
	f.engine.now = func() time.Time { return baseStart.Add(5 * time.Minute) }
	if _, err := f.engine.CheckIn(context.Background(), customer, "appt-1"); err != nil {
		t.Fatalf("second check-in: %v", err)
	}
	if !f.appointments.appt.CustomerJoinedAt.Equal(first) {
		t.Fatal("join timestamp must be write-once")
	}
}

func TestCheckInByStranger(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart)
	_, err := f.engine.CheckIn(context.Background(), Actor{UserID: "user-other", Role: model.RoleCustomer}, "appt-1")
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCompleteRequiresDermatologist(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.CustomerJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(20*time.Minute))
	if _, err := f.engine.Complete(context.Background(), customer, "appt-1", ""); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("customer must not complete: %v", err)
	}
	res, err := f.engine.Complete(context.Background(), derm, "appt-1", "keep using the prescribed cream")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if f.appointments.appt.MedicalNote != "keep using the prescribed cream" {
		t.Fatal("medical note not stored")
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart)
	if _, err := f.engine.Complete(context.Background(), derm, "appt-1", ""); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCompleteRequiresCustomerCheckIn(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.DermatologistJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(20*time.Minute))
	_, err := f.engine.Complete(context.Background(), derm, "appt-1", "")
	if !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("completing without a customer check-in must fail, got %v", err)
	}
	if f.appointments.appt.Status != model.StatusInProgress {
		t.Fatalf("status changed to %s", f.appointments.appt.Status)
	}
}

func TestUpdateMedicalNoteWhileInProgress(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	f := newFixture(t, h, baseStart.Add(10*time.Minute))
	res, err := f.engine.UpdateMedicalNote(context.Background(), derm, "appt-1", "mild eczema, topical steroid prescribed")
	if err != nil {
		t.Fatalf("update note: %v", err)
	}
	if res.Status != model.StatusInProgress {
		t.Fatalf("status must stay IN_PROGRESS, got %s", res.Status)
	}
	if f.appointments.appt.MedicalNote != "mild eczema, topical steroid prescribed" {
		t.Fatalf("note not stored: %q", f.appointments.appt.MedicalNote)
	}
}

func TestUpdateMedicalNoteOnClosedAppointment(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	f := newFixture(t, h, baseEnd.Add(time.Hour))
	if _, err := f.engine.UpdateMedicalNote(context.Background(), derm, "appt-1", "late edit"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("note must be locked after completion, got %v", err)
	}
}

func TestUpdateMedicalNoteByCustomer(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	f := newFixture(t, h, baseStart.Add(10*time.Minute))
	if _, err := f.engine.UpdateMedicalNote(context.Background(), customer, "appt-1", "I felt fine"); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCustomerCancelEarlyRefundsInFull(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-EarlyCancelThreshold).Add(-time.Minute))
	res, err := f.engine.Cancel(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.RefundTriggered {
		t.Fatal("early cancel must refund")
	}
	if f.appointments.appt.TerminatedReason == nil || *f.appointments.appt.TerminatedReason != model.ReasonCustomerCancelledEarly {
		t.Fatalf("wrong reason: %v", f.appointments.appt.TerminatedReason)
	}
	if len(f.wallets.adjustments) != 1 {
		t.Fatalf("expected one wallet credit, got %d", len(f.wallets.adjustments))
	}
	got := f.wallets.adjustments[0]
	if got.userID != "user-cust" || !got.delta.Equal(price) {
		t.Fatalf("wrong refund: %+v", got)
	}
	if len(f.slots.released) != 1 {
		t.Fatal("slot must be released on cancel")
	}
}

func TestCustomerCancelLateCompensatesProvider(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-EarlyCancelThreshold).Add(time.Minute))
	res, err := f.engine.Cancel(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundTriggered {
		t.Fatal("late cancel must not refund the customer")
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonCustomerCancelledLate {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	// The provider keeps their usual share of the forfeited fee.
	if len(f.wallets.adjustments) != 1 || f.wallets.adjustments[0].userID != "user-derm" {
		t.Fatalf("expected one provider credit, got %+v", f.wallets.adjustments)
	}
	want := decimal.NewFromInt(225000)
	if !f.wallets.adjustments[0].delta.Equal(want) {
		t.Fatalf("provider share = %s, want %s", f.wallets.adjustments[0].delta, want)
	}
	if len(f.payments.payouts) != 1 || !f.payments.payouts[0].amount.Equal(want) {
		t.Fatalf("payout record missing or wrong: %+v", f.payments.payouts)
	}
	if len(f.slots.released) != 1 {
		t.Fatal("slot must be released on late cancel too")
	}
}

func TestCancelExactlyAtThresholdIsLate(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-EarlyCancelThreshold))
	res, err := f.engine.Cancel(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundTriggered {
		t.Fatal("cancel exactly at the threshold is a late cancel")
	}
}

func TestProviderCancelAlwaysRefunds(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(-time.Hour))
	res, err := f.engine.Cancel(context.Background(), derm, "appt-1", "emergency")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.RefundTriggered {
		t.Fatal("provider cancel must refund the customer")
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonDoctorCancelled {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if len(f.wallets.adjustments) != 1 || f.wallets.adjustments[0].userID != "user-cust" {
		t.Fatalf("expected customer refund, got %+v", f.wallets.adjustments)
	}
}

func TestSubscriptionCancelReturnsSession(t *testing.T) {
	f := newFixture(t, subscriptionAppointment(), baseStart.Add(-EarlyCancelThreshold).Add(-time.Hour))
	res, err := f.engine.Cancel(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.RefundTriggered {
		t.Fatal("session must be returned")
	}
	if f.subscriptions.remaining != 5 {
		t.Fatalf("sessions remaining = %d, want 5", f.subscriptions.remaining)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("no wallet movement for subscription bookings")
	}
}

func TestSessionRefundCappedAtTotal(t *testing.T) {
	f := newFixture(t, subscriptionAppointment(), baseStart.Add(-48*time.Hour))
	f.subscriptions.remaining = 5
	res, err := f.engine.Cancel(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundTriggered {
		t.Fatal("a full pool must not be refunded past the purchased total")
	}
	if f.subscriptions.remaining != 5 {
		t.Fatalf("sessions remaining = %d, want 5", f.subscriptions.remaining)
	}
}

func TestRefundSkippedWithoutWalletAccount(t *testing.T) {
	h := paidAppointment()
	h.CustomerUserID = ""
	f := newFixture(t, h, baseStart.Add(-48*time.Hour))
	res, err := f.engine.Cancel(context.Background(), Actor{UserID: "user-derm", Role: model.RoleDermatologist}, "appt-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundTriggered {
		t.Fatal("refund must be skipped when the customer has no wallet account")
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("no wallet movement expected")
	}
}

func TestNoShowInsideGrace(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.CustomerJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(NoShowGrace).Add(-time.Second))
	if _, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", ""); !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation, got %v", err)
	}
}

func TestNoShowRequiresOwnCheckIn(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart.Add(NoShowGrace))
	if _, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", ""); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCustomerReportsDoctorNoShow(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart.Add(-time.Minute)
	h.CustomerJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(NoShowGrace))
	res, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", "waited 15 minutes")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusNoShow {
		t.Fatalf("expected NO_SHOW, got %s", res.Status)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonDoctorNoShow {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if !res.RefundTriggered || len(f.wallets.adjustments) != 1 {
		t.Fatal("doctor no-show must refund the customer")
	}
}

func TestDermReportsCustomerNoShowNoRefund(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.DermatologistJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(NoShowGrace))
	res, err := f.engine.ReportNoShow(context.Background(), derm, "appt-1", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonCustomerNoShow {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if res.RefundTriggered || len(f.wallets.adjustments) != 0 {
		t.Fatal("customer no-show must not refund")
	}
}

func TestNoShowAgainstCheckedInPartyDisputes(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.CustomerJoinedAt = &joined
	h.DermatologistJoinedAt = &joined
	f := newFixture(t, h, baseStart.Add(NoShowGrace))
	res, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", res.Status)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("disputed claims must not move money")
	}
}

func TestNoShowAfterCompletionDisputes(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	joined := baseStart
	h.CustomerJoinedAt = &joined
	end := baseEnd
	h.ActualEndTime = &end
	f := newFixture(t, h, baseEnd.Add(2*time.Hour))
	res, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", "the doctor never showed on the call")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", res.Status)
	}
	if f.appointments.appt.CustomerReportReason == nil || *f.appointments.appt.CustomerReportReason != model.ReasonDoctorNoShow {
		t.Fatalf("report not recorded: %v", f.appointments.appt.CustomerReportReason)
	}
	// The completion timestamp stays as the session record.
	if f.appointments.appt.ActualEndTime == nil || !f.appointments.appt.ActualEndTime.Equal(baseEnd) {
		t.Fatalf("actual end changed: %v", f.appointments.appt.ActualEndTime)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("a contested completion must not move money")
	}
}

func TestNoShowAfterCompletionWindow(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	joined := baseStart
	h.CustomerJoinedAt = &joined
	end := baseEnd
	h.ActualEndTime = &end
	f := newFixture(t, h, baseEnd.Add(ReportWindow))
	if _, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", ""); err != nil {
		t.Fatalf("report exactly at the window edge must still land: %v", err)
	}

	f = newFixture(t, h, baseEnd.Add(ReportWindow).Add(time.Second))
	if _, err := f.engine.ReportNoShow(context.Background(), customer, "appt-1", ""); !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation one second past the window, got %v", err)
	}
}

func TestNoShowStampsActualEnd(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.DermatologistJoinedAt = &joined
	now := baseStart.Add(NoShowGrace)
	f := newFixture(t, h, now)
	if _, err := f.engine.ReportNoShow(context.Background(), derm, "appt-1", ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if f.appointments.appt.ActualEndTime == nil || !f.appointments.appt.ActualEndTime.Equal(now) {
		t.Fatalf("actual end = %v, want %v", f.appointments.appt.ActualEndTime, now)
	}
}

func TestInterruptionReportIsWriteOnce(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	f := newFixture(t, h, baseStart.Add(10*time.Minute))
	if _, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "video dropped"); err != nil {
		t.Fatalf("first report: %v", err)
	}
	_, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "again")
	if !apperr.IsKind(err, apperr.KindAlreadyReported) {
		t.Fatalf("expected already reported, got %v", err)
	}
}

func TestProviderFaultAutoResolves(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	f := newFixture(t, h, baseStart.Add(10*time.Minute))
	res, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonDoctorIssue, "my connection failed")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonDoctorCancelled {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if !res.RefundTriggered || len(f.wallets.adjustments) != 1 {
		t.Fatal("provider fault must refund the customer")
	}
	if !f.wallets.adjustments[0].delta.Equal(price) {
		t.Fatalf("refund = %s, want %s", f.wallets.adjustments[0].delta, price)
	}
}

func TestCustomerInterruptionHoldsForReview(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	f := newFixture(t, h, baseStart.Add(10*time.Minute))
	res, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "doctor left mid-call")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusInterrupted {
		t.Fatalf("expected INTERRUPTED, got %s", res.Status)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("no automatic refund on a customer claim")
	}
}

func TestSecondPartyReportEscalates(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInterrupted
	reason := model.ReasonDoctorIssue
	h.CustomerReportReason = &reason
	f := newFixture(t, h, baseStart.Add(20*time.Minute))
	res, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonCustomerNoShow, "customer was absent")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", res.Status)
	}
}

func TestSecondPartyReportWindowCloses(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInterrupted
	reason := model.ReasonDoctorIssue
	h.CustomerReportReason = &reason
	f := newFixture(t, h, baseEnd.Add(72*time.Hour))
	_, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonCustomerNoShow, "")
	if !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation, got %v", err)
	}
	if f.appointments.appt.Status != model.StatusInterrupted {
		t.Fatalf("status changed to %s", f.appointments.appt.Status)
	}
}

func TestSecondPartyReportAtWindowEdge(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInterrupted
	reason := model.ReasonDoctorIssue
	h.CustomerReportReason = &reason
	f := newFixture(t, h, baseEnd.Add(ReportWindow))
	res, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonCustomerNoShow, "")
	if err != nil {
		t.Fatalf("report exactly at the window edge must still land: %v", err)
	}
	if res.Status != model.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", res.Status)
	}

	f = newFixture(t, h, baseEnd.Add(ReportWindow).Add(time.Second))
	if _, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonCustomerNoShow, ""); !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation one second past the window, got %v", err)
	}
}

func TestInterruptionStampsActualEnd(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	now := baseStart.Add(10 * time.Minute)
	f := newFixture(t, h, now)
	if _, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "call dropped"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if f.appointments.appt.ActualEndTime == nil || !f.appointments.appt.ActualEndTime.Equal(now) {
		t.Fatalf("actual end = %v, want %v", f.appointments.appt.ActualEndTime, now)
	}
}

func TestProviderFaultStampsActualEnd(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	now := baseStart.Add(10 * time.Minute)
	f := newFixture(t, h, now)
	if _, err := f.engine.ReportInterruption(context.Background(), derm, "appt-1", model.ReasonDoctorIssue, "my line went down"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if f.appointments.appt.ActualEndTime == nil || !f.appointments.appt.ActualEndTime.Equal(now) {
		t.Fatalf("actual end = %v, want %v", f.appointments.appt.ActualEndTime, now)
	}
}

func TestReportAfterCompletionKeepsActualEnd(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	end := baseEnd
	h.ActualEndTime = &end
	f := newFixture(t, h, baseEnd.Add(2*time.Hour))
	if _, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "cut short"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if f.appointments.appt.ActualEndTime == nil || !f.appointments.appt.ActualEndTime.Equal(baseEnd) {
		t.Fatalf("actual end changed: %v", f.appointments.appt.ActualEndTime)
	}
}

func TestReportAfterCompletionDisputes(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	end := baseEnd
	h.ActualEndTime = &end
	f := newFixture(t, h, baseEnd.Add(time.Hour))
	res, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "consultation was cut short")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.Status != model.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", res.Status)
	}
}

func TestReportWindowCloses(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	end := baseEnd
	h.ActualEndTime = &end
	f := newFixture(t, h, baseEnd.Add(ReportWindow).Add(time.Minute))
	_, err := f.engine.ReportInterruption(context.Background(), customer, "appt-1", model.ReasonDoctorIssue, "")
	if !apperr.IsKind(err, apperr.KindTimingViolation) {
		t.Fatalf("expected timing violation, got %v", err)
	}
}

func TestSettlePaysProviderShare(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCompleted
	f := newFixture(t, h, baseEnd.Add(25*time.Hour))
	if err := f.engine.Settle(context.Background(), "appt-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if f.appointments.appt.Status != model.StatusSettled {
		t.Fatalf("expected SETTLED, got %s", f.appointments.appt.Status)
	}
	want := decimal.NewFromInt(225000)
	if len(f.wallets.adjustments) != 1 || !f.wallets.adjustments[0].delta.Equal(want) {
		t.Fatalf("provider credit = %+v, want %s", f.wallets.adjustments, want)
	}
	if len(f.payments.payouts) != 1 || f.payments.payouts[0].ref != "appt-1" {
		t.Fatalf("payout record = %+v", f.payments.payouts)
	}
}

func TestSettleSkipsSubscriptionFunded(t *testing.T) {
	h := subscriptionAppointment()
	h.Status = model.StatusCompleted
	f := newFixture(t, h, baseEnd.Add(25*time.Hour))
	if err := f.engine.Settle(context.Background(), "appt-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if f.appointments.appt.Status != model.StatusCompleted {
		t.Fatalf("subscription-funded session must stay COMPLETED, got %s", f.appointments.appt.Status)
	}
	if len(f.wallets.adjustments) != 0 || len(f.payments.payouts) != 0 {
		t.Fatal("no money must move")
	}
}

func TestSettleIgnoresNonCompleted(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseEnd.Add(25*time.Hour))
	if err := f.engine.Settle(context.Background(), "appt-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("scheduled appointment must not settle")
	}
}

func TestExpirePendingReleasesSlot(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusPendingPayment
	h.Payment.Status = model.PaymentPending
	f := newFixture(t, h, baseStart.Add(-time.Hour))
	if err := f.engine.ExpirePending(context.Background(), "pay-1", "appt-1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if f.appointments.appt.Status != model.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", f.appointments.appt.Status)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonPaymentTimeout {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if len(f.payments.expired) != 1 || f.payments.expired[0] != "pay-1" {
		t.Fatalf("payment not expired: %+v", f.payments.expired)
	}
	if len(f.slots.released) != 1 {
		t.Fatal("slot must return to the pool")
	}
}

func TestExpirePendingNoOpAfterConfirmation(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusScheduled
	f := newFixture(t, h, baseStart.Add(-time.Hour))
	if err := f.engine.ExpirePending(context.Background(), "pay-1", "appt-1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if f.appointments.appt.Status != model.StatusScheduled {
		t.Fatal("confirmed appointment must not be touched")
	}
	if len(f.payments.expired) != 0 || len(f.slots.released) != 0 {
		t.Fatal("nothing must change after confirmation won the race")
	}
}

func TestResolveStuckBothJoined(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.CustomerJoinedAt = &joined
	h.DermatologistJoinedAt = &joined
	f := newFixture(t, h, baseEnd.Add(time.Hour))
	if err := f.engine.ResolveStuck(context.Background(), "appt-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.appointments.appt.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", f.appointments.appt.Status)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("completion must not move money; settlement does that later")
	}
}

func TestResolveStuckCustomerAlone(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusInProgress
	joined := baseStart
	h.CustomerJoinedAt = &joined
	f := newFixture(t, h, baseEnd.Add(time.Hour))
	if err := f.engine.ResolveStuck(context.Background(), "appt-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonDoctorNoShow {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if len(f.wallets.adjustments) != 1 || !f.wallets.adjustments[0].delta.Equal(price) {
		t.Fatalf("expected full refund, got %+v", f.wallets.adjustments)
	}
}

func TestResolveStuckNobodyJoined(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseEnd.Add(time.Hour))
	if err := f.engine.ResolveStuck(context.Background(), "appt-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *f.appointments.appt.TerminatedReason != model.ReasonCustomerNoShow {
		t.Fatalf("wrong reason: %v", *f.appointments.appt.TerminatedReason)
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("customer absence must not refund")
	}
}

func TestResolveStuckSkipsTerminal(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusCancelled
	f := newFixture(t, h, baseEnd.Add(time.Hour))
	if err := f.engine.ResolveStuck(context.Background(), "appt-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.appointments.appt.Status != model.StatusCancelled {
		t.Fatal("terminal appointment must be left alone")
	}
}

func TestWithdrawPendingReservation(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusPendingPayment
	h.Payment.Status = model.PaymentPending
	f := newFixture(t, h, baseStart.Add(-48*time.Hour))
	res, err := f.engine.CancelPendingByCustomer(context.Background(), customer, "appt-1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Status != model.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if len(f.slots.released) != 1 || len(f.payments.expired) != 1 {
		t.Fatal("withdraw must free the slot and void the payment")
	}
	if len(f.wallets.adjustments) != 0 {
		t.Fatal("an unpaid hold has nothing to refund")
	}
}

func TestWithdrawByProviderForbidden(t *testing.T) {
	h := paidAppointment()
	h.Status = model.StatusPendingPayment
	f := newFixture(t, h, baseStart.Add(-48*time.Hour))
	if _, err := f.engine.CancelPendingByCustomer(context.Background(), derm, "appt-1"); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUnknownAppointment(t *testing.T) {
	f := newFixture(t, paidAppointment(), baseStart)
	_, err := f.engine.CheckIn(context.Background(), customer, "missing")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
