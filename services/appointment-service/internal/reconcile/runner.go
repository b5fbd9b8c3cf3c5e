// Package reconcile runs the background sweeps that keep appointment state
// converging when nobody calls the API: expiring unpaid reservations, closing
// stuck sessions, settling payouts, and provisioning meeting links. Only one
// instance sweeps at a time; a Postgres advisory lock elects the leader.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/skinalyze/consult/libs/db"
	"github.com/skinalyze/consult/services/appointment-service/internal/lifecycle"
	"github.com/skinalyze/consult/services/appointment-service/internal/meetlink"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

// stuckGrace is how long past the scheduled end an appointment may sit before
// the cleanup sweep closes it. Participants get this margin to finish their
// own transition.
const stuckGrace = 15 * time.Minute

// meetLinkLookahead is how far ahead of start the link sweep provisions rooms.
const meetLinkLookahead = 60 * time.Minute

type Lifecycle interface {
	ResolveStuck(ctx context.Context, appointmentID string) error
	Settle(ctx context.Context, appointmentID string) error
	ExpirePending(ctx context.Context, paymentID, appointmentID string) error
}

type AppointmentSource interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ListStuckIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	ListSettleableIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	ListNeedingMeetLink(ctx context.Context, from, to time.Time) ([]storage.MeetLinkCandidate, error)
	SetMeetingURL(ctx context.Context, tx pgx.Tx, appointmentID, url string) (bool, error)
}

type PaymentSource interface {
	ListExpiredPending(ctx context.Context, now time.Time) ([]storage.ExpiredPending, error)
}

// Gateway answers whether a card intent confirmed out-of-band before a hold
// is voided.
type Gateway interface {
	IntentSucceeded(ctx context.Context, intentID string) (bool, error)
	CancelIntent(ctx context.Context, intentID string) error
}

type EventStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Runner struct {
	pool         *db.Pool
	engine       Lifecycle
	appointments AppointmentSource
	payments     PaymentSource
	gateway      Gateway
	meetings     meetlink.Provider
	events       EventStore
	logger       *slog.Logger
	now          func() time.Time

	cleanupEvery    time.Duration
	settlementEvery time.Duration
	expiryEvery     time.Duration
	meetLinkEvery   time.Duration
	advisoryKey     int64
}

type Config struct {
	CleanupEvery    time.Duration
	SettlementEvery time.Duration
	ExpiryEvery     time.Duration
	MeetLinkEvery   time.Duration
	AdvisoryLockKey int64
}

func NewRunner(pool *db.Pool, engine Lifecycle, appointments AppointmentSource, payments PaymentSource, gateway Gateway, meetings meetlink.Provider, events EventStore, logger *slog.Logger, cfg Config) *Runner {
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 30 * time.Minute
	}
	if cfg.SettlementEvery <= 0 {
		cfg.SettlementEvery = time.Hour
	}
	if cfg.ExpiryEvery <= 0 {
		cfg.ExpiryEvery = time.Minute
	}
	if cfg.MeetLinkEvery <= 0 {
		cfg.MeetLinkEvery = time.Minute
	}
	if cfg.AdvisoryLockKey == 0 {
		// Override via env when several appointment instances share a database.
		cfg.AdvisoryLockKey = 7301001
	}
	return &Runner{
		pool:            pool,
		engine:          engine,
		appointments:    appointments,
		payments:        payments,
		gateway:         gateway,
		meetings:        meetings,
		events:          events,
		logger:          logger,
		now:             time.Now,
		cleanupEvery:    cfg.CleanupEvery,
		settlementEvery: cfg.SettlementEvery,
		expiryEvery:     cfg.ExpiryEvery,
		meetLinkEvery:   cfg.MeetLinkEvery,
		advisoryKey:     cfg.AdvisoryLockKey,
	}
}

// Run blocks until the advisory lock is held, then drives all sweeps until
// ctx is cancelled. Followers retry the lock so one of them takes over when
// the leader dies.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	cleanup := time.NewTicker(r.cleanupEvery)
	settlement := time.NewTicker(r.settlementEvery)
	expiry := time.NewTicker(r.expiryEvery)
	meetLink := time.NewTicker(r.meetLinkEvery)
	defer cleanup.Stop()
	defer settlement.Stop()
	defer expiry.Stop()
	defer meetLink.Stop()

	// Sweep once on startup to self-heal faster after downtime.
	r.SweepExpiredPayments(ctx)
	r.SweepStuck(ctx)
	r.SweepSettlements(ctx)
	r.SweepMeetLinks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			r.SweepStuck(ctx)
		case <-settlement.C:
			r.SweepSettlements(ctx)
		case <-expiry.C:
			r.SweepExpiredPayments(ctx)
		case <-meetLink.C:
			r.SweepMeetLinks(ctx)
		}
	}
}

// SweepStuck closes appointments whose window ended more than stuckGrace ago.
func (r *Runner) SweepStuck(ctx context.Context) {
	now := r.now()
	ids, err := r.appointments.ListStuckIDs(ctx, now.Add(-stuckGrace))
	if err != nil {
		r.logger.Error("cleanup sweep: list failed", "err", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.engine.ResolveStuck(ctx, id); err != nil {
			r.logger.Error("cleanup sweep: resolve failed", "appointment_id", id, "err", err)
		}
	}
	if len(ids) > 0 {
		r.logger.Info("cleanup sweep finished", "candidates", len(ids))
	}
}

// SweepSettlements pays out completed consultations whose report window
// closed without a dispute.
func (r *Runner) SweepSettlements(ctx context.Context) {
	now := r.now()
	ids, err := r.appointments.ListSettleableIDs(ctx, now.Add(-lifecycle.ReportWindow))
	if err != nil {
		r.logger.Error("settlement sweep: list failed", "err", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.engine.Settle(ctx, id); err != nil {
			r.logger.Error("settlement sweep: settle failed", "appointment_id", id, "err", err)
		}
	}
	if len(ids) > 0 {
		r.logger.Info("settlement sweep finished", "candidates", len(ids))
	}
}

// SweepExpiredPayments voids reservation holds whose deadline passed. When a
// card intent backs the hold, the gateway is asked first: a confirmation that
// never reached us leaves the hold alone for the payment pipeline to finish.
func (r *Runner) SweepExpiredPayments(ctx context.Context) {
	now := r.now()
	expired, err := r.payments.ListExpiredPending(ctx, now)
	if err != nil {
		r.logger.Error("expiry sweep: list failed", "err", err)
		return
	}
	for _, e := range expired {
		if ctx.Err() != nil {
			return
		}
		if e.GatewayIntentID != "" && r.gateway != nil {
			succeeded, err := r.gateway.IntentSucceeded(ctx, e.GatewayIntentID)
			if err != nil {
				r.logger.Warn("expiry sweep: gateway lookup failed", "payment_id", e.PaymentID, "err", err)
				continue
			}
			if succeeded {
				r.logger.Warn("expiry sweep: intent confirmed out-of-band, keeping hold",
					"payment_id", e.PaymentID, "appointment_id", e.AppointmentID)
				continue
			}
			if err := r.gateway.CancelIntent(ctx, e.GatewayIntentID); err != nil {
				r.logger.Warn("expiry sweep: intent cancel failed", "payment_id", e.PaymentID, "err", err)
			}
		}
		if err := r.engine.ExpirePending(ctx, e.PaymentID, e.AppointmentID); err != nil {
			r.logger.Error("expiry sweep: expire failed", "payment_id", e.PaymentID, "err", err)
		}
	}
}

// SweepMeetLinks provisions video rooms for consultations starting soon and
// announces them to both participants.
func (r *Runner) SweepMeetLinks(ctx context.Context) {
	if r.meetings == nil {
		return
	}
	now := r.now()
	candidates, err := r.appointments.ListNeedingMeetLink(ctx, now, now.Add(meetLinkLookahead))
	if err != nil {
		r.logger.Error("meet-link sweep: list failed", "err", err)
		return
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		meeting, err := r.meetings.CreateMeeting(ctx, c.ID, c.StartTime, c.EndTime)
		if err != nil {
			r.logger.Warn("meet-link sweep: provisioning failed", "appointment_id", c.ID, "err", err)
			continue
		}
		if err := r.assignMeetLink(ctx, c, meeting.URL); err != nil {
			r.logger.Error("meet-link sweep: assign failed", "appointment_id", c.ID, "err", err)
		}
	}
}

func (r *Runner) assignMeetLink(ctx context.Context, c storage.MeetLinkCandidate, url string) error {
	tx, err := r.appointments.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	assigned, err := r.appointments.SetMeetingURL(ctx, tx, c.ID, url)
	if err != nil {
		return err
	}
	if !assigned {
		return tx.Commit(ctx)
	}
	evt := outbox.ReminderEvent(c.ID, c.CustomerUserID, c.DermatologistUserID, c.StartTime, url)
	if err := r.events.Insert(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	tx = nil
	r.logger.Info("meeting link assigned", "appointment_id", c.ID)
	return nil
}
