package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/skinalyze/consult/services/appointment-service/internal/lifecycle"
	"github.com/skinalyze/consult/services/appointment-service/internal/meetlink"
	"github.com/skinalyze/consult/services/appointment-service/internal/outbox"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

type fakeTx struct{ pgx.Tx }

func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }

type fakeLifecycle struct {
	resolved []string
	settled  []string
	expired  []string
	failOn   string
}

func (f *fakeLifecycle) ResolveStuck(_ context.Context, id string) error {
	if id == f.failOn {
		return errors.New("boom")
	}
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeLifecycle) Settle(_ context.Context, id string) error {
	f.settled = append(f.settled, id)
	return nil
}

func (f *fakeLifecycle) ExpirePending(_ context.Context, paymentID, _ string) error {
	f.expired = append(f.expired, paymentID)
	return nil
}

type fakeAppointments struct {
	stuck        []string
	settleable   []string
	needingLink  []storage.MeetLinkCandidate
	stuckCutoff  time.Time
	settleCutoff time.Time
	urls         map[string]string
}

func (f *fakeAppointments) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (f *fakeAppointments) ListStuckIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	f.stuckCutoff = cutoff
	return f.stuck, nil
}

func (f *fakeAppointments) ListSettleableIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	f.settleCutoff = cutoff
	return f.settleable, nil
}

func (f *fakeAppointments) ListNeedingMeetLink(context.Context, time.Time, time.Time) ([]storage.MeetLinkCandidate, error) {
	return f.needingLink, nil
}

func (f *fakeAppointments) SetMeetingURL(_ context.Context, _ pgx.Tx, id, url string) (bool, error) {
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	if _, taken := f.urls[id]; taken {
		return false, nil
	}
	f.urls[id] = url
	return true, nil
}

type fakePayments struct {
	expired []storage.ExpiredPending
}

func (f *fakePayments) ListExpiredPending(context.Context, time.Time) ([]storage.ExpiredPending, error) {
	return f.expired, nil
}

type fakeGateway struct {
	succeeded map[string]bool
	cancelled []string
}

func (f *fakeGateway) IntentSucceeded(_ context.Context, intentID string) (bool, error) {
	return f.succeeded[intentID], nil
}

func (f *fakeGateway) CancelIntent(_ context.Context, intentID string) error {
	f.cancelled = append(f.cancelled, intentID)
	return nil
}

type fakeMeetings struct {
	fail bool
}

func (f *fakeMeetings) CreateMeeting(_ context.Context, appointmentID string, _, _ time.Time) (meetlink.Meeting, error) {
	if f.fail {
		return meetlink.Meeting{}, errors.New("provider down")
	}
	return meetlink.Meeting{URL: "https://meet.example.com/" + appointmentID}, nil
}

type fakeEvents struct {
	topics []string
}

func (f *fakeEvents) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.topics = append(f.topics, evt.EventType)
	return nil
}

var sweepNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRunner(engine Lifecycle, appts *fakeAppointments, pays *fakePayments, gw Gateway, meetings meetlink.Provider, events *fakeEvents) *Runner {
	r := NewRunner(nil, engine, appts, pays, gw, meetings, events, slog.Default(), Config{})
	r.now = func() time.Time { return sweepNow }
	return r
}

func TestSweepStuckResolvesEachCandidate(t *testing.T) {
	engine := &fakeLifecycle{failOn: "appt-2"}
	appts := &fakeAppointments{stuck: []string{"appt-1", "appt-2", "appt-3"}}
	r := newRunner(engine, appts, &fakePayments{}, &fakeGateway{}, nil, &fakeEvents{})

	r.SweepStuck(context.Background())

	// One failure must not stop the rest of the batch.
	if len(engine.resolved) != 2 {
		t.Fatalf("resolved = %v", engine.resolved)
	}
	wantCutoff := sweepNow.Add(-stuckGrace)
	if !appts.stuckCutoff.Equal(wantCutoff) {
		t.Fatalf("cutoff = %s, want %s", appts.stuckCutoff, wantCutoff)
	}
}

func TestSweepSettlements(t *testing.T) {
	engine := &fakeLifecycle{}
	appts := &fakeAppointments{settleable: []string{"appt-1", "appt-2"}}
	r := newRunner(engine, appts, &fakePayments{}, &fakeGateway{}, nil, &fakeEvents{})

	r.SweepSettlements(context.Background())

	if len(engine.settled) != 2 {
		t.Fatalf("settled = %v", engine.settled)
	}
	// Only appointments whose report window closed may settle.
	wantCutoff := sweepNow.Add(-lifecycle.ReportWindow)
	if !appts.settleCutoff.Equal(wantCutoff) {
		t.Fatalf("cutoff = %s, want %s", appts.settleCutoff, wantCutoff)
	}
}

func TestExpirySweepChecksGatewayFirst(t *testing.T) {
	engine := &fakeLifecycle{}
	pays := &fakePayments{expired: []storage.ExpiredPending{
		{PaymentID: "pay-1", AppointmentID: "appt-1", GatewayIntentID: "pi_confirmed"},
		{PaymentID: "pay-2", AppointmentID: "appt-2", GatewayIntentID: "pi_dead"},
		{PaymentID: "pay-3", AppointmentID: "appt-3"},
	}}
	gw := &fakeGateway{succeeded: map[string]bool{"pi_confirmed": true}}
	r := newRunner(engine, &fakeAppointments{}, pays, gw, nil, &fakeEvents{})

	r.SweepExpiredPayments(context.Background())

	// The confirmed intent keeps its hold; the dead one is voided upstream
	// and expired locally; the plain bank transfer expires directly.
	if len(engine.expired) != 2 || engine.expired[0] != "pay-2" || engine.expired[1] != "pay-3" {
		t.Fatalf("expired = %v", engine.expired)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "pi_dead" {
		t.Fatalf("cancelled = %v", gw.cancelled)
	}
}

func TestMeetLinkSweepAssignsAndAnnounces(t *testing.T) {
	appts := &fakeAppointments{needingLink: []storage.MeetLinkCandidate{
		{ID: "appt-1", StartTime: sweepNow.Add(30 * time.Minute), EndTime: sweepNow.Add(time.Hour), CustomerUserID: "user-cust", DermatologistUserID: "user-derm"},
	}}
	events := &fakeEvents{}
	r := newRunner(&fakeLifecycle{}, appts, &fakePayments{}, &fakeGateway{}, &fakeMeetings{}, events)

	r.SweepMeetLinks(context.Background())

	if appts.urls["appt-1"] != "https://meet.example.com/appt-1" {
		t.Fatalf("url = %q", appts.urls["appt-1"])
	}
	if len(events.topics) != 1 || events.topics[0] != outbox.TopicAppointmentReminder {
		t.Fatalf("topics = %v", events.topics)
	}
}

func TestMeetLinkSweepSkipsWithoutProvider(t *testing.T) {
	appts := &fakeAppointments{needingLink: []storage.MeetLinkCandidate{{ID: "appt-1"}}}
	r := newRunner(&fakeLifecycle{}, appts, &fakePayments{}, &fakeGateway{}, nil, &fakeEvents{})

	r.SweepMeetLinks(context.Background())

	if len(appts.urls) != 0 {
		t.Fatal("no provider, no links")
	}
}

func TestMeetLinkSweepSurvivesProviderFailure(t *testing.T) {
	appts := &fakeAppointments{needingLink: []storage.MeetLinkCandidate{{ID: "appt-1"}}}
	events := &fakeEvents{}
	r := newRunner(&fakeLifecycle{}, appts, &fakePayments{}, &fakeGateway{}, &fakeMeetings{fail: true}, events)

	r.SweepMeetLinks(context.Background())

	if len(appts.urls) != 0 || len(events.topics) != 0 {
		t.Fatal("failed provisioning must not assign or announce")
	}
}
