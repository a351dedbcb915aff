package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/metrics"
)

type fakeSender struct {
	mu    sync.Mutex
	errs  []error
	sent  []string
	calls int
}

func (f *fakeSender) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, to+"|"+body)
	return "SM" + to, nil
}

func (f *fakeSender) count() (calls, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.sent)
}

type failures struct {
	mu  sync.Mutex
	ids []string
}

func (f *failures) HandleSendFailure(_ context.Context, offerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, offerID)
	return nil
}

func (f *failures) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) bool { return false }

var slot = ledger.Slot{
	ID:       "slot-1",
	Start:    time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC),
	Location: "Main St",
}

func newTestDispatcher(t *testing.T, s Sender, cfg Config) (*Dispatcher, *messagelog.Memory, *failures, *metrics.Metrics) {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	ml := messagelog.NewMemory()
	m := metrics.New("test")
	d := NewDispatcher(cfg, s, Templates{ClinicName: "Acme PT"}, ml, nil, m, nil)
	f := &failures{}
	d.OnFailure(f)
	return d, ml, f, m
}

func TestRenderUsesLocationAndHold(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	tpl := Templates{ClinicName: "Acme PT", Location: ny}

	body := tpl.Render(Notice{Kind: KindOffer, Slot: slot, Hold: 7 * time.Minute})
	assert.True(t, strings.HasPrefix(body, "Acme PT: "), body)
	assert.Contains(t, body, "Mar 3 at 9:30 AM EST at Main St")
	assert.Contains(t, body, "expires in 7 min")

	assert.Contains(t, tpl.Render(Notice{Kind: KindConfirmed, Slot: slot}), "Confirmed")
	assert.Equal(t, tpl.TooLate(), tpl.Render(Notice{Kind: KindSlotTaken, Slot: slot}))
	assert.Contains(t, tpl.Render(Notice{Kind: KindWithdrawn, Slot: slot}), "no longer available")
	assert.Empty(t, tpl.Render(Notice{Kind: "bogus"}))

	assert.Contains(t, Templates{}.Render(Notice{Kind: KindOffer, Slot: slot}), "expires in 1 min")
	assert.True(t, strings.HasPrefix(Templates{}.NoOffer(), "Clinic: "))
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("503"), errors.New("timeout")}}
	d, ml, f, m := newTestDispatcher(t, s, Config{Attempts: 3, From: "+15550001111"})

	d.Deliver(context.Background(), Notice{Kind: KindOffer, To: "+15550002222", OfferID: "o1", Slot: slot, Hold: 7 * time.Minute})

	calls, sent := s.count()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, sent)
	assert.Empty(t, f.list())

	entries := ml.All()
	require.Len(t, entries, 1)
	assert.Equal(t, messagelog.Outbound, entries[0].Direction)
	assert.Equal(t, "o1", entries[0].OfferID)
	assert.Equal(t, "+15550001111", entries[0].From)
	assert.Equal(t, "SM+15550002222", entries[0].ProviderSID)
	assert.Equal(t, messagelog.StatusQueued, entries[0].Status)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SendAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSent.WithLabelValues("offer", "sent")))
}

func TestDeliverPermanentErrorFailsOffer(t *testing.T) {
	s := &fakeSender{errs: []error{&PermanentError{Err: errors.New("21211 invalid number")}}}
	d, ml, f, _ := newTestDispatcher(t, s, Config{Attempts: 5})

	d.Deliver(context.Background(), Notice{Kind: KindOffer, To: "+15550002222", OfferID: "o1", Slot: slot})

	calls, _ := s.count()
	assert.Equal(t, 1, calls, "permanent errors are not retried")
	assert.Equal(t, []string{"o1"}, f.list())
	require.Len(t, ml.All(), 1)
	assert.Equal(t, messagelog.StatusFailed, ml.All()[0].Status)
	assert.Contains(t, ml.All()[0].ErrorMessage, "invalid number")
}

func TestDeliverFailureOfNonOfferIsOnlyLogged(t *testing.T) {
	s := &fakeSender{errs: []error{&PermanentError{Err: errors.New("blocked")}}}
	d, _, f, _ := newTestDispatcher(t, s, Config{})

	d.Deliver(context.Background(), Notice{Kind: KindConfirmed, To: "+15550002222", OfferID: "o1", Slot: slot})
	assert.Empty(t, f.list())
}

func TestDeliverRateLimitedFailsAfterAttempts(t *testing.T) {
	s := &fakeSender{}
	d, _, f, m := newTestDispatcher(t, s, Config{Attempts: 2, MaxPerHour: 10})
	d.limiter = denyAll{}

	d.Deliver(context.Background(), Notice{Kind: KindOffer, To: "+15550002222", OfferID: "o1", Slot: slot})

	calls, _ := s.count()
	assert.Zero(t, calls)
	assert.Equal(t, []string{"o1"}, f.list())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RateLimited.WithLabelValues("outbound")))
}

func TestDeliverAbandonedOnShutdown(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	d, _, f, _ := newTestDispatcher(t, s, Config{Attempts: 3, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	d.Deliver(ctx, Notice{Kind: KindOffer, To: "+15550002222", OfferID: "o1", Slot: slot})
	assert.Empty(t, f.list(), "hold timer resolves offers interrupted by shutdown")
}

func TestNotifyQueueFullFailsNotice(t *testing.T) {
	d, _, f, _ := newTestDispatcher(t, &fakeSender{}, Config{QueueSize: 1})

	d.Notify(context.Background(), Notice{Kind: KindOffer, To: "+1", OfferID: "o1"})
	d.Notify(context.Background(), Notice{Kind: KindOffer, To: "+2", OfferID: "o2"})

	require.Eventually(t, func() bool { return len(f.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o2"}, f.list())
}

func TestRunDeliversQueuedNotices(t *testing.T) {
	s := &fakeSender{}
	d, ml, _, _ := newTestDispatcher(t, s, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for _, to := range []string{"+1", "+2", "+3"} {
		d.Notify(ctx, Notice{Kind: KindOffer, To: to, Slot: slot})
	}
	require.Eventually(t, func() bool { _, n := s.count(); return n == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, ml.All(), 3)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDirectDeliversSynchronously(t *testing.T) {
	s := &fakeSender{}
	d, _, _, _ := newTestDispatcher(t, s, Config{})

	Direct{D: d}.Notify(context.Background(), Notice{Kind: KindConfirmed, To: "+1", Slot: slot})
	_, n := s.count()
	assert.Equal(t, 1, n)
}
