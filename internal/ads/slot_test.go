package ads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"marketsync/internal/event"
	"marketsync/internal/fetcher"
)

type adServer struct {
	*httptest.Server
	queries chan string
	bodies  []string
	calls   atomic.Int32
}

// newAdServer replies with bodies in order, repeating the last one, and
// records each request's query string.
func newAdServer(t *testing.T, bodies ...string) *adServer {
	t.Helper()

	s := &adServer{queries: make(chan string, 16), bodies: bodies}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		if n >= len(s.bodies) {
			n = len(s.bodies) - 1
		}
		s.queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.bodies[n]))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *adServer) waitQuery(t *testing.T) string {
	t.Helper()
	select {
	case q := <-s.queries:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an ad request")
		return ""
	}
}

func (s *adServer) expectNoQuery(t *testing.T) {
	t.Helper()
	select {
	case q := <-s.queries:
		t.Fatalf("unexpected ad request with query %q", q)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestSlot(t *testing.T, baseURL string, clock clockwork.Clock) (*Slot, *eventRecorder) {
	t.Helper()

	bus := event.NewBus(zerolog.Nop())
	rec := &eventRecorder{events: make(chan event.Event, 16)}
	bus.Subscribe(rec.record)

	client := fetcher.New(fetcher.Options{Timeout: 2 * time.Second}, zerolog.Nop())
	return NewSlot(Options{BaseURL: baseURL, Clock: clock}, client, bus, zerolog.Nop()), rec
}

type eventRecorder struct {
	events chan event.Event
}

func (r *eventRecorder) record(e event.Event) {
	r.events <- e
}

const validAd = `{"success": true, "ad": {"_id": "a1", "text": "Trade now", "url": "https://ads.test/a1", "duration": 30}}`

func TestStartInstallsValidAd(t *testing.T) {
	srv := newAdServer(t, validAd)
	slot, rec := newTestSlot(t, srv.URL, clockwork.NewFakeClock())

	slot.Start(context.Background())

	if q := srv.waitQuery(t); q != "" {
		t.Errorf("fresh fetch must not carry a last id, query = %q", q)
	}

	ad := slot.Current()
	if ad.ID != "a1" || ad.Text != "Trade now" || ad.URL != "https://ads.test/a1" {
		t.Errorf("installed ad = %+v", ad)
	}
	if ad.Duration != 30 {
		t.Errorf("duration = %d", ad.Duration)
	}

	select {
	case e := <-rec.events:
		if e.Type != event.TypeAdChanged {
			t.Errorf("event type = %v", e.Type)
		}
	default:
		t.Error("expected an ad-changed event")
	}
}

func TestMissingDurationFallsBack(t *testing.T) {
	srv := newAdServer(t, `{"success": true, "ad": {"_id": "a1", "text": "x", "url": "https://ads.test"}}`)
	slot, _ := newTestSlot(t, srv.URL, clockwork.NewFakeClock())

	slot.Start(context.Background())
	srv.waitQuery(t)

	if got := slot.Current().Duration; got != DefaultDuration {
		t.Errorf("duration = %d, want default %d", got, DefaultDuration)
	}
}

func TestInvalidAdRetriesWithoutExcluding(t *testing.T) {
	srv := newAdServer(t,
		validAd,
		`{"success": true, "ad": {"_id": "a2", "text": "no url"}}`,
		validAd,
	)
	clock := clockwork.NewFakeClock()
	slot, _ := newTestSlot(t, srv.URL, clock)
	slot.SetWindowActive(true)

	slot.Start(context.Background())
	srv.waitQuery(t)

	// Second round excludes the displayed ad; the reply is invalid.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	if q := srv.waitQuery(t); q != "last=a1" {
		t.Errorf("second fetch query = %q, want last=a1", q)
	}
	if slot.Current().ID != "a1" {
		t.Error("invalid payload must leave the slot unchanged")
	}

	// The retry asks for a fresh pick instead of excluding again.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	if q := srv.waitQuery(t); q != "" {
		t.Errorf("retry query = %q, want no last id", q)
	}
}

func TestInactiveWindowDefersRotationOnce(t *testing.T) {
	srv := newAdServer(t, validAd)
	clock := clockwork.NewFakeClock()
	slot, _ := newTestSlot(t, srv.URL, clock)

	slot.Start(context.Background())
	srv.waitQuery(t)

	// Timer fires while the window is inactive: the fetch is parked.
	clock.Advance(30 * time.Second)
	srv.expectNoQuery(t)

	slot.SetWindowActive(true)
	srv.waitQuery(t)

	// Re-activating must not fire the parked fetch twice.
	slot.SetWindowActive(false)
	slot.SetWindowActive(true)
	srv.expectNoQuery(t)
}

func TestPaidClearsSlotAndStopsRotation(t *testing.T) {
	srv := newAdServer(t, validAd)
	clock := clockwork.NewFakeClock()
	slot, _ := newTestSlot(t, srv.URL, clock)
	slot.SetWindowActive(true)

	slot.Start(context.Background())
	srv.waitQuery(t)

	slot.SetPaid(context.Background(), true)
	if !slot.Current().IsEmpty() {
		t.Error("paid flag must clear the slot")
	}

	clock.Advance(30 * time.Second)
	srv.expectNoQuery(t)
}

func TestTransportFailureReschedules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	slot, _ := newTestSlot(t, "http://127.0.0.1:1", clock)
	slot.SetWindowActive(true)

	slot.Start(context.Background())

	if !slot.Current().IsEmpty() {
		t.Error("transport failure must not install an ad")
	}
	if slot.timer == nil {
		t.Error("transport failure must reschedule the rotation")
	}
}
