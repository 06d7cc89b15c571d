package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/archive"
	"marketsync/internal/config"
	"marketsync/internal/event"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) record(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// memStore is an in-memory SampleStore recording every insert.
type memStore struct {
	mu     sync.Mutex
	prices []archive.PriceSample
	stats  []archive.StatsSample
}

func (m *memStore) InsertPriceSamples(_ context.Context, samples []archive.PriceSample) error {
	m.mu.Lock()
	m.prices = append(m.prices, samples...)
	m.mu.Unlock()
	return nil
}

func (m *memStore) InsertStatsSample(_ context.Context, sample archive.StatsSample) error {
	m.mu.Lock()
	m.stats = append(m.stats, sample)
	m.mu.Unlock()
	return nil
}

func (m *memStore) ListRecentPriceSamples(context.Context, string, int) ([]archive.PriceSample, error) {
	return nil, nil
}

func (m *memStore) ListPriceSamplesBetween(context.Context, string, time.Time, time.Time) ([]archive.PriceSample, error) {
	return nil, nil
}

func (m *memStore) CountPriceSamples(context.Context) (int64, error) { return 0, nil }

func (m *memStore) ListStatsSamplesBetween(context.Context, time.Time, time.Time) ([]archive.StatsSample, error) {
	return nil, nil
}

func (m *memStore) DeleteSamplesBefore(context.Context, time.Time) error { return nil }

func (m *memStore) Close() {}

func (m *memStore) priceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prices)
}

func (m *memStore) statsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stats)
}

var _ archive.SampleStore = (*memStore)(nil)

func newTestOrchestrator(t *testing.T, clock clockwork.Clock, pricesURL, remoteURL string) (*Orchestrator, *eventRecorder, *memStore) {
	t.Helper()

	cfg := config.Config{}
	cfg.App.DataDir = t.TempDir()
	cfg.Network.Timeout = 2 * time.Second
	cfg.Network.UserAgent = "marketsync-test"
	cfg.Prices.BaseURL = pricesURL
	cfg.Remote.BaseURL = remoteURL
	cfg.Sync.ValuesPageSize = 10

	bus := event.NewBus(zerolog.Nop())
	rec := &eventRecorder{}
	bus.Subscribe(rec.record)

	store := &memStore{}
	orch, err := New(cfg, bus, store, zerolog.Nop(), Options{Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orch, rec, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const namesBody = `{
	"success": true,
	"coinsUrlBase": "https://coins.test/",
	"coinsIcon32Base": "https://i/",
	"data": [
		{"type": "coin", "name": "Bitcoin", "code": "BTC", "icon": "btc.png"},
		{"type": "coin", "name": "Ethereum", "code": "ETH", "icon": "eth.png"}
	]
}`

const valuesBody = `{
	"success": true,
	"total": 2,
	"data": [
		{"code": "BTC", "name": "Bitcoin", "rank": 1, "price": 50000,
		 "delta": {"day": 1.05, "minute": 0.9995}},
		{"code": "ETH", "name": "Ethereum", "rank": 2, "price": 3000,
		 "delta": {"day": 0.98, "minute": 1.0002}}
	]
}`

const statsBody = `{"success": true, "cap": 2000000000000, "btcDominance": 48.5, "freq": 60}`

func TestDeprecatedNoticeRateLimit(t *testing.T) {
	var hits atomic.Int64
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer remote.Close()

	clock := clockwork.NewFakeClock()
	orch, rec, _ := newTestOrchestrator(t, clock, "https://prices.invalid", remote.URL)
	ctx := context.Background()

	orch.PollResources(ctx)
	waitFor(t, "first notice", func() bool { return rec.count(event.TypeDeprecatedAPI) == 1 })

	// A second deprecated completion while the notice is up stays silent.
	orch.PollPinnedNews(ctx)
	waitFor(t, "second hit", func() bool { return hits.Load() == 2 })
	if got := rec.count(event.TypeDeprecatedAPI); got != 1 {
		t.Fatalf("notice count after second 410 = %d, want 1", got)
	}

	// Dismissing re-arms the flag but the cooldown still holds.
	orch.DismissDeprecatedNotice()
	orch.PollResources(ctx)
	waitFor(t, "third hit", func() bool { return hits.Load() == 3 })
	if got := rec.count(event.TypeDeprecatedAPI); got != 1 {
		t.Fatalf("notice count inside cooldown = %d, want 1", got)
	}

	clock.Advance(2*time.Hour + time.Second)
	orch.PollResources(ctx)
	waitFor(t, "second notice", func() bool { return rec.count(event.TypeDeprecatedAPI) == 2 })
}

func TestValuePollArchivesSamples(t *testing.T) {
	prices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/currencies":
			w.Write([]byte(namesBody))
		case "/coins":
			w.Write([]byte(valuesBody))
		case "/stats":
			w.Write([]byte(statsBody))
		default:
			http.NotFound(w, r)
		}
	}))
	defer prices.Close()

	clock := clockwork.NewFakeClock()
	orch, rec, store := newTestOrchestrator(t, clock, prices.URL, "https://remote.invalid")
	ctx := context.Background()

	// A value poll before the name list arrives archives nothing.
	orch.PollValues(ctx)
	if got := store.priceCount(); got != 0 {
		t.Fatalf("archived %d samples before names were fetched", got)
	}

	orch.PollNames(ctx)
	waitFor(t, "names", func() bool { return orch.Catalog().NamesFetched() })

	orch.PollValues(ctx)
	waitFor(t, "price samples", func() bool { return store.priceCount() == 2 })
	waitFor(t, "stats sample", func() bool { return store.statsCount() == 1 })

	store.mu.Lock()
	sample := store.prices[0]
	store.mu.Unlock()
	if sample.Code != "BTC" || sample.Rank != 1 {
		t.Errorf("sample = %+v", sample)
	}
	if sample.Price == nil || !sample.Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("sample price = %v", sample.Price)
	}
	if sample.Ts.IsZero() {
		t.Error("sample timestamp not set")
	}

	if rec.count(event.TypeValuesUpdated) == 0 {
		t.Error("no values-updated event published")
	}
}

func TestValuePollRetriesNameFetch(t *testing.T) {
	var nameHits atomic.Int64
	prices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/currencies" {
			http.NotFound(w, r)
			return
		}
		nameHits.Add(1)
		w.Write([]byte(namesBody))
	}))
	defer prices.Close()

	orch, _, store := newTestOrchestrator(t, clockwork.NewFakeClock(), prices.URL, "https://remote.invalid")
	ctx := context.Background()

	// Without a name list the value tick falls back to a name fetch.
	orch.PollValues(ctx)
	waitFor(t, "name retry", func() bool { return orch.Catalog().NamesFetched() })
	if got := nameHits.Load(); got != 1 {
		t.Fatalf("name fetches = %d, want 1", got)
	}
	if got := store.priceCount(); got != 0 {
		t.Fatalf("archived %d samples from the fallback round", got)
	}
}

func TestCheckForUpdates(t *testing.T) {
	body := `{"success": true, "version": "9.9.9", "url": "https://example.test/dl"}`
	var mu sync.Mutex
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Write([]byte(body))
	}))
	defer remote.Close()

	orch, rec, _ := newTestOrchestrator(t, clockwork.NewFakeClock(), "https://prices.invalid", remote.URL)
	ctx := context.Background()

	orch.CheckForUpdates(ctx)
	waitFor(t, "update event", func() bool { return rec.count(event.TypeUpdateAvailable) == 1 })

	// The running version is not an update.
	mu.Lock()
	body = `{"success": true, "version": "dev"}`
	mu.Unlock()
	orch.CheckForUpdates(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(event.TypeUpdateAvailable); got != 1 {
		t.Fatalf("update event count = %d, want 1", got)
	}
}

func TestSearchLifecycle(t *testing.T) {
	prices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/currencies" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(namesBody))
	}))
	defer prices.Close()

	orch, _, _ := newTestOrchestrator(t, clockwork.NewFakeClock(), prices.URL, "https://remote.invalid")
	ctx := context.Background()

	orch.PollNames(ctx)
	waitFor(t, "names", func() bool { return orch.Catalog().NamesFetched() })

	orch.SetSearchText(ctx, "bit")
	waitFor(t, "search results", func() bool { return orch.Catalog().Count() > 0 })

	orch.SetSearchText(ctx, "")
	if orch.Catalog().IsSearching() {
		t.Fatal("search still active after clearing the text")
	}
}

func TestPortSettingsFlagPersists(t *testing.T) {
	cfg := config.Config{}
	cfg.App.DataDir = t.TempDir()
	cfg.Network.Timeout = time.Second
	cfg.Prices.BaseURL = "https://prices.invalid"
	cfg.Remote.BaseURL = "https://remote.invalid"
	cfg.Sync.ValuesPageSize = 10

	bus := event.NewBus(zerolog.Nop())
	first, err := New(cfg, bus, &memStore{}, zerolog.Nop(), Options{Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.portSettings()
	if !first.settingsPorted {
		t.Fatal("flag not set on first run")
	}

	second, err := New(cfg, bus, &memStore{}, zerolog.Nop(), Options{Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second.portSettings()
	if !second.appCfg.GetBool("metadata.settings_ported") {
		t.Fatal("flag not persisted across instances")
	}
}
