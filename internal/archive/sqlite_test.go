package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/config"
)

func openTestStore(t *testing.T) SampleStore {
	t.Helper()

	store, err := Open(context.Background(), config.ArchiveConfig{
		Driver:     config.ArchiveDriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "archive.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func dec(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func TestInsertAndListPriceSamples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2018, 11, 5, 12, 0, 0, 0, time.UTC)

	samples := []PriceSample{
		{Ts: base, Code: "BTC", Name: "Bitcoin", Rank: 1, Price: dec(50000), Change24h: dec(5), MinuteTrend: "up"},
		{Ts: base, Code: "ETH", Name: "Ethereum", Rank: 2, Price: dec(3000), MinuteTrend: "none"},
		{Ts: base.Add(time.Minute), Code: "BTC", Name: "Bitcoin", Rank: 1, Price: dec(50100), Change24h: dec(5.2), MinuteTrend: "up"},
	}
	if err := store.InsertPriceSamples(ctx, samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	count, err := store.CountPriceSamples(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d", count)
	}

	recent, err := store.ListRecentPriceSamples(ctx, "BTC", 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent BTC samples = %d", len(recent))
	}
	if !recent[0].Ts.After(recent[1].Ts) {
		t.Error("recent samples must come newest first")
	}
	if recent[0].Price == nil || !recent[0].Price.Equal(decimal.NewFromInt(50100)) {
		t.Errorf("latest price = %v", recent[0].Price)
	}

	window, err := store.ListPriceSamplesBetween(ctx, "ETH", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list between: %v", err)
	}
	if len(window) != 1 {
		t.Fatalf("windowed ETH samples = %d", len(window))
	}
	if window[0].Change24h != nil {
		t.Error("absent change must stay nil")
	}
}

func TestInsertPriceSamplesUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2018, 11, 5, 12, 0, 0, 0, time.UTC)

	first := []PriceSample{{Ts: ts, Code: "BTC", Name: "Bitcoin", Rank: 1, Price: dec(50000), MinuteTrend: "up"}}
	second := []PriceSample{{Ts: ts, Code: "BTC", Name: "Bitcoin", Rank: 2, Price: dec(50500), MinuteTrend: "down"}}

	if err := store.InsertPriceSamples(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertPriceSamples(ctx, second); err != nil {
		t.Fatal(err)
	}

	count, _ := store.CountPriceSamples(ctx)
	if count != 1 {
		t.Fatalf("count after upsert = %d", count)
	}
	recent, _ := store.ListRecentPriceSamples(ctx, "BTC", 1)
	if recent[0].Rank != 2 || recent[0].MinuteTrend != "down" {
		t.Errorf("upsert did not replace fields: %+v", recent[0])
	}
}

func TestStatsSamplesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2018, 11, 5, 12, 0, 0, 0, time.UTC)

	err := store.InsertStatsSample(ctx, StatsSample{
		Ts: ts, MarketCap: dec(2e12), BTCDominance: dec(48.5), Freq: 60,
	})
	if err != nil {
		t.Fatalf("insert stats: %v", err)
	}

	samples, err := store.ListStatsSamplesBetween(ctx, ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("list stats: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("stats samples = %d", len(samples))
	}
	if samples[0].Freq != 60 || samples[0].BTCDominance == nil {
		t.Errorf("restored stats = %+v", samples[0])
	}
}

func TestDeleteSamplesBefore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2018, 11, 5, 0, 0, 0, 0, time.UTC)

	_ = store.InsertPriceSamples(ctx, []PriceSample{
		{Ts: old, Code: "BTC", Name: "Bitcoin", MinuteTrend: "none"},
		{Ts: recent, Code: "BTC", Name: "Bitcoin", MinuteTrend: "none"},
	})

	if err := store.DeleteSamplesBefore(ctx, recent); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, _ := store.CountPriceSamples(ctx)
	if count != 1 {
		t.Errorf("count after retention = %d", count)
	}
}

func TestOffDriverDiscards(t *testing.T) {
	store, err := Open(context.Background(), config.ArchiveConfig{Driver: config.ArchiveDriverOff}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.InsertPriceSamples(context.Background(), []PriceSample{{Code: "BTC"}}); err != nil {
		t.Errorf("nop insert: %v", err)
	}
	count, err := store.CountPriceSamples(context.Background())
	if err != nil || count != 0 {
		t.Errorf("nop count = %d, err = %v", count, err)
	}
}
