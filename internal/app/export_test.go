package app

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/archive"
)

func sampleAt(t *testing.T, ts time.Time, price float64) archive.PriceSample {
	t.Helper()
	p := decimal.NewFromFloat(price)
	return archive.PriceSample{
		Ts:          ts,
		Code:        "BTC",
		Name:        "Bitcoin",
		Rank:        1,
		Price:       &p,
		MinuteTrend: "none",
	}
}

func TestDownsampleSamples(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]archive.PriceSample, 100)
	for i := range samples {
		samples[i] = sampleAt(t, base.Add(time.Duration(i)*time.Minute), float64(i))
	}

	got := downsampleSamples(samples, 10)
	if len(got) != 10 {
		t.Fatalf("downsampled length = %d", len(got))
	}
	if !got[0].Ts.Equal(samples[0].Ts) {
		t.Errorf("first sample = %v", got[0].Ts)
	}
	if !got[9].Ts.Equal(samples[99].Ts) {
		t.Errorf("last sample = %v", got[9].Ts)
	}

	// Fewer samples than the cap pass through untouched.
	if got := downsampleSamples(samples[:5], 10); len(got) != 5 {
		t.Errorf("short input length = %d", len(got))
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []archive.PriceSample{
		sampleAt(t, base, 50000),
		sampleAt(t, base.Add(time.Minute), 50100),
	}
	samples[1].Price = nil

	path := filepath.Join(t.TempDir(), "out", "btc.csv")
	if err := writeSamplesCSV(path, samples); err != nil {
		t.Fatalf("writeSamplesCSV: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("row count = %d", len(rows))
	}
	if rows[1][4] != "50000" {
		t.Errorf("price cell = %q", rows[1][4])
	}
	if rows[2][4] != "" {
		t.Errorf("nil price cell = %q", rows[2][4])
	}
}
