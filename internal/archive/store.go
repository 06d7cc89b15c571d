package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/config"
)

// ErrNotConfigured indicates the archive backend was not initialised.
var ErrNotConfigured = errors.New("archive: store not configured")

// SampleStore defines operations for sample persistence.
type SampleStore interface {
	InsertPriceSamples(ctx context.Context, samples []PriceSample) error
	ListRecentPriceSamples(ctx context.Context, code string, limit int) ([]PriceSample, error)
	ListPriceSamplesBetween(ctx context.Context, code string, from, to time.Time) ([]PriceSample, error)
	CountPriceSamples(ctx context.Context) (int64, error)
	InsertStatsSample(ctx context.Context, sample StatsSample) error
	ListStatsSamplesBetween(ctx context.Context, from, to time.Time) ([]StatsSample, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) error
	Close()
}

// Open constructs the sample store selected by the archive driver. The off
// driver yields a store that accepts writes and returns nothing.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger zerolog.Logger) (SampleStore, error) {
	switch cfg.Driver {
	case config.ArchiveDriverOff:
		return nopStore{}, nil
	case config.ArchiveDriverSQLite:
		return openSQLite(cfg.SQLitePath, logger)
	case config.ArchiveDriverPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", cfg.Driver)
	}
}

// nopStore discards samples when archiving is disabled.
type nopStore struct{}

func (nopStore) InsertPriceSamples(context.Context, []PriceSample) error { return nil }
func (nopStore) ListRecentPriceSamples(context.Context, string, int) ([]PriceSample, error) {
	return nil, nil
}
func (nopStore) ListPriceSamplesBetween(context.Context, string, time.Time, time.Time) ([]PriceSample, error) {
	return nil, nil
}
func (nopStore) CountPriceSamples(context.Context) (int64, error)      { return 0, nil }
func (nopStore) InsertStatsSample(context.Context, StatsSample) error  { return nil }
func (nopStore) ListStatsSamplesBetween(context.Context, time.Time, time.Time) ([]StatsSample, error) {
	return nil, nil
}
func (nopStore) DeleteSamplesBefore(context.Context, time.Time) error { return nil }
func (nopStore) Close()                                               {}
