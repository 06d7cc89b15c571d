package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/config"
)

const (
	pgSchemaSQL = `CREATE TABLE IF NOT EXISTS price_samples (
        ts           TIMESTAMPTZ NOT NULL,
        code         TEXT        NOT NULL,
        name         TEXT        NOT NULL,
        rank         INTEGER     NOT NULL DEFAULT 0,
        price        TEXT,
        change_24h   TEXT,
        minute_trend TEXT        NOT NULL DEFAULT 'none',
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (ts, code)
    );
    CREATE INDEX IF NOT EXISTS price_samples_code_ts ON price_samples (code, ts DESC);
    CREATE TABLE IF NOT EXISTS stats_samples (
        ts            TIMESTAMPTZ NOT NULL PRIMARY KEY,
        market_cap    TEXT,
        btc_dominance TEXT,
        freq          INTEGER     NOT NULL DEFAULT 0,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	pgInsertPriceSampleSQL = `INSERT INTO price_samples (
        ts, code, name, rank, price, change_24h, minute_trend
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (ts, code) DO UPDATE
    SET name         = EXCLUDED.name,
        rank         = EXCLUDED.rank,
        price        = EXCLUDED.price,
        change_24h   = EXCLUDED.change_24h,
        minute_trend = EXCLUDED.minute_trend;`

	pgListRecentPriceSamplesSQL = `SELECT
        ts, code, name, rank, price, change_24h, minute_trend, created_at
    FROM price_samples
    WHERE code = $1
    ORDER BY ts DESC
    LIMIT $2;`

	pgListPriceSamplesBetweenSQL = `SELECT
        ts, code, name, rank, price, change_24h, minute_trend, created_at
    FROM price_samples
    WHERE code = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	pgCountPriceSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	pgInsertStatsSampleSQL = `INSERT INTO stats_samples (
        ts, market_cap, btc_dominance, freq
    ) VALUES ($1,$2,$3,$4)
    ON CONFLICT (ts) DO UPDATE
    SET market_cap    = EXCLUDED.market_cap,
        btc_dominance = EXCLUDED.btc_dominance,
        freq          = EXCLUDED.freq;`

	pgListStatsSamplesBetweenSQL = `SELECT
        ts, market_cap, btc_dominance, freq, created_at
    FROM stats_samples
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	pgDeletePriceSamplesBeforeSQL = `DELETE FROM price_samples WHERE ts < $1;`
	pgDeleteStatsSamplesBeforeSQL = `DELETE FROM stats_samples WHERE ts < $1;`
)

// postgresStore archives samples in PostgreSQL through a pgx pool.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ SampleStore = (*postgresStore)(nil)

func openPostgres(ctx context.Context, cfg config.ArchiveConfig, logger zerolog.Logger) (*postgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	return &postgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "archive").Str("driver", "postgres").Logger(),
	}, nil
}

func (s *postgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertPriceSamples persists one poll's worth of samples in a batch.
func (s *postgresStore) InsertPriceSamples(ctx context.Context, samples []PriceSample) error {
	if len(samples) == 0 {
		return nil
	}

	for _, sample := range samples {
		_, err := s.pool.Exec(ctx, pgInsertPriceSampleSQL,
			sample.Ts,
			sample.Code,
			sample.Name,
			sample.Rank,
			decimalText(sample.Price),
			decimalText(sample.Change24h),
			sample.MinuteTrend,
		)
		if err != nil {
			return fmt.Errorf("insert price sample: %w", err)
		}
	}
	return nil
}

// ListRecentPriceSamples lists the newest samples for one symbol.
func (s *postgresStore) ListRecentPriceSamples(ctx context.Context, code string, limit int) ([]PriceSample, error) {
	rows, err := s.pool.Query(ctx, pgListRecentPriceSamplesSQL, code, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent price samples: %w", err)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0, limit)
	for rows.Next() {
		var (
			sample    PriceSample
			price     *string
			change24h *string
		)
		if err := rows.Scan(&sample.Ts, &sample.Code, &sample.Name, &sample.Rank,
			&price, &change24h, &sample.MinuteTrend, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		sample.Price = decimalFromText(price)
		sample.Change24h = decimalFromText(change24h)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// ListPriceSamplesBetween lists one symbol's samples within a time window.
func (s *postgresStore) ListPriceSamplesBetween(ctx context.Context, code string, from, to time.Time) ([]PriceSample, error) {
	rows, err := s.pool.Query(ctx, pgListPriceSamplesBetweenSQL, code, from, to)
	if err != nil {
		return nil, fmt.Errorf("list price samples between: %w", err)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var (
			sample    PriceSample
			price     *string
			change24h *string
		)
		if err := rows.Scan(&sample.Ts, &sample.Code, &sample.Name, &sample.Rank,
			&price, &change24h, &sample.MinuteTrend, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		sample.Price = decimalFromText(price)
		sample.Change24h = decimalFromText(change24h)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// CountPriceSamples counts stored price samples.
func (s *postgresStore) CountPriceSamples(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, pgCountPriceSamplesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count price samples: %w", err)
	}
	return count, nil
}

// InsertStatsSample persists one aggregate stats observation.
func (s *postgresStore) InsertStatsSample(ctx context.Context, sample StatsSample) error {
	_, err := s.pool.Exec(ctx, pgInsertStatsSampleSQL,
		sample.Ts,
		decimalText(sample.MarketCap),
		decimalText(sample.BTCDominance),
		sample.Freq,
	)
	if err != nil {
		return fmt.Errorf("insert stats sample: %w", err)
	}
	return nil
}

// ListStatsSamplesBetween lists stats observations within a time window.
func (s *postgresStore) ListStatsSamplesBetween(ctx context.Context, from, to time.Time) ([]StatsSample, error) {
	rows, err := s.pool.Query(ctx, pgListStatsSamplesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list stats samples between: %w", err)
	}
	defer rows.Close()

	samples := make([]StatsSample, 0)
	for rows.Next() {
		var (
			sample    StatsSample
			cap       *string
			dominance *string
		)
		if err := rows.Scan(&sample.Ts, &cap, &dominance, &sample.Freq, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stats sample: %w", err)
		}
		sample.MarketCap = decimalFromText(cap)
		sample.BTCDominance = decimalFromText(dominance)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// DeleteSamplesBefore drops samples older than the retention horizon.
func (s *postgresStore) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) error {
	if _, err := s.pool.Exec(ctx, pgDeletePriceSamplesBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete price samples: %w", err)
	}
	if _, err := s.pool.Exec(ctx, pgDeleteStatsSamplesBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete stats samples: %w", err)
	}
	return nil
}

func decimalText(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalFromText(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
