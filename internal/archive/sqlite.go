package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

const (
	sqliteSchemaSQL = `CREATE TABLE IF NOT EXISTS price_samples (
        ts           TIMESTAMP NOT NULL,
        code         TEXT      NOT NULL,
        name         TEXT      NOT NULL,
        rank         INTEGER   NOT NULL DEFAULT 0,
        price        TEXT,
        change_24h   TEXT,
        minute_trend TEXT      NOT NULL DEFAULT 'none',
        created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (ts, code)
    );
    CREATE INDEX IF NOT EXISTS price_samples_code_ts ON price_samples (code, ts DESC);
    CREATE TABLE IF NOT EXISTS stats_samples (
        ts            TIMESTAMP NOT NULL PRIMARY KEY,
        market_cap    TEXT,
        btc_dominance TEXT,
        freq          INTEGER   NOT NULL DEFAULT 0,
        created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );`

	sqliteInsertPriceSampleSQL = `INSERT INTO price_samples (
        ts, code, name, rank, price, change_24h, minute_trend
    ) VALUES (?,?,?,?,?,?,?)
    ON CONFLICT (ts, code) DO UPDATE
    SET name         = excluded.name,
        rank         = excluded.rank,
        price        = excluded.price,
        change_24h   = excluded.change_24h,
        minute_trend = excluded.minute_trend;`

	sqliteListRecentPriceSamplesSQL = `SELECT
        ts, code, name, rank, price, change_24h, minute_trend, created_at
    FROM price_samples
    WHERE code = ?
    ORDER BY ts DESC
    LIMIT ?;`

	sqliteListPriceSamplesBetweenSQL = `SELECT
        ts, code, name, rank, price, change_24h, minute_trend, created_at
    FROM price_samples
    WHERE code = ?
      AND ts >= ?
      AND ts < ?
    ORDER BY ts;`

	sqliteCountPriceSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	sqliteInsertStatsSampleSQL = `INSERT INTO stats_samples (
        ts, market_cap, btc_dominance, freq
    ) VALUES (?,?,?,?)
    ON CONFLICT (ts) DO UPDATE
    SET market_cap    = excluded.market_cap,
        btc_dominance = excluded.btc_dominance,
        freq          = excluded.freq;`

	sqliteListStatsSamplesBetweenSQL = `SELECT
        ts, market_cap, btc_dominance, freq, created_at
    FROM stats_samples
    WHERE ts >= ?
      AND ts < ?
    ORDER BY ts;`

	sqliteDeletePriceSamplesBeforeSQL = `DELETE FROM price_samples WHERE ts < ?;`
	sqliteDeleteStatsSamplesBeforeSQL = `DELETE FROM stats_samples WHERE ts < ?;`
)

// sqliteStore archives samples in a local SQLite file. It is the default
// backend: zero-setup and good enough for a single desktop-class daemon.
type sqliteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ SampleStore = (*sqliteStore)(nil)

func openSQLite(path string, logger zerolog.Logger) (*sqliteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("archive.sqlite_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	// The pure-Go driver serialises writes itself; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	return &sqliteStore{
		db:     db,
		logger: logger.With().Str("component", "archive").Str("driver", "sqlite").Logger(),
	}, nil
}

func (s *sqliteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// InsertPriceSamples persists one poll's worth of samples in a single
// transaction.
func (s *sqliteStore) InsertPriceSamples(ctx context.Context, samples []PriceSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sample := range samples {
		_, err := tx.ExecContext(ctx, sqliteInsertPriceSampleSQL,
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
	return tx.Commit()
}

// ListRecentPriceSamples lists the newest samples for one symbol.
func (s *sqliteStore) ListRecentPriceSamples(ctx context.Context, code string, limit int) ([]PriceSample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListRecentPriceSamplesSQL, code, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent price samples: %w", err)
	}
	defer rows.Close()
	return scanPriceSamples(rows, limit)
}

// ListPriceSamplesBetween lists one symbol's samples within a time window.
func (s *sqliteStore) ListPriceSamplesBetween(ctx context.Context, code string, from, to time.Time) ([]PriceSample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListPriceSamplesBetweenSQL, code, from, to)
	if err != nil {
		return nil, fmt.Errorf("list price samples between: %w", err)
	}
	defer rows.Close()
	return scanPriceSamples(rows, 0)
}

func scanPriceSamples(rows *sql.Rows, sizeHint int) ([]PriceSample, error) {
	samples := make([]PriceSample, 0, sizeHint)
	for rows.Next() {
		var (
			sample    PriceSample
			price     sql.NullString
			change24h sql.NullString
		)
		if err := rows.Scan(&sample.Ts, &sample.Code, &sample.Name, &sample.Rank,
			&price, &change24h, &sample.MinuteTrend, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		if price.Valid {
			sample.Price = decimalFromText(&price.String)
		}
		if change24h.Valid {
			sample.Change24h = decimalFromText(&change24h.String)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// CountPriceSamples counts stored price samples.
func (s *sqliteStore) CountPriceSamples(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, sqliteCountPriceSamplesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count price samples: %w", err)
	}
	return count, nil
}

// InsertStatsSample persists one aggregate stats observation.
func (s *sqliteStore) InsertStatsSample(ctx context.Context, sample StatsSample) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertStatsSampleSQL,
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
func (s *sqliteStore) ListStatsSamplesBetween(ctx context.Context, from, to time.Time) ([]StatsSample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListStatsSamplesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list stats samples between: %w", err)
	}
	defer rows.Close()

	samples := make([]StatsSample, 0)
	for rows.Next() {
		var (
			sample    StatsSample
			cap       sql.NullString
			dominance sql.NullString
		)
		if err := rows.Scan(&sample.Ts, &cap, &dominance, &sample.Freq, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stats sample: %w", err)
		}
		if cap.Valid {
			sample.MarketCap = decimalFromText(&cap.String)
		}
		if dominance.Valid {
			sample.BTCDominance = decimalFromText(&dominance.String)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// DeleteSamplesBefore drops samples older than the retention horizon.
func (s *sqliteStore) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeletePriceSamplesBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete price samples: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteDeleteStatsSamplesBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete stats samples: %w", err)
	}
	return nil
}
