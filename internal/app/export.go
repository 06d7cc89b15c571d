package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"marketsync/internal/archive"
	"marketsync/internal/config"
)

// Export renders archived price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if a.Config.Archive.Driver == config.ArchiveDriverOff {
		return errors.New("archive disabled; cannot export")
	}
	if opts.Code == "" {
		return errors.New("a currency code is required")
	}

	if opts.MaxPoints <= 0 {
		opts.MaxPoints = a.Config.Export.MaxDataPoints
	}

	store, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	// Samples arrive roughly once a minute at the default cadence.
	from := to.Add(-time.Duration(opts.MaxPoints) * time.Minute)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListPriceSamplesBetween(ctx, opts.Code, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("code", opts.Code).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, opts.Code, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []archive.PriceSample, max int) []archive.PriceSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]archive.PriceSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []archive.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "code", "name", "rank", "price", "change_24h_pct", "minute_trend"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		price := ""
		if sample.Price != nil {
			price = sample.Price.String()
		}
		change := ""
		if sample.Change24h != nil {
			change = sample.Change24h.String()
		}
		record := []string{
			sample.Ts.Format(time.RFC3339),
			sample.Code,
			sample.Name,
			fmtInt(sample.Rank),
			price,
			change,
			sample.MinuteTrend,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path, code string, samples []archive.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(samples))
	price := make([]float64, 0, len(samples))
	change := make([]float64, 0, len(samples))

	for _, sample := range samples {
		if sample.Price == nil {
			continue
		}
		x = append(x, sample.Ts)
		price = append(price, sample.Price.InexactFloat64())
		if sample.Change24h != nil {
			change = append(change, sample.Change24h.InexactFloat64())
		} else {
			change = append(change, 0)
		}
	}
	if len(x) < 2 {
		return errors.New("not enough priced samples to chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + code + "/USD)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "24h Change (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "24h Change %",
				XValues: x,
				YValues: change,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func fmtInt(v int) string {
	return strconv.Itoa(v)
}
