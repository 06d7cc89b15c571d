package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/config"
)

// Show prints recent archived samples for one code.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if a.Config.Archive.Driver == config.ArchiveDriverOff {
		return errors.New("archive disabled; cannot show samples")
	}
	if opts.Code == "" {
		return errors.New("a currency code is required")
	}

	store, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	samples, err := store.ListRecentPriceSamples(ctx, opts.Code, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCode\tRank\tPrice\tChange24h%\tTrend")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\n",
			sample.Ts.UTC().Format(time.RFC3339),
			sample.Code,
			sample.Rank,
			formatDecimal(sample.Price, 4),
			formatDecimal(sample.Change24h, 2),
			sample.MinuteTrend,
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "N/A"
	}
	return d.StringFixed(places)
}
