package archive

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one persisted observation of a catalog entry.
type PriceSample struct {
	Ts          time.Time
	Code        string
	Name        string
	Rank        int
	Price       *decimal.Decimal
	Change24h   *decimal.Decimal
	MinuteTrend string
	CreatedAt   time.Time
}

// StatsSample is one persisted observation of the aggregate market stats.
type StatsSample struct {
	Ts           time.Time
	MarketCap    *decimal.Decimal
	BTCDominance *decimal.Decimal
	Freq         int
	CreatedAt    time.Time
}
