package prices

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// Direction is the short-interval price trend.
type Direction int

const (
	TrendNone Direction = iota
	TrendUp
	TrendDown
)

// String names the trend for logs and snapshots.
func (d Direction) String() string {
	switch d {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "none"
	}
}

// directionFromChange buckets a percent change into a trend. A missing or
// exact-zero change maps to none; no deadband is applied.
func directionFromChange(change *decimal.Decimal) Direction {
	if change == nil {
		return TrendNone
	}
	switch change.Sign() {
	case 1:
		return TrendUp
	case -1:
		return TrendDown
	default:
		return TrendNone
	}
}

// Key is the composite identity of a catalog entry. Both parts are
// case-sensitive.
type Key struct {
	Name string
	Code string
}

// Entry is one tracked asset in the catalog. The catalog is its sole
// mutator; external readers receive View copies.
type Entry struct {
	Name    string
	Code    string
	URL     string
	IconURL string

	// Rank 0 means unranked and sorts after every ranked entry.
	Rank        int
	Price       *decimal.Decimal
	Change24h   *decimal.Decimal
	MinuteTrend Direction
	Favorite    bool

	// Icon bytes are fetched lazily and live independently of the
	// entry's dynamic fields.
	Icon []byte
}

// Key returns the entry identity.
func (e *Entry) Key() Key {
	return Key{Name: e.Name, Code: e.Code}
}

// View is a read-only copy of an entry handed to observers.
type View struct {
	Name        string           `json:"name"`
	Code        string           `json:"code"`
	URL         string           `json:"url"`
	IconURL     string           `json:"iconUrl"`
	Rank        int              `json:"rank"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Change24h   *decimal.Decimal `json:"change24h,omitempty"`
	MinuteTrend string           `json:"minuteTrend"`
	Favorite    bool             `json:"favorite"`
	HasIcon     bool             `json:"hasIcon"`
}

func (e *Entry) view() View {
	return View{
		Name:        e.Name,
		Code:        e.Code,
		URL:         e.URL,
		IconURL:     e.IconURL,
		Rank:        e.Rank,
		Price:       copyDecimal(e.Price),
		Change24h:   copyDecimal(e.Change24h),
		MinuteTrend: e.MinuteTrend.String(),
		Favorite:    e.Favorite,
		HasIcon:     len(e.Icon) > 0,
	}
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

var nonWordRe = regexp.MustCompile(`\W`)

// synthesizeURL builds the canonical asset page address when the name feed
// does not provide one: base + name + "-" + code with non-word runes
// stripped from both parts.
func synthesizeURL(base, name, code string) string {
	return base + nonWordRe.ReplaceAllString(name, "") + "-" + nonWordRe.ReplaceAllString(code, "")
}
