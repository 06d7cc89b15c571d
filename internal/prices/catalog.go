package prices

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/event"
	"marketsync/internal/settings"
)

const (
	// defaultFreq is the fallback refresh cadence in seconds when the
	// stats endpoint supplies none or an invalid one.
	defaultFreq = 60

	// minimumSearchLen is the trimmed length at which search is active.
	minimumSearchLen = 2
)

// Options parameterise the catalog.
type Options struct {
	// BaseURL is the price feed root, e.g. "https://http-api.livecoinwatch.com".
	BaseURL string
	// OnIconNeeded is invoked for entries returned from a value poll that
	// have no icon bytes yet. May be nil.
	OnIconNeeded func(View)
	Clock        clockwork.Clock
}

// Catalog owns the authoritative set of tracked price entries, their
// favorites/search projections, and the aggregate market statistics.
type Catalog struct {
	opts   Options
	logger zerolog.Logger
	bus    *event.Bus
	store  *settings.Resource
	clock  clockwork.Clock

	mu      sync.Mutex
	entries []*Entry
	index   map[Key]*Entry

	favorites []*Entry
	search    []*Entry

	marketCap    *decimal.Decimal
	btcDominance *decimal.Decimal
	freq         int
	lastUpdate   time.Time
	statsUpdate  time.Time
	totalCount   int

	sortOrder        SortOrder
	searchText       string
	searchInProgress bool
	favoritesOnly    bool
	namesFetched     bool
}

// NewCatalog constructs an empty catalog backed by the given settings
// resource. Call Load before issuing any polls.
func NewCatalog(opts Options, bus *event.Bus, store *settings.Resource, logger zerolog.Logger) *Catalog {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Catalog{
		opts:   opts,
		logger: logger.With().Str("component", "price_catalog").Logger(),
		bus:    bus,
		store:  store,
		clock:  clock,
		index:  make(map[Key]*Entry),
		freq:   defaultFreq,
	}
}

// namesPayload is the envelope of the name and search-name endpoints.
type namesPayload struct {
	Success         bool         `json:"success"`
	Message         string       `json:"message"`
	CoinsURLBase    string       `json:"coinsUrlBase"`
	CoinsIcon32Base string       `json:"coinsIcon32Base"`
	Data            []nameRecord `json:"data"`
}

type nameRecord struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Code string `json:"code"`
	URL  string `json:"url"`
	Icon string `json:"icon"`
}

// valuesPayload is the envelope of the value endpoint.
type valuesPayload struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Total   int           `json:"total"`
	Data    []valueRecord `json:"data"`
}

type valueRecord struct {
	Code  string       `json:"code"`
	Name  string       `json:"name"`
	Rank  *int         `json:"rank"`
	Price *float64     `json:"price"`
	Delta *valueDeltas `json:"delta"`
}

type valueDeltas struct {
	Day    *float64 `json:"day"`
	Minute *float64 `json:"minute"`
}

// statsPayload is the envelope of the stats endpoint.
type statsPayload struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	Cap          *float64 `json:"cap"`
	BTCDominance *float64 `json:"btcDominance"`
	Freq         int      `json:"freq"`
}

// candidate carries one accepted name record before merging.
type candidate struct {
	name    string
	code    string
	url     string
	iconURL string
}

func parseCandidate(rec nameRecord, urlBase, iconBase string) (candidate, bool) {
	if rec.Type != "coin" || rec.Name == "" || rec.Code == "" {
		return candidate{}, false
	}

	url := rec.URL
	if url == "" {
		if urlBase == "" {
			return candidate{}, false
		}
		url = synthesizeURL(urlBase, rec.Name, rec.Code)
	}

	iconURL := rec.Icon
	if iconURL == "" {
		return candidate{}, false
	}
	if iconBase != "" {
		iconURL = iconBase + iconURL
	}

	return candidate{name: rec.Name, code: rec.Code, url: url, iconURL: iconURL}, true
}

// IngestNames merges a full name-list payload into the catalog. The name
// feed is authoritative for set membership: entries absent from the payload
// are removed, present ones are updated in place preserving their dynamic
// fields and favorite flag. Malformed or unsuccessful payloads leave the
// catalog unchanged.
func (c *Catalog) IngestNames(payload []byte) {
	c.mu.Lock()
	c.namesFetched = false

	var body namesPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("name payload is not a json object")
		return
	}
	if !body.Success {
		c.mu.Unlock()
		c.logger.Warn().Str("message", softFailureMessage(body.Message)).Msg("name fetch rejected by server")
		return
	}
	if len(body.Data) == 0 {
		c.mu.Unlock()
		c.logger.Warn().Msg("name payload has an empty data list")
		return
	}

	candidates := make([]candidate, 0, len(body.Data))
	for _, rec := range body.Data {
		if cand, ok := parseCandidate(rec, body.CoinsURLBase, body.CoinsIcon32Base); ok {
			candidates = append(candidates, cand)
		}
	}

	changed := c.merge(candidates)
	c.rebuildFavorites()

	if len(c.entries) > 0 && len(candidates) > 0 {
		c.namesFetched = true
	}

	notify := c.namesFetched && changed
	c.mu.Unlock()

	if notify {
		c.bus.Publish(event.Event{Type: event.TypeNamesUpdated})
	}
}

// merge applies the candidate set to the canonical list and reports whether
// anything changed. Caller holds the lock.
func (c *Catalog) merge(candidates []candidate) bool {
	wanted := make(map[Key]candidate, len(candidates))
	for _, cand := range candidates {
		wanted[Key{Name: cand.name, Code: cand.code}] = cand
	}

	changed := false

	kept := c.entries[:0]
	for _, entry := range c.entries {
		if _, ok := wanted[entry.Key()]; ok {
			kept = append(kept, entry)
		} else {
			delete(c.index, entry.Key())
			changed = true
		}
	}
	c.entries = kept

	for _, cand := range candidates {
		key := Key{Name: cand.name, Code: cand.code}
		if existing, ok := c.index[key]; ok {
			if existing.URL != cand.url || existing.IconURL != cand.iconURL {
				existing.URL = cand.url
				existing.IconURL = cand.iconURL
				changed = true
			}
			continue
		}

		entry := &Entry{
			Name:    cand.name,
			Code:    cand.code,
			URL:     cand.url,
			IconURL: cand.iconURL,
		}
		c.entries = append(c.entries, entry)
		c.index[key] = entry
		changed = true
	}

	return changed
}

// IngestValues applies a value payload to known entries and returns the
// updated entries projected onto the active view. Records that do not
// resolve to a known entry are dropped and logged; the value feed never
// creates entries.
func (c *Catalog) IngestValues(payload []byte, sourceURL string) []View {
	c.mu.Lock()

	var body valuesPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("value payload is not a json object")
		return nil
	}
	if !body.Success {
		c.mu.Unlock()
		c.logger.Warn().Str("message", softFailureMessage(body.Message)).Msg("value fetch rejected by server")
		return nil
	}

	c.totalCount = body.Total

	updated := make([]*Entry, 0, len(body.Data))
	position := 0

	for _, rec := range body.Data {
		if rec.Code == "" || rec.Name == "" {
			c.logger.Debug().Msg("value record missing identity")
			continue
		}
		if rec.Delta == nil {
			c.logger.Debug().Str("code", rec.Code).Msg("value record missing delta")
			continue
		}

		entry, ok := c.index[Key{Name: rec.Name, Code: rec.Code}]
		if !ok {
			c.logger.Warn().Str("name", rec.Name).Str("code", rec.Code).
				Msg("value record does not match a known entry, dropped")
			continue
		}

		if rec.Rank != nil {
			entry.Rank = *rec.Rank
		} else {
			entry.Rank = position
		}

		entry.Price = nil
		if rec.Price != nil {
			p := decimal.NewFromFloat(*rec.Price)
			entry.Price = &p
		}

		entry.Change24h = percentChange(rec.Delta.Day)
		entry.MinuteTrend = directionFromChange(percentChange(rec.Delta.Minute))

		if c.inActiveView(entry) {
			updated = append(updated, entry)
		}
		position++
	}

	searching := c.isSearchingLocked()
	if !searching && c.sortOrder != SortRank {
		sortEntries(updated, c.sortOrder)
	}

	c.lastUpdate = c.clock.Now()

	views := make([]View, len(updated))
	needIcons := make([]View, 0, len(updated))
	for i, entry := range updated {
		views[i] = entry.view()
		if len(entry.Icon) == 0 {
			needIcons = append(needIcons, views[i])
		}
	}
	onIcon := c.opts.OnIconNeeded
	c.mu.Unlock()

	if onIcon != nil {
		for _, view := range needIcons {
			onIcon(view)
		}
	}

	c.bus.Publish(event.Event{Type: event.TypeValuesUpdated, Source: sourceURL, Payload: views})
	return views
}

// percentChange converts a server delta ratio into a percent change.
func percentChange(ratio *float64) *decimal.Decimal {
	if ratio == nil {
		return nil
	}
	d := decimal.NewFromFloat(*ratio).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	return &d
}

func (c *Catalog) inActiveView(entry *Entry) bool {
	if c.isSearchingLocked() {
		for _, s := range c.search {
			if s == entry {
				return true
			}
		}
		return false
	}
	if c.favoritesOnly {
		return entry.Favorite
	}
	return true
}

// IngestStats applies the aggregate stats payload: market cap, dominant
// asset share, and the server-driven refresh frequency.
func (c *Catalog) IngestStats(payload []byte) {
	c.mu.Lock()

	var body statsPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("stats payload is not a json object")
		return
	}
	if !body.Success {
		c.mu.Unlock()
		c.logger.Warn().Str("message", softFailureMessage(body.Message)).Msg("stats fetch rejected by server")
		return
	}

	c.marketCap = decimalFromFloat(body.Cap)
	c.btcDominance = decimalFromFloat(body.BTCDominance)
	c.setFreqLocked(abs(body.Freq))
	c.statsUpdate = c.clock.Now()

	c.mu.Unlock()
	c.bus.Publish(event.Event{Type: event.TypeStatsUpdated})
}

// IngestSearchNames builds the search projection from a search-name payload.
// activeSearch must be the text the request was issued with; if the live
// search text has changed since, the stale result is discarded.
func (c *Catalog) IngestSearchNames(payload []byte, activeSearch string) {
	c.mu.Lock()

	if c.searchText != activeSearch {
		c.mu.Unlock()
		c.logger.Debug().Str("requested", activeSearch).Msg("search result is stale, discarded")
		return
	}

	c.search = c.search[:0]

	if !c.isSearchingLocked() {
		c.emptySearchLocked()
		return
	}

	var body namesPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Warn().Err(err).Msg("search payload is not a json object")
		c.emptySearchLocked()
		return
	}
	if !body.Success {
		c.logger.Warn().Str("message", softFailureMessage(body.Message)).Msg("search rejected by server")
		c.emptySearchLocked()
		return
	}
	if len(body.Data) == 0 {
		c.emptySearchLocked()
		return
	}

	for _, rec := range body.Data {
		cand, ok := parseCandidate(rec, body.CoinsURLBase, body.CoinsIcon32Base)
		if !ok {
			continue
		}

		key := Key{Name: cand.name, Code: cand.code}
		entry, known := c.index[key]
		if !known {
			// Search can discover entries the name sync has not yet
			// surfaced; they join the canonical set.
			entry = &Entry{
				Name:    cand.name,
				Code:    cand.code,
				URL:     cand.url,
				IconURL: cand.iconURL,
			}
			c.entries = append(c.entries, entry)
			c.index[key] = entry
		}

		c.search = append(c.search, entry)
	}

	c.searchInProgress = false

	if len(c.entries) == 0 {
		c.emptySearchLocked()
		return
	}

	c.mu.Unlock()
	c.bus.Publish(event.Event{Type: event.TypeSearchNamesUpdated})
}

// emptySearchLocked publishes the empty-results notification and releases
// the lock.
func (c *Catalog) emptySearchLocked() {
	c.searchInProgress = false
	c.mu.Unlock()
	c.bus.Publish(event.Event{Type: event.TypeValuesUpdated, Payload: []View{}})
}

// EmptyValues synchronously publishes an empty result list to unblock any
// view waiting on a response.
func (c *Catalog) EmptyValues() {
	c.bus.Publish(event.Event{Type: event.TypeValuesUpdated, Payload: []View{}})
}

func softFailureMessage(message string) string {
	if message == "" {
		return "unknown error"
	}
	return message
}

func decimalFromFloat(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
