package prices

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/event"
)

// NamesURL returns the full name-list endpoint address.
func (c *Catalog) NamesURL() string {
	return c.opts.BaseURL + "/currencies"
}

// StatsURL returns the aggregate stats endpoint address.
func (c *Catalog) StatsURL() string {
	return c.opts.BaseURL + "/stats"
}

// SearchNamesURL returns the search endpoint address for the active search
// text, or "" when search is not active.
func (c *Catalog) SearchNamesURL() string {
	c.mu.Lock()
	text := c.searchText
	active := c.isSearchingLocked()
	c.mu.Unlock()

	if !active {
		return ""
	}
	return fmt.Sprintf("%s/currencies?search=%s&type=coin", c.opts.BaseURL, url.QueryEscape(text))
}

// URLForValues builds a value-poll address for a window of the catalog.
// Invalid input synchronously publishes an empty result list and returns "".
func (c *Catalog) URLForValues(offset, count int) string {
	c.mu.Lock()
	size := c.countLocked()
	order := c.sortOrder
	c.mu.Unlock()

	if offset < 0 || offset >= size || count <= 0 {
		c.EmptyValues()
		return ""
	}

	return fmt.Sprintf("%s/coins?sort=%s&order=%s&offset=%d&limit=%d",
		c.opts.BaseURL, order.Field(), order.Order(), offset, count)
}

// URLForValuesOnly is URLForValues restricted to an explicit symbol
// allowlist.
func (c *Catalog) URLForValuesOnly(offset, count int, codes []string) string {
	c.mu.Lock()
	size := c.countLocked()
	order := c.sortOrder
	c.mu.Unlock()

	if offset < 0 || offset >= size || count <= 0 || len(codes) == 0 {
		c.EmptyValues()
		return ""
	}

	return fmt.Sprintf("%s/coins?sort=%s&order=%s&offset=%d&limit=%d&only=%s",
		c.opts.BaseURL, order.Field(), order.Order(), offset, count, strings.Join(codes, ","))
}

// URLForSearchValues builds a value-poll address for the current search
// subset. Search results keep the server's order under rank sorting, so the
// rank variant pins sort=none over the windowed code list.
func (c *Catalog) URLForSearchValues(offset, count int) string {
	c.mu.Lock()
	size := c.countLocked()
	active := c.isSearchingLocked()
	order := c.sortOrder

	if offset < 0 || offset >= size || count <= 0 || !active {
		c.mu.Unlock()
		c.EmptyValues()
		return ""
	}

	var built string
	if order == SortRank {
		codes := c.searchCodesLocked(offset, count)
		built = fmt.Sprintf("%s/coins?sort=none&limit=%d&only=%s",
			c.opts.BaseURL, len(codes), strings.Join(codes, ","))
	} else {
		codes := c.searchCodesLocked(0, len(c.search))
		built = fmt.Sprintf("%s/coins?sort=%s&order=%s&offset=%d&limit=%d&only=%s",
			c.opts.BaseURL, order.Field(), order.Order(), offset, len(codes), strings.Join(codes, ","))
	}
	c.mu.Unlock()

	return built
}

func (c *Catalog) searchCodesLocked(offset, count int) []string {
	if offset < 0 {
		offset = 0
	}
	end := offset + count
	if end > len(c.search) {
		end = len(c.search)
	}

	codes := make([]string, 0, end-offset)
	for _, entry := range c.search[offset:end] {
		codes = append(codes, entry.Code)
	}
	return codes
}

// Count is the visible catalog size for the active view, capped by the
// server-reported total when one is known.
func (c *Catalog) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked()
}

func (c *Catalog) countLocked() int {
	switch {
	case c.isSearchingLocked():
		return len(c.search)
	case c.favoritesOnly:
		return len(c.favorites)
	case c.totalCount > 0 && c.totalCount < len(c.entries):
		return c.totalCount
	default:
		return len(c.entries)
	}
}

// NamesFetched reports whether a non-empty name list has been ingested.
func (c *Catalog) NamesFetched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namesFetched
}

// Freq is the refresh cadence in seconds suggested by the server.
func (c *Catalog) Freq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

func (c *Catalog) setFreqLocked(freq int) {
	if freq <= 0 {
		freq = defaultFreq
	}
	c.freq = freq
}

// MayFetchStats throttles stats polls to a quarter of the refresh cadence.
func (c *Catalog) MayFetchStats() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statsUpdate.IsZero() {
		return true
	}
	return c.clock.Since(c.statsUpdate) >= time.Duration(c.freq/4)*time.Second
}

// SortOrder returns the active ordering.
func (c *Catalog) SortOrder() SortOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortOrder
}

// SetSortOrder selects the active ordering.
func (c *Catalog) SetSortOrder(order SortOrder) {
	c.mu.Lock()
	c.sortOrder = order
	c.mu.Unlock()
}

// SearchText returns the active search text.
func (c *Catalog) SearchText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchText
}

// SetSearchText trims and installs the search text. Search becomes active
// at two or more characters.
func (c *Catalog) SetSearchText(text string) {
	c.mu.Lock()
	trimmed := strings.TrimSpace(text)
	if c.searchText != trimmed {
		c.searchText = trimmed
		c.searchInProgress = c.isSearchingLocked()
	}
	c.mu.Unlock()
}

// IsSearching reports whether the search view is active.
func (c *Catalog) IsSearching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSearchingLocked()
}

func (c *Catalog) isSearchingLocked() bool {
	return len(c.searchText) >= minimumSearchLen
}

// FavoritesOnly reports whether the favorites projection is active.
func (c *Catalog) FavoritesOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.favoritesOnly
}

// SetFavoritesOnly toggles the favorites projection: enabling rebuilds the
// view from the canonical set, disabling clears the cached view.
func (c *Catalog) SetFavoritesOnly(on bool) {
	c.mu.Lock()
	if c.favoritesOnly == on {
		c.mu.Unlock()
		return
	}
	c.favoritesOnly = on
	c.rebuildFavorites()
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.TypeFavoritesChanged})
}

// rebuildFavorites recomputes the favorites projection. Caller holds the
// lock.
func (c *Catalog) rebuildFavorites() {
	c.favorites = c.favorites[:0]
	if !c.favoritesOnly {
		return
	}
	for _, entry := range c.entries {
		if entry.Favorite {
			c.favorites = append(c.favorites, entry)
		}
	}
}

// ToggleFavorite flips an entry's favorite flag and patches the favorites
// projection incrementally. Returns false when the entry is unknown.
func (c *Catalog) ToggleFavorite(key Key) bool {
	c.mu.Lock()
	entry, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return false
	}

	entry.Favorite = !entry.Favorite
	if entry.Favorite {
		c.favorites = append(c.favorites, entry)
	} else {
		for i, fav := range c.favorites {
			if fav == entry {
				c.favorites = append(c.favorites[:i], c.favorites[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.TypeFavoritesChanged})
	return true
}

// FavoriteCodes lists the short symbols of the favorites projection.
func (c *Catalog) FavoriteCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make([]string, 0, len(c.favorites))
	for _, entry := range c.favorites {
		codes = append(codes, entry.Code)
	}
	return codes
}

// SetIcon installs lazily fetched icon bytes for an entry and nudges any
// view to redraw.
func (c *Catalog) SetIcon(key Key, data []byte) {
	c.mu.Lock()
	entry, ok := c.index[key]
	if !ok || len(data) == 0 {
		c.mu.Unlock()
		return
	}
	entry.Icon = data
	c.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.TypeValuesUpdated, Payload: []View{}})
}

// IconFor returns the icon bytes of an entry, or nil.
func (c *Catalog) IconFor(key Key) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		return nil
	}
	return entry.Icon
}

// Snapshot copies the active view, ordered by the current sort order.
func (c *Catalog) Snapshot() []View {
	c.mu.Lock()
	defer c.mu.Unlock()

	var source []*Entry
	switch {
	case c.isSearchingLocked():
		source = c.search
	case c.favoritesOnly:
		source = c.favorites
	default:
		source = c.entries
	}

	ordered := make([]*Entry, len(source))
	copy(ordered, source)
	if !c.isSearchingLocked() {
		sortEntries(ordered, c.sortOrder)
	}

	views := make([]View, len(ordered))
	for i, entry := range ordered {
		views[i] = entry.view()
	}
	return views
}

// MarketCap returns the aggregate market capitalisation, when known.
func (c *Catalog) MarketCap() *decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyDecimal(c.marketCap)
}

// BTCDominance returns the dominant-asset share percentage, when known.
func (c *Catalog) BTCDominance() *decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyDecimal(c.btcDominance)
}

// MarketCapString renders the market cap as a dollar figure with thousand
// separators, or "N/A" when unknown.
func (c *Catalog) MarketCapString() string {
	c.mu.Lock()
	cap := copyDecimal(c.marketCap)
	c.mu.Unlock()

	if cap == nil {
		return "N/A"
	}

	value := cap.Abs().Round(0).IntPart()
	if value == 0 {
		return "0"
	}

	var parts []string
	for value > 0 {
		rem := value % 1000
		value /= 1000
		if value > 0 {
			parts = append([]string{fmt.Sprintf("%03d", rem)}, parts...)
		} else {
			parts = append([]string{fmt.Sprintf("%d", rem)}, parts...)
		}
	}
	return "$" + strings.Join(parts, ",")
}

// BTCDominanceString renders the dominance share with four decimals below
// one percent and two otherwise, or "N/A" when unknown.
func (c *Catalog) BTCDominanceString() string {
	c.mu.Lock()
	dom := copyDecimal(c.btcDominance)
	c.mu.Unlock()

	if dom == nil {
		return "N/A"
	}
	f, _ := dom.Float64()
	if f < 1.0 && f > -1.0 {
		return fmt.Sprintf("%.4f%%", f)
	}
	return fmt.Sprintf("%.2f%%", f)
}

// LastUpdate is the time of the last applied value poll.
func (c *Catalog) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// LastUpdateString renders the last update time, or the "..." placeholder
// when no poll has completed yet.
func (c *Catalog) LastUpdateString() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastUpdate.IsZero() {
		return "..."
	}
	return c.lastUpdate.Format("15:04:05")
}
