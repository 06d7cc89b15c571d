package prices

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

const (
	keyMarketCap     = "metadata.market_cap"
	keyBTCDominance  = "metadata.btc_dominance"
	keyLastUpdate    = "metadata.last_update"
	keyFavoritesOnly = "metadata.favorites_only"
	keyFreq          = "metadata.freq"
	keyEntries       = "entries"
)

// Save snapshots the catalog into its settings resource. The refresh
// cadence is omitted while it matches the default, so a later default
// change takes effect on restart.
func (c *Catalog) Save() error {
	c.mu.Lock()

	if c.marketCap != nil {
		f, _ := c.marketCap.Float64()
		c.store.Set(keyMarketCap, f)
	} else {
		c.store.Unset(keyMarketCap)
	}
	if c.btcDominance != nil {
		f, _ := c.btcDominance.Float64()
		c.store.Set(keyBTCDominance, f)
	} else {
		c.store.Unset(keyBTCDominance)
	}
	c.store.SetTime(keyLastUpdate, c.lastUpdate)
	c.store.Set(keyFavoritesOnly, c.favoritesOnly)
	if c.freq != defaultFreq {
		c.store.Set(keyFreq, c.freq)
	} else {
		c.store.Unset(keyFreq)
	}

	records := make([]map[string]any, 0, len(c.entries))
	for _, entry := range c.entries {
		record := map[string]any{
			"name":     entry.Name,
			"code":     entry.Code,
			"url":      entry.URL,
			"icon_url": entry.IconURL,
			"rank":     entry.Rank,
			"favorite": entry.Favorite,
		}
		if entry.Price != nil {
			f, _ := entry.Price.Float64()
			record["price"] = f
		}
		if entry.Change24h != nil {
			f, _ := entry.Change24h.Float64()
			record["change_24h"] = f
		}
		if entry.MinuteTrend != TrendNone {
			record["minute_trend"] = int(entry.MinuteTrend)
		}
		records = append(records, record)
	}
	c.store.Set(keyEntries, records)
	c.mu.Unlock()

	if err := c.store.Save(); err != nil {
		c.logger.Error().Err(err).Msg("failed to save price catalog")
		return err
	}
	return nil
}

// Load restores the catalog from its settings resource. Cached entries
// carry no fetched-names status, so a fresh name poll still runs.
func (c *Catalog) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.Has(keyMarketCap) {
		d := decimal.NewFromFloat(c.store.GetFloat64(keyMarketCap))
		c.marketCap = &d
	}
	if c.store.Has(keyBTCDominance) {
		d := decimal.NewFromFloat(c.store.GetFloat64(keyBTCDominance))
		c.btcDominance = &d
	}
	c.lastUpdate = c.store.GetTime(keyLastUpdate)
	c.favoritesOnly = c.store.GetBool(keyFavoritesOnly)
	if c.store.Has(keyFreq) {
		freq := c.store.GetInt(keyFreq)
		if freq < 0 {
			freq = -freq
		}
		c.setFreqLocked(freq)
	}

	for _, raw := range c.store.GetSlice(keyEntries) {
		record, err := cast.ToStringMapE(raw)
		if err != nil {
			continue
		}

		name := cast.ToString(record["name"])
		code := cast.ToString(record["code"])
		if name == "" || code == "" {
			continue
		}
		key := Key{Name: name, Code: code}
		if _, ok := c.index[key]; ok {
			continue
		}

		entry := &Entry{
			Name:        name,
			Code:        code,
			URL:         cast.ToString(record["url"]),
			IconURL:     cast.ToString(record["icon_url"]),
			Rank:        cast.ToInt(record["rank"]),
			MinuteTrend: Direction(cast.ToInt(record["minute_trend"])),
			Favorite:    cast.ToBool(record["favorite"]),
		}
		if v, ok := record["price"]; ok {
			d := decimal.NewFromFloat(cast.ToFloat64(v))
			entry.Price = &d
		}
		if v, ok := record["change_24h"]; ok {
			d := decimal.NewFromFloat(cast.ToFloat64(v))
			entry.Change24h = &d
		}

		c.entries = append(c.entries, entry)
		c.index[key] = entry
	}

	c.rebuildFavorites()
	c.logger.Debug().Int("entries", len(c.entries)).Msg("price catalog restored")
}
