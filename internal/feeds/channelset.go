package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"marketsync/internal/event"
	"marketsync/internal/fetcher"
	"marketsync/internal/settings"
)

// defaultFreq is the per-channel refresh window in seconds.
const defaultFreq = 60

// Options parameterise a channel set.
type Options struct {
	Clock clockwork.Clock
}

// ChannelSet owns the ordered channel collection of one variant. It
// reconciles against the server-supplied address list, fans out feed polls,
// and folds per-channel parse results into a single updated signal.
type ChannelSet struct {
	variant Variant
	logger  zerolog.Logger
	bus     *event.Bus
	store   *settings.Resource
	clock   clockwork.Clock

	mu         sync.Mutex
	channels   []*Channel
	freq       int
	lastUpdate time.Time
	lastHash   [sha256.Size]byte
	hashSet    bool
}

// NewChannelSet constructs an empty set. Call Load before polling.
func NewChannelSet(variant Variant, opts Options, bus *event.Bus, store *settings.Resource, logger zerolog.Logger) *ChannelSet {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ChannelSet{
		variant: variant,
		logger:  logger.With().Str("component", "feed_channels").Str("variant", variant.Key()).Logger(),
		bus:     bus,
		store:   store,
		clock:   clock,
		freq:    defaultFreq,
	}
}

// Variant returns the set's discriminator.
func (s *ChannelSet) Variant() Variant { return s.variant }

// Reconcile replaces the channel list from a channel-list payload. A
// payload byte-identical to the last ingested one is a no-op, so unchanged
// upstream data never resets read state.
func (s *ChannelSet) Reconcile(payload []byte) {
	hash := sha256.Sum256(payload)

	s.mu.Lock()
	if s.hashSet && hash == s.lastHash {
		s.mu.Unlock()
		return
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("channel list payload is not a json object")
		return
	}
	s.lastHash = hash
	s.hashSet = true

	var success bool
	if raw, ok := body["success"]; ok {
		_ = json.Unmarshal(raw, &success)
	}
	if !success {
		s.mu.Unlock()
		s.logger.Warn().Msg("channel list fetch rejected by server")
		return
	}

	var addresses []json.RawMessage
	if raw, ok := body[s.variant.Key()]; ok {
		_ = json.Unmarshal(raw, &addresses)
	}

	width, height := s.variant.ImageSize()
	s.channels = s.channels[:0]
	for _, raw := range addresses {
		var address string
		if err := json.Unmarshal(raw, &address); err != nil || address == "" {
			s.logger.Warn().Msg("channel address is not a string, skipped")
			continue
		}
		if s.containsLocked(address) {
			continue
		}
		s.channels = append(s.channels, newChannel(address, width, height))
	}
	count := len(s.channels)
	s.mu.Unlock()

	s.logger.Info().Int("channels", count).Msg("channel list rebuilt")
	s.bus.Publish(event.Event{Type: event.TypeChannelListUpdated, Source: s.variant.Key()})
}

func (s *ChannelSet) containsLocked(address string) bool {
	for _, c := range s.channels {
		if c.Address == address {
			return true
		}
	}
	return false
}

// PollAll issues an independent feed fetch for every channel whose last
// attempt is older than the refresh window.
func (s *ChannelSet) PollAll(ctx context.Context, client *fetcher.Client) {
	now := s.clock.Now()

	s.mu.Lock()
	window := time.Duration(s.freq) * time.Second
	due := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.MayFetch(now, window) {
			ch.startFetch(now)
			due = append(due, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range due {
		ch := ch
		client.Fetch(ctx, ch.Address, func(res fetcher.Result) {
			s.finishFetch(ch, res)
		})
	}
}

func (s *ChannelSet) finishFetch(ch *Channel, res fetcher.Result) {
	s.mu.Lock()
	if res.OK() {
		ch.completeFetch(res.Body)
	} else {
		s.logger.Warn().Str("address", ch.Address).Stringer("class", res.Class).
			Msg("feed fetch failed")
		ch.failFetch()
	}
	s.parsePassLocked()
}

// parsePassLocked runs the set-wide reconciliation after a fetch completes.
// It waits for all in-flight fetches, parses every non-failed channel, and
// raises a single updated signal when any channel changed. Releases the
// lock.
func (s *ChannelSet) parsePassLocked() {
	for _, ch := range s.channels {
		if ch.isFetching() {
			s.mu.Unlock()
			return
		}
	}

	changed := false
	fetchable := false
	for _, ch := range s.channels {
		if ch.isFailed() {
			continue
		}
		fetchable = true
		if ch.parse() {
			changed = true
		}
	}

	if fetchable {
		s.lastUpdate = s.clock.Now()
	}
	s.mu.Unlock()

	if changed {
		if err := s.Save(); err != nil {
			s.logger.Error().Err(err).Msg("failed to save channel set")
		}
		s.bus.Publish(event.Event{Type: event.TypeFeedsUpdated, Source: s.variant.Key()})
	}
}

// MarkAllRead flags every item read and persists the change.
func (s *ChannelSet) MarkAllRead() {
	s.mu.Lock()
	changed := false
	for _, ch := range s.channels {
		if ch.markAsRead() {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		if err := s.Save(); err != nil {
			s.logger.Error().Err(err).Msg("failed to save channel set")
		}
		s.bus.Publish(event.Event{Type: event.TypeFeedsUpdated, Source: s.variant.Key()})
	}
}

// MarkItemRead flags one item read by channel address and item identity.
func (s *ChannelSet) MarkItemRead(address, identity string) bool {
	s.mu.Lock()
	changed := false
	for _, ch := range s.channels {
		if ch.Address == address && ch.markItemRead(identity) {
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		if err := s.Save(); err != nil {
			s.logger.Error().Err(err).Msg("failed to save channel set")
		}
		s.bus.Publish(event.Event{Type: event.TypeFeedsUpdated, Source: s.variant.Key()})
	}
	return changed
}

// Count is the number of subscribed channels.
func (s *ChannelSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// CountItems is the total item count across channels.
func (s *ChannelSet) CountItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ch := range s.channels {
		n += ch.count()
	}
	return n
}

// CountUnread is the total unread item count across channels.
func (s *ChannelSet) CountUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ch := range s.channels {
		n += ch.countUnread()
	}
	return n
}

// Freq is the per-channel refresh window in seconds.
func (s *ChannelSet) Freq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq
}

// SetFreq installs the refresh window, clamping invalid values to the
// default.
func (s *ChannelSet) SetFreq(freq int) {
	if freq <= 0 {
		freq = defaultFreq
	}
	s.mu.Lock()
	s.freq = freq
	s.mu.Unlock()
}

// LastUpdate is the time of the last round with at least one fetchable
// channel.
func (s *ChannelSet) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// LastUpdateString renders the last update time, or the "..." placeholder.
func (s *ChannelSet) LastUpdateString() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastUpdate.IsZero() {
		return "..."
	}
	return s.lastUpdate.Format("15:04:05")
}

// ChannelView is a read-only channel copy handed to observers.
type ChannelView struct {
	Address     string     `json:"address"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	SiteLink    string     `json:"siteLink,omitempty"`
	IconURL     string     `json:"iconUrl,omitempty"`
	Failed      bool       `json:"failed"`
	Items       []ItemView `json:"items"`
}

// ItemView is a read-only item copy handed to observers.
type ItemView struct {
	GUID        string    `json:"guid,omitempty"`
	Link        string    `json:"link"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	Read        bool      `json:"read"`
}

// Snapshot copies the whole set for display.
func (s *ChannelSet) Snapshot() []ChannelView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]ChannelView, 0, len(s.channels))
	for _, ch := range s.channels {
		view := ChannelView{
			Address:     ch.Address,
			Title:       ch.Title,
			Description: ch.Description,
			SiteLink:    ch.SiteLink,
			IconURL:     ch.IconURL,
			Failed:      ch.isFailed(),
			Items:       make([]ItemView, 0, len(ch.items)),
		}
		for _, item := range ch.items {
			view.Items = append(view.Items, ItemView{
				GUID:        item.GUID,
				Link:        item.Link,
				Title:       item.Title,
				Description: item.Description,
				ImageURL:    item.ImageURL,
				PublishedAt: item.PublishedAt,
				Read:        item.Read,
			})
		}
		views = append(views, view)
	}
	return views
}

// UnreadItems flattens the unread items of every channel, newest first
// within each channel.
func (s *ChannelSet) UnreadItems() []ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []ItemView
	for _, ch := range s.channels {
		for _, item := range ch.items {
			if item.Read {
				continue
			}
			views = append(views, ItemView{
				GUID:        item.GUID,
				Link:        item.Link,
				Title:       item.Title,
				Description: item.Description,
				ImageURL:    item.ImageURL,
				PublishedAt: item.PublishedAt,
				Read:        false,
			})
		}
	}
	return views
}

// Save writes the set and its per-item read state to the settings resource.
func (s *ChannelSet) Save() error {
	s.mu.Lock()
	s.store.SetTime("metadata.last_update", s.lastUpdate)
	s.store.Set("metadata.frequency", s.freq)

	records := make([]map[string]any, 0, len(s.channels))
	for _, ch := range s.channels {
		items := make([]map[string]any, 0, len(ch.items))
		for _, item := range ch.items {
			rec := map[string]any{
				"guid":  item.GUID,
				"link":  item.Link,
				"title": item.Title,
				"read":  item.Read,
			}
			if item.Description != "" {
				rec["description"] = item.Description
			}
			if item.ImageURL != "" {
				rec["image_url"] = item.ImageURL
			}
			if !item.PublishedAt.IsZero() {
				rec["published"] = item.PublishedAt.Format(time.RFC3339)
			}
			items = append(items, rec)
		}

		records = append(records, map[string]any{
			"address":     ch.Address,
			"title":       ch.Title,
			"description": ch.Description,
			"site_link":   ch.SiteLink,
			"icon_url":    ch.IconURL,
			"items":       items,
		})
	}
	s.store.Set("channels", records)
	s.mu.Unlock()

	return s.store.Save()
}

// Load restores the set, then installs the built-in seed list if it is
// still empty.
func (s *ChannelSet) Load() {
	s.mu.Lock()

	s.lastUpdate = s.store.GetTime("metadata.last_update")
	freq := s.store.GetInt("metadata.frequency")
	if freq <= 0 {
		freq = defaultFreq
	}
	s.freq = freq

	width, height := s.variant.ImageSize()
	for _, raw := range s.store.GetSlice("channels") {
		record, err := cast.ToStringMapE(raw)
		if err != nil {
			continue
		}
		address := cast.ToString(record["address"])
		if address == "" || s.containsLocked(address) {
			continue
		}

		ch := newChannel(address, width, height)
		ch.Title = cast.ToString(record["title"])
		ch.Description = cast.ToString(record["description"])
		ch.SiteLink = cast.ToString(record["site_link"])
		ch.IconURL = cast.ToString(record["icon_url"])

		items, _ := cast.ToSliceE(record["items"])
		for _, rawItem := range items {
			itemRec, err := cast.ToStringMapE(rawItem)
			if err != nil {
				continue
			}
			item := &Item{
				GUID:        cast.ToString(itemRec["guid"]),
				Link:        cast.ToString(itemRec["link"]),
				Title:       cast.ToString(itemRec["title"]),
				Description: cast.ToString(itemRec["description"]),
				ImageURL:    cast.ToString(itemRec["image_url"]),
				Read:        cast.ToBool(itemRec["read"]),
			}
			if published := cast.ToString(itemRec["published"]); published != "" {
				if ts, err := time.Parse(time.RFC3339, published); err == nil {
					item.PublishedAt = ts
				}
			}
			ch.addRestoredItem(item)
		}
		ch.sortItems()

		s.channels = append(s.channels, ch)
	}

	if len(s.channels) == 0 {
		for _, address := range s.variant.SeedAddresses() {
			s.channels = append(s.channels, newChannel(address, width, height))
		}
		s.logger.Info().Int("channels", len(s.channels)).Msg("seeded default channel list")
	}

	count := len(s.channels)
	s.mu.Unlock()

	s.logger.Debug().Int("channels", count).Msg("channel set restored")
}
