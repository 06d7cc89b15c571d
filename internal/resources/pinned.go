package resources

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/event"
)

// PinnedItem is one server-curated headline pinned above the regular feed.
type PinnedItem struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Position    int       `json:"position"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
}

// PinnedNewsList owns the pinned headline set. It is replaced wholesale on
// every changed payload and kept in memory only; the server re-sends it on
// each poll.
type PinnedNewsList struct {
	logger zerolog.Logger
	bus    *event.Bus

	mu       sync.Mutex
	items    []PinnedItem
	lastHash [sha256.Size]byte
	hashSet  bool
}

// NewPinnedNewsList constructs an empty list.
func NewPinnedNewsList(bus *event.Bus, logger zerolog.Logger) *PinnedNewsList {
	return &PinnedNewsList{
		logger: logger.With().Str("component", "pinned_news").Logger(),
		bus:    bus,
	}
}

type pinnedPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	News    []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		ImageURL    string `json:"imageUrl"`
		Position    int    `json:"position"`
		Date        string `json:"date"`
	} `json:"news"`
}

// Ingest applies a pinned-news payload. Identical payloads are skipped by
// content hash; items missing a title or link are dropped.
func (l *PinnedNewsList) Ingest(payload []byte) bool {
	hash := sha256.Sum256(payload)

	l.mu.Lock()
	if l.hashSet && hash == l.lastHash {
		l.mu.Unlock()
		return false
	}

	var body pinnedPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		l.mu.Unlock()
		l.logger.Warn().Err(err).Msg("pinned news payload is not a json object")
		return false
	}
	if !body.Success {
		l.mu.Unlock()
		l.logger.Warn().Str("message", body.Message).Msg("pinned news fetch rejected by server")
		return false
	}
	l.lastHash = hash
	l.hashSet = true

	items := make([]PinnedItem, 0, len(body.News))
	for _, rec := range body.News {
		if rec.Title == "" || rec.URL == "" {
			continue
		}
		item := PinnedItem{
			Title:       rec.Title,
			Description: rec.Description,
			URL:         rec.URL,
			ImageURL:    rec.ImageURL,
			Position:    rec.Position,
		}
		if rec.Date != "" {
			if ts, err := time.Parse(time.RFC3339, rec.Date); err == nil {
				item.PublishedAt = ts
			}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Position < items[j].Position
	})

	l.items = items
	l.mu.Unlock()

	l.bus.Publish(event.Event{Type: event.TypePinnedNewsUpdated})
	return true
}

// Count is the number of pinned headlines.
func (l *PinnedNewsList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Snapshot copies the pinned headlines in display order.
func (l *PinnedNewsList) Snapshot() []PinnedItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PinnedItem(nil), l.items...)
}
