package resources

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"marketsync/internal/event"
)

// defaultFreq is the refresh cadence in seconds for resource groups.
const defaultFreq = 60 * 60

// defaultGroups is the built-in fallback used until the first successful
// fetch lands and whenever the cache file is unreadable.
const defaultGroups = `{
	"success": true,
	"groups": [
		{
			"title": "Getting Started",
			"items": [
				{"title": "Livecoinwatch", "description": "Live market data", "url": "https://www.livecoinwatch.com", "iconUrl": ""},
				{"title": "Bettergram News", "description": "Latest headlines", "url": "https://news.livecoinwatch.com", "iconUrl": ""}
			]
		}
	]
}`

// Link is one entry inside a resource group.
type Link struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// Group is one titled collection of resource links.
type Group struct {
	Title string `json:"title"`
	Items []Link `json:"items"`
}

// Options parameterise the group list.
type Options struct {
	// CachePath is the file the last good payload is mirrored to.
	CachePath string
	Clock     clockwork.Clock
}

// GroupList owns the resource groups shown in the app's resources tab. The
// last successful payload is cached on disk so restarts do not depend on
// the network; the built-in default list covers a cold start.
type GroupList struct {
	opts   Options
	logger zerolog.Logger
	bus    *event.Bus
	clock  clockwork.Clock

	mu         sync.Mutex
	groups     []Group
	freq       int
	lastUpdate time.Time
	lastHash   [sha256.Size]byte
	hashSet    bool
}

// NewGroupList constructs an empty list. Call Load to install the cached
// or default groups.
func NewGroupList(opts Options, bus *event.Bus, logger zerolog.Logger) *GroupList {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &GroupList{
		opts:   opts,
		logger: logger.With().Str("component", "resources").Logger(),
		bus:    bus,
		clock:  clock,
		freq:   defaultFreq,
	}
}

type groupsPayload struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Freq    int     `json:"freq"`
	Groups  []Group `json:"groups"`
}

// Ingest applies a resource-group payload. Identical payloads are detected
// by content hash and skipped; good payloads are mirrored to the cache
// file.
func (l *GroupList) Ingest(payload []byte) bool {
	hash := sha256.Sum256(payload)

	l.mu.Lock()
	if l.hashSet && hash == l.lastHash {
		l.mu.Unlock()
		return false
	}

	if !l.applyLocked(payload) {
		l.mu.Unlock()
		return false
	}
	l.lastHash = hash
	l.hashSet = true
	l.lastUpdate = l.clock.Now()
	l.mu.Unlock()

	l.writeCache(payload)
	l.bus.Publish(event.Event{Type: event.TypeResourcesUpdated})
	return true
}

// applyLocked parses and installs the payload. Caller holds the lock.
func (l *GroupList) applyLocked(payload []byte) bool {
	var body groupsPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		l.logger.Warn().Err(err).Msg("resource payload is not a json object")
		return false
	}
	if !body.Success {
		l.logger.Warn().Str("message", body.Message).Msg("resource fetch rejected by server")
		return false
	}
	if len(body.Groups) == 0 {
		l.logger.Warn().Msg("resource payload has no groups")
		return false
	}

	groups := make([]Group, 0, len(body.Groups))
	for _, group := range body.Groups {
		if group.Title == "" && len(group.Items) == 0 {
			continue
		}
		groups = append(groups, group)
	}
	if len(groups) == 0 {
		return false
	}

	l.groups = groups
	if body.Freq > 0 {
		l.freq = body.Freq
	}
	return true
}

func (l *GroupList) writeCache(payload []byte) {
	if l.opts.CachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.opts.CachePath), 0o755); err != nil {
		l.logger.Error().Err(err).Msg("failed to create resource cache dir")
		return
	}
	if err := os.WriteFile(l.opts.CachePath, payload, 0o644); err != nil {
		l.logger.Error().Err(err).Msg("failed to write resource cache")
	}
}

// Load installs the cached payload, falling back to the built-in default
// list when the cache is missing or unreadable.
func (l *GroupList) Load() {
	if l.opts.CachePath != "" {
		if payload, err := os.ReadFile(l.opts.CachePath); err == nil {
			l.mu.Lock()
			ok := l.applyLocked(payload)
			if ok {
				l.lastHash = sha256.Sum256(payload)
				l.hashSet = true
			}
			l.mu.Unlock()
			if ok {
				l.logger.Debug().Msg("resource groups restored from cache")
				return
			}
			l.logger.Warn().Msg("resource cache is unusable, using defaults")
		}
	}

	l.mu.Lock()
	l.applyLocked([]byte(defaultGroups))
	l.mu.Unlock()
}

// Count is the number of groups.
func (l *GroupList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.groups)
}

// Freq is the refresh cadence in seconds.
func (l *GroupList) Freq() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freq
}

// LastUpdate is the time of the last applied payload.
func (l *GroupList) LastUpdate() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Snapshot copies the group list for display.
func (l *GroupList) Snapshot() []Group {
	l.mu.Lock()
	defer l.mu.Unlock()

	groups := make([]Group, len(l.groups))
	for i, group := range l.groups {
		groups[i] = Group{Title: group.Title, Items: append([]Link(nil), group.Items...)}
	}
	return groups
}
