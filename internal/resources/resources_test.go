package resources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"marketsync/internal/event"
)

const groupsBody = `{
	"success": true,
	"freq": 7200,
	"groups": [
		{"title": "Exchanges", "items": [
			{"title": "Spot", "url": "https://x.test/spot"},
			{"title": "Futures", "url": "https://x.test/futures"}
		]},
		{"title": "Wallets", "items": [{"title": "Cold", "url": "https://w.test/cold"}]}
	]
}`

func newRecorder(bus *event.Bus) *eventRecorder {
	rec := &eventRecorder{}
	bus.Subscribe(rec.record)
	return rec
}

type eventRecorder struct {
	events []event.Event
}

func (r *eventRecorder) record(e event.Event) {
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t event.Type) int {
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestIngestGroupsAndCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "resources.json")
	bus := event.NewBus(zerolog.Nop())
	rec := newRecorder(bus)

	list := NewGroupList(Options{CachePath: cache}, bus, zerolog.Nop())

	if !list.Ingest([]byte(groupsBody)) {
		t.Fatal("ingest of a valid payload must succeed")
	}
	if got := list.Count(); got != 2 {
		t.Errorf("groups = %d", got)
	}
	if got := list.Freq(); got != 7200 {
		t.Errorf("freq = %d", got)
	}
	if _, err := os.Stat(cache); err != nil {
		t.Errorf("cache file not written: %v", err)
	}

	// Identical payload is a hash-guarded no-op.
	if list.Ingest([]byte(groupsBody)) {
		t.Error("identical payload must be skipped")
	}
	if n := rec.count(event.TypeResourcesUpdated); n != 1 {
		t.Errorf("resources-updated events = %d", n)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	bus := event.NewBus(zerolog.Nop())
	list := NewGroupList(Options{}, bus, zerolog.Nop())
	list.Load()
	before := list.Count()

	for _, payload := range []string{
		`not json`,
		`{"success": false, "groups": []}`,
		`{"success": true, "groups": []}`,
	} {
		if list.Ingest([]byte(payload)) {
			t.Errorf("payload %q must be rejected", payload)
		}
	}
	if got := list.Count(); got != before {
		t.Errorf("groups changed on rejected payloads: %d", got)
	}
}

func TestLoadPrefersCacheOverDefaults(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "resources.json")
	if err := os.WriteFile(cache, []byte(groupsBody), 0o644); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus(zerolog.Nop())
	list := NewGroupList(Options{CachePath: cache}, bus, zerolog.Nop())
	list.Load()

	if got := list.Count(); got != 2 {
		t.Errorf("cached groups = %d", got)
	}

	// A corrupt cache falls back to the built-in list.
	if err := os.WriteFile(cache, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	fallback := NewGroupList(Options{CachePath: cache}, bus, zerolog.Nop())
	fallback.Load()
	if fallback.Count() == 0 {
		t.Error("corrupt cache must fall back to defaults")
	}
}

func TestPinnedNewsIngest(t *testing.T) {
	bus := event.NewBus(zerolog.Nop())
	rec := newRecorder(bus)
	list := NewPinnedNewsList(bus, zerolog.Nop())

	payload := []byte(`{
		"success": true,
		"news": [
			{"title": "Second", "url": "https://n.test/2", "position": 2},
			{"title": "First", "url": "https://n.test/1", "position": 1, "date": "2018-11-05T10:00:00Z"},
			{"title": "", "url": "https://n.test/skip"}
		]
	}`)

	if !list.Ingest(payload) {
		t.Fatal("ingest of a valid payload must succeed")
	}

	items := list.Snapshot()
	if len(items) != 2 {
		t.Fatalf("pinned items = %d", len(items))
	}
	if items[0].Title != "First" || items[1].Title != "Second" {
		t.Errorf("items must sort by position, got %q then %q", items[0].Title, items[1].Title)
	}
	if items[0].PublishedAt.IsZero() {
		t.Error("date must be parsed")
	}

	if list.Ingest(payload) {
		t.Error("identical payload must be skipped")
	}
	if n := rec.count(event.TypePinnedNewsUpdated); n != 1 {
		t.Errorf("pinned-news-updated events = %d", n)
	}
}
