package settings

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResourceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store := NewStore(dir, zerolog.Nop())
	res := store.Resource("prices")

	now := time.Now().Truncate(time.Second)
	res.Set("metadata.market_cap", 123.5)
	res.Set("metadata.favorites_only", true)
	res.SetTime("metadata.last_update", now)
	res.Set("entries", []map[string]any{
		{"name": "Bitcoin", "code": "BTC", "rank": 1},
	})

	if err := res.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded := NewStore(dir, zerolog.Nop()).Resource("prices")
	if got := reloaded.GetFloat64("metadata.market_cap"); got != 123.5 {
		t.Fatalf("market cap = %v, want 123.5", got)
	}
	if !reloaded.GetBool("metadata.favorites_only") {
		t.Fatal("favorites_only flag lost")
	}
	if got := reloaded.GetTime("metadata.last_update"); !got.Equal(now) {
		t.Fatalf("last_update = %v, want %v", got, now)
	}

	entries := reloaded.GetSlice("entries")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestUnsetOmitsKeyFromStorage(t *testing.T) {
	dir := t.TempDir()

	store := NewStore(dir, zerolog.Nop())
	res := store.Resource("prices")
	res.Set("metadata.freq", 90)
	res.Unset("metadata.freq")

	if err := res.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded := NewStore(dir, zerolog.Nop()).Resource("prices")
	if reloaded.Has("metadata.freq") {
		t.Fatal("unset key should not survive a round trip")
	}
}

func TestMissingFileStartsEmpty(t *testing.T) {
	res := NewStore(t.TempDir(), zerolog.Nop()).Resource("news")
	if res.Has("channels") {
		t.Fatal("fresh resource should be empty")
	}
	if got := res.GetTime("last_update"); !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}
