package feeds

import (
	"testing"

	"github.com/rs/zerolog"

	"marketsync/internal/event"
	"marketsync/internal/fetcher"
	"marketsync/internal/settings"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>Coin News</title>
  <link>https://coinnews.test</link>
  <description>Latest coin headlines</description>
  <item>
    <guid>n-1</guid>
    <title>Markets rally</title>
    <link>https://coinnews.test/rally</link>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
  </item>
  <item>
    <guid>n-2</guid>
    <title>Exchange outage</title>
    <link>https://coinnews.test/outage</link>
    <pubDate>Tue, 03 Jan 2006 10:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func newTestSet(t *testing.T, variant Variant) (*ChannelSet, *eventRecorder) {
	t.Helper()

	bus := event.NewBus(zerolog.Nop())
	rec := &eventRecorder{}
	bus.Subscribe(rec.record)

	store := settings.NewStore(t.TempDir(), zerolog.Nop())
	return NewChannelSet(variant, Options{}, bus, store.Resource(variant.Key()), zerolog.Nop()), rec
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

func TestLoadSeedsDefaultChannels(t *testing.T) {
	news, _ := newTestSet(t, News)
	news.Load()
	if got := news.Count(); got != 3 {
		t.Errorf("seeded news channels = %d", got)
	}

	videos, _ := newTestSet(t, Videos)
	videos.Load()
	if got := videos.Count(); got != 15 {
		t.Errorf("seeded video channels = %d", got)
	}
}

func TestReconcileRebuildsChannelList(t *testing.T) {
	set, rec := newTestSet(t, News)
	set.Load()

	set.Reconcile([]byte(`{
		"success": true,
		"news": ["https://a.test/feed", "https://b.test/feed", 42, "https://a.test/feed"]
	}`))

	if got := set.Count(); got != 2 {
		t.Fatalf("channels after reconcile = %d", got)
	}
	if n := rec.count(event.TypeChannelListUpdated); n != 1 {
		t.Errorf("channel-list-updated events = %d", n)
	}
}

func TestReconcileIdenticalPayloadIsNoop(t *testing.T) {
	set, rec := newTestSet(t, News)
	payload := []byte(`{"success": true, "news": ["https://a.test/feed"]}`)

	set.Reconcile(payload)
	set.Reconcile(payload)

	if n := rec.count(event.TypeChannelListUpdated); n != 1 {
		t.Errorf("identical payloads must rebuild once, got %d events", n)
	}
}

func TestReconcileKeepsListOnFailurePayloads(t *testing.T) {
	set, rec := newTestSet(t, News)
	set.Reconcile([]byte(`{"success": true, "news": ["https://a.test/feed"]}`))

	set.Reconcile([]byte(`{"success": false, "news": []}`))
	set.Reconcile([]byte(`not json`))

	if got := set.Count(); got != 1 {
		t.Errorf("channels after rejected payloads = %d", got)
	}
	if n := rec.count(event.TypeChannelListUpdated); n != 1 {
		t.Errorf("rejected payloads must not notify, got %d events", n)
	}
}

func TestChannelParseMergesByIdentity(t *testing.T) {
	ch := newChannel("https://coinnews.test/feed", 120, 80)

	ch.completeFetch([]byte(rssBody))
	if !ch.parse() {
		t.Fatal("first parse must report a change")
	}
	if got := ch.count(); got != 2 {
		t.Fatalf("items = %d", got)
	}
	if ch.items[0].GUID != "n-2" {
		t.Errorf("items must sort newest first, got %q", ch.items[0].GUID)
	}

	ch.markItemRead("n-1")

	ch.completeFetch([]byte(rssBody))
	if ch.parse() {
		t.Error("identical feed body must not report a change")
	}
	if got := ch.count(); got != 2 {
		t.Errorf("items after re-parse = %d", got)
	}
	if got := ch.countUnread(); got != 1 {
		t.Errorf("read state must survive a re-parse, unread = %d", got)
	}
}

func TestChannelParseFailureMarksFailed(t *testing.T) {
	ch := newChannel("https://coinnews.test/feed", 120, 80)

	ch.completeFetch([]byte("<<< not a feed"))
	if ch.parse() {
		t.Error("unparseable body must not report a change")
	}
	if !ch.isFailed() {
		t.Error("unparseable body must mark the channel failed")
	}
}

func TestParsePassWaitsForInflightFetches(t *testing.T) {
	set, rec := newTestSet(t, News)
	set.Reconcile([]byte(`{"success": true, "news": ["https://a.test/feed", "https://b.test/feed"]}`))

	set.mu.Lock()
	a, b := set.channels[0], set.channels[1]
	now := set.clock.Now()
	a.startFetch(now)
	b.startFetch(now)
	set.mu.Unlock()

	set.finishFetch(a, fetcher.Result{Class: fetcher.ClassOK, Status: 200, Body: []byte(rssBody)})
	if n := rec.count(event.TypeFeedsUpdated); n != 0 {
		t.Fatal("pass must wait for the in-flight fetch")
	}
	if !set.LastUpdate().IsZero() {
		t.Fatal("last update must not advance while a fetch is in flight")
	}

	set.finishFetch(b, fetcher.Result{Class: fetcher.ClassTimeout})
	if n := rec.count(event.TypeFeedsUpdated); n != 1 {
		t.Errorf("feeds-updated events after the round = %d", n)
	}
	if set.LastUpdate().IsZero() {
		t.Error("last update must advance when at least one channel was fetchable")
	}
	if got := set.CountItems(); got != 2 {
		t.Errorf("items after the round = %d", got)
	}
}

func TestMarkAllReadPersists(t *testing.T) {
	set, rec := newTestSet(t, News)
	set.Reconcile([]byte(`{"success": true, "news": ["https://a.test/feed"]}`))

	set.mu.Lock()
	ch := set.channels[0]
	ch.startFetch(set.clock.Now())
	set.mu.Unlock()
	set.finishFetch(ch, fetcher.Result{Class: fetcher.ClassOK, Status: 200, Body: []byte(rssBody)})

	if got := set.CountUnread(); got != 2 {
		t.Fatalf("unread before mark = %d", got)
	}

	set.MarkAllRead()
	if got := set.CountUnread(); got != 0 {
		t.Errorf("unread after mark = %d", got)
	}
	if n := rec.count(event.TypeFeedsUpdated); n != 2 {
		t.Errorf("feeds-updated events = %d", n)
	}

	set.MarkAllRead()
	if n := rec.count(event.TypeFeedsUpdated); n != 2 {
		t.Error("marking an already-read set must not notify again")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bus := event.NewBus(zerolog.Nop())

	store := settings.NewStore(dir, zerolog.Nop())
	set := NewChannelSet(News, Options{}, bus, store.Resource(News.Key()), zerolog.Nop())
	set.Reconcile([]byte(`{"success": true, "news": ["https://a.test/feed"]}`))

	set.mu.Lock()
	ch := set.channels[0]
	ch.startFetch(set.clock.Now())
	set.mu.Unlock()
	set.finishFetch(ch, fetcher.Result{Class: fetcher.ClassOK, Status: 200, Body: []byte(rssBody)})
	set.MarkItemRead("https://a.test/feed", "n-1")

	restoredStore := settings.NewStore(dir, zerolog.Nop())
	restored := NewChannelSet(News, Options{}, bus, restoredStore.Resource(News.Key()), zerolog.Nop())
	restored.Load()

	if got := restored.Count(); got != 1 {
		t.Fatalf("restored channels = %d", got)
	}
	if got := restored.CountItems(); got != 2 {
		t.Fatalf("restored items = %d", got)
	}
	if got := restored.CountUnread(); got != 1 {
		t.Errorf("restored unread = %d", got)
	}

	views := restored.Snapshot()
	if views[0].Title != "Coin News" {
		t.Errorf("restored channel title = %q", views[0].Title)
	}
	if views[0].Items[0].PublishedAt.IsZero() {
		t.Error("restored items must keep their publish time")
	}
}
