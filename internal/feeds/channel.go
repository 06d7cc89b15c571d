package feeds

import (
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
)

// fetchState tracks one channel's poll lifecycle.
type fetchState int

const (
	stateIdle fetchState = iota
	stateFetching
	stateFailed
)

// Item is one feed entry. Identity is the guid when present, the link
// otherwise.
type Item struct {
	GUID        string
	Link        string
	Title       string
	Description string
	ImageURL    string
	PublishedAt time.Time
	Read        bool
}

func (i *Item) identity() string {
	if i.GUID != "" {
		return i.GUID
	}
	return i.Link
}

// Channel is one subscribed feed. Identity is the feed address. The owning
// set is the sole mutator; all methods assume the set's lock is held.
type Channel struct {
	Address string

	Title       string
	Description string
	SiteLink    string
	IconURL     string

	items []*Item
	index map[string]*Item

	state     fetchState
	body      []byte
	lastFetch time.Time

	imageWidth  int
	imageHeight int
}

func newChannel(address string, imageWidth, imageHeight int) *Channel {
	return &Channel{
		Address:     address,
		index:       make(map[string]*Item),
		imageWidth:  imageWidth,
		imageHeight: imageHeight,
	}
}

// MayFetch reports whether the channel's last poll attempt is older than
// the refresh window.
func (c *Channel) MayFetch(now time.Time, window time.Duration) bool {
	if c.state == stateFetching {
		return false
	}
	return c.lastFetch.IsZero() || now.Sub(c.lastFetch) >= window
}

func (c *Channel) startFetch(now time.Time) {
	c.state = stateFetching
	c.body = nil
	c.lastFetch = now
}

func (c *Channel) completeFetch(body []byte) {
	c.state = stateIdle
	c.body = body
}

func (c *Channel) failFetch() {
	c.state = stateFailed
	c.body = nil
}

func (c *Channel) isFetching() bool { return c.state == stateFetching }
func (c *Channel) isFailed() bool   { return c.state == stateFailed }

// parse consumes the pending feed body and merges its entries. Returns true
// when the item list changed. A body that does not parse marks the channel
// failed for this round.
func (c *Channel) parse() bool {
	if len(c.body) == 0 {
		return false
	}
	body := c.body
	c.body = nil

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		c.state = stateFailed
		return false
	}

	c.Title = feed.Title
	c.Description = feed.Description
	c.SiteLink = feed.Link
	if feed.Image != nil {
		c.IconURL = feed.Image.URL
	}

	changed := false
	for _, raw := range feed.Items {
		item := itemFromFeed(raw)
		if item.identity() == "" {
			continue
		}

		if existing, ok := c.index[item.identity()]; ok {
			if existing.Title != item.Title || existing.Description != item.Description {
				existing.Title = item.Title
				existing.Description = item.Description
				existing.ImageURL = item.ImageURL
				changed = true
			}
			continue
		}

		c.items = append(c.items, item)
		c.index[item.identity()] = item
		changed = true
	}

	if changed {
		c.sortItems()
	}
	return changed
}

func itemFromFeed(raw *gofeed.Item) *Item {
	item := &Item{
		GUID:        raw.GUID,
		Link:        raw.Link,
		Title:       raw.Title,
		Description: raw.Description,
	}
	if raw.PublishedParsed != nil {
		item.PublishedAt = *raw.PublishedParsed
	} else if raw.UpdatedParsed != nil {
		item.PublishedAt = *raw.UpdatedParsed
	}
	if raw.Image != nil {
		item.ImageURL = raw.Image.URL
	} else {
		for _, enc := range raw.Enclosures {
			if enc.URL != "" {
				item.ImageURL = enc.URL
				break
			}
		}
	}
	return item
}

func (c *Channel) sortItems() {
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].PublishedAt.After(c.items[j].PublishedAt)
	})
}

func (c *Channel) addRestoredItem(item *Item) {
	if item.identity() == "" {
		return
	}
	if _, ok := c.index[item.identity()]; ok {
		return
	}
	c.items = append(c.items, item)
	c.index[item.identity()] = item
}

func (c *Channel) count() int { return len(c.items) }

func (c *Channel) countUnread() int {
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

func (c *Channel) markAsRead() bool {
	changed := false
	for _, item := range c.items {
		if !item.Read {
			item.Read = true
			changed = true
		}
	}
	return changed
}

func (c *Channel) markItemRead(identity string) bool {
	item, ok := c.index[identity]
	if !ok || item.Read {
		return false
	}
	item.Read = true
	return true
}
