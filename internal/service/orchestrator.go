package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"marketsync/internal/ads"
	"marketsync/internal/archive"
	"marketsync/internal/config"
	"marketsync/internal/event"
	"marketsync/internal/feeds"
	"marketsync/internal/fetcher"
	"marketsync/internal/prices"
	"marketsync/internal/resources"
	"marketsync/internal/settings"
	"marketsync/internal/version"
)

const (
	// deprecatedNoticeCooldown is the minimum gap between two deprecated-API
	// notices.
	deprecatedNoticeCooldown = 2 * time.Hour

	// archiveRetention bounds how far back the sample archive keeps data.
	archiveRetention = 90 * 24 * time.Hour
)

// Options parameterise the orchestrator.
type Options struct {
	Clock clockwork.Clock
}

// Orchestrator is the root sync component. It owns the price catalog, both
// feed channel sets, the ad slot, resource groups, and pinned news, and
// drives all fixed-interval polling.
type Orchestrator struct {
	cfg    config.Config
	logger zerolog.Logger
	bus    *event.Bus
	client *fetcher.Client
	clock  clockwork.Clock

	catalog *prices.Catalog
	news    *feeds.ChannelSet
	videos  *feeds.ChannelSet
	groups  *resources.GroupList
	pinned  *resources.PinnedNewsList
	adSlot  *ads.Slot
	samples archive.SampleStore
	appCfg  *settings.Resource

	scheduler gocron.Scheduler

	mu             sync.Mutex
	ctx            context.Context
	depShown       bool
	depLastNotice  time.Time
	settingsPorted bool
}

// New wires the orchestrator and its owned components. Call Start to load
// state and begin polling.
func New(cfg config.Config, bus *event.Bus, samples archive.SampleStore, logger zerolog.Logger, opts Options) (*Orchestrator, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		bus:     bus,
		clock:   clock,
		samples: samples,
	}

	o.client = fetcher.New(fetcher.Options{
		Timeout:   cfg.Network.Timeout,
		UserAgent: cfg.Network.UserAgent,
	}, logger)

	store := settings.NewStore(cfg.App.DataDir, logger)
	o.appCfg = store.Resource("app")

	o.catalog = prices.NewCatalog(prices.Options{
		BaseURL:      cfg.Prices.BaseURL,
		OnIconNeeded: o.fetchIcon,
		Clock:        clock,
	}, bus, store.Resource("prices"), logger)

	o.news = feeds.NewChannelSet(feeds.News, feeds.Options{Clock: clock},
		bus, store.Resource(feeds.News.Key()), logger)
	o.videos = feeds.NewChannelSet(feeds.Videos, feeds.Options{Clock: clock},
		bus, store.Resource(feeds.Videos.Key()), logger)

	o.groups = resources.NewGroupList(resources.Options{
		CachePath: cfg.ResourcesCachePath(),
		Clock:     clock,
	}, bus, logger)
	o.pinned = resources.NewPinnedNewsList(bus, logger)

	o.adSlot = ads.NewSlot(ads.Options{
		BaseURL: cfg.Remote.BaseURL,
		Clock:   clock,
		OnDeprecated: func(res fetcher.Result) {
			o.showDeprecatedNotice(res.URL)
		},
	}, o.client, bus, logger)

	scheduler, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	o.scheduler = scheduler

	return o, nil
}

// Start loads persisted state, issues the initial polls, and arms every
// recurring timer.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	o.catalog.Load()
	o.news.Load()
	o.videos.Load()
	o.groups.Load()
	o.portSettings()

	o.PollNames(ctx)
	o.PollChannelList(ctx, o.news)
	o.PollChannelList(ctx, o.videos)
	o.PollResources(ctx)
	o.PollPinnedNews(ctx)
	go o.adSlot.Start(ctx)

	timers := o.cfg.Sync
	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"price_names", timers.NamesRefresh, func() { o.PollNames(ctx) }},
		{"save_prices", timers.SavePrices, func() { o.saveCatalog() }},
		{"news_channel_list", timers.ChannelListRefresh, func() { o.PollChannelList(ctx, o.news) }},
		{"video_channel_list", timers.ChannelListRefresh, func() { o.PollChannelList(ctx, o.videos) }},
		{"housekeeping", timers.Housekeeping, func() { o.housekeeping(ctx) }},
		{"update_check", timers.UpdateCheck, func() { o.CheckForUpdates(ctx) }},
	}
	for _, job := range jobs {
		if _, err := o.scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.run),
			gocron.WithName(job.name),
		); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	if _, err := o.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(o.clock.Now().Add(timers.FirstUpdateCheck))),
		gocron.NewTask(func() { o.CheckForUpdates(ctx) }),
		gocron.WithName("first_update_check"),
	); err != nil {
		return fmt.Errorf("schedule first update check: %w", err)
	}

	o.scheduler.Start()

	go o.valueLoop(ctx)
	go o.feedLoop(ctx)

	o.logger.Info().Msg("sync orchestrator started")
	return nil
}

// Stop shuts the timers down and flushes the price catalog.
func (o *Orchestrator) Stop() {
	if err := o.scheduler.Shutdown(); err != nil {
		o.logger.Warn().Err(err).Msg("scheduler shutdown")
	}
	o.saveCatalog()
	o.logger.Info().Msg("sync orchestrator stopped")
}

// valueLoop drives value polling at the server-adjustable cadence. The
// frequency is re-read every round so a stats update takes effect on the
// next tick.
func (o *Orchestrator) valueLoop(ctx context.Context) {
	for {
		interval := time.Duration(o.catalog.Freq()) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(interval):
			o.PollValues(ctx)
		}
	}
}

// feedLoop polls feed bodies once a minute; per-channel refresh windows
// inside PollAll decide which channels actually fetch.
func (o *Orchestrator) feedLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(time.Minute):
			o.news.PollAll(ctx, o.client)
			o.videos.PollAll(ctx, o.client)
		}
	}
}

// PollNames fetches the full price-name list.
func (o *Orchestrator) PollNames(ctx context.Context) {
	o.client.Fetch(ctx, o.catalog.NamesURL(), func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("price name fetch failed")
			return
		}
		o.catalog.IngestNames(res.Body)
	})
}

// PollValues fetches the current value window for the active view and, when
// the throttle allows, follows up with a stats poll.
func (o *Orchestrator) PollValues(ctx context.Context) {
	if !o.catalog.NamesFetched() {
		// Value records cannot resolve without the name list; retry the
		// name fetch here so a failed startup poll recovers on the next
		// value tick instead of waiting for the daily refresh.
		o.PollNames(ctx)
		return
	}

	var url string
	switch {
	case o.catalog.IsSearching():
		url = o.catalog.URLForSearchValues(0, o.cfg.Sync.ValuesPageSize)
	case o.catalog.FavoritesOnly():
		url = o.catalog.URLForValuesOnly(0, o.cfg.Sync.ValuesPageSize, o.catalog.FavoriteCodes())
	default:
		url = o.catalog.URLForValues(0, o.cfg.Sync.ValuesPageSize)
	}
	if url == "" {
		return
	}

	o.client.Fetch(ctx, url, func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("price value fetch failed")
			return
		}

		views := o.catalog.IngestValues(res.Body, url)
		o.archiveViews(ctx, views)

		if o.catalog.MayFetchStats() {
			o.PollStats(ctx)
		}
	})
}

// PollStats fetches the aggregate market stats.
func (o *Orchestrator) PollStats(ctx context.Context) {
	o.client.Fetch(ctx, o.catalog.StatsURL(), func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("stats fetch failed")
			return
		}
		o.catalog.IngestStats(res.Body)
		o.archiveStats(ctx)
	})
}

// PollSearch fetches search-name results for the active search text.
func (o *Orchestrator) PollSearch(ctx context.Context) {
	url := o.catalog.SearchNamesURL()
	if url == "" {
		return
	}
	text := o.catalog.SearchText()

	o.client.Fetch(ctx, url, func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Str("search", text).Msg("search fetch failed")
			return
		}
		o.catalog.IngestSearchNames(res.Body, text)
	})
}

// SetSearchText installs the search text and, when search became active,
// issues the search poll. The poll runs on the orchestrator's lifecycle
// context when Start has been called, so a short-lived caller context does
// not abort it.
func (o *Orchestrator) SetSearchText(ctx context.Context, text string) {
	o.mu.Lock()
	if o.ctx != nil {
		ctx = o.ctx
	}
	o.mu.Unlock()

	o.catalog.SetSearchText(text)
	if o.catalog.IsSearching() {
		o.PollSearch(ctx)
	} else {
		o.catalog.EmptyValues()
	}
}

// PollChannelList fetches the channel-address list of one feed set and
// follows up with a feed poll.
func (o *Orchestrator) PollChannelList(ctx context.Context, set *feeds.ChannelSet) {
	url := o.cfg.RemoteURL("/" + set.Variant().Key())
	o.client.Fetch(ctx, url, func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Stringer("variant", set.Variant()).
				Msg("channel list fetch failed")
			return
		}
		set.Reconcile(res.Body)
		set.PollAll(ctx, o.client)
	})
}

// PollResources fetches the resource-group list.
func (o *Orchestrator) PollResources(ctx context.Context) {
	o.client.Fetch(ctx, o.cfg.RemoteURL("/resources"), func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("resource list fetch failed")
			return
		}
		o.groups.Ingest(res.Body)
	})
}

// PollPinnedNews fetches the pinned headline list.
func (o *Orchestrator) PollPinnedNews(ctx context.Context) {
	o.client.Fetch(ctx, o.cfg.RemoteURL("/pinned_news"), func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("pinned news fetch failed")
			return
		}
		o.pinned.Ingest(res.Body)
	})
}

// CheckForUpdates compares the version manifest against the build version.
func (o *Orchestrator) CheckForUpdates(ctx context.Context) {
	o.client.Fetch(ctx, o.cfg.RemoteURL("/version"), func(res fetcher.Result) {
		if o.handleDeprecated(res) {
			return
		}
		if !res.OK() {
			o.logger.Warn().Stringer("class", res.Class).Msg("update check failed")
			return
		}

		var body struct {
			Success bool   `json:"success"`
			Version string `json:"version"`
			URL     string `json:"url"`
		}
		if err := json.Unmarshal(res.Body, &body); err != nil || !body.Success || body.Version == "" {
			o.logger.Warn().Msg("version manifest is unusable")
			return
		}

		if body.Version != version.Version {
			o.logger.Info().Str("available", body.Version).Str("running", version.Version).
				Msg("update available")
			o.bus.Publish(event.Event{Type: event.TypeUpdateAvailable, Payload: body})
		}
	})
}

// housekeeping is the daily pass: resource groups and pinned news are
// re-polled regardless of UI visibility, and the archive retention horizon
// is enforced.
func (o *Orchestrator) housekeeping(ctx context.Context) {
	o.PollResources(ctx)
	o.PollPinnedNews(ctx)

	if err := o.samples.DeleteSamplesBefore(ctx, o.clock.Now().Add(-archiveRetention)); err != nil {
		o.logger.Warn().Err(err).Msg("archive retention failed")
	}
}

// SetWindowActive forwards host-window activity to the ad rotation.
func (o *Orchestrator) SetWindowActive(active bool) {
	o.adSlot.SetWindowActive(active)
}

// SetPaid forwards the paid flag to the ad slot.
func (o *Orchestrator) SetPaid(ctx context.Context, paid bool) {
	o.adSlot.SetPaid(ctx, paid)
}

// DismissDeprecatedNotice re-arms the deprecated-API notice after the user
// acknowledged it.
func (o *Orchestrator) DismissDeprecatedNotice() {
	o.mu.Lock()
	o.depLastNotice = o.clock.Now()
	o.depShown = false
	o.mu.Unlock()
}

// handleDeprecated routes a completion through the deprecated-endpoint
// check. Returns true when the payload must not be processed further.
func (o *Orchestrator) handleDeprecated(res fetcher.Result) bool {
	if !res.Deprecated() {
		return false
	}
	o.showDeprecatedNotice(res.URL)
	return true
}

// showDeprecatedNotice publishes the rate-limited deprecated-API notice: at
// most one while shown, and at most one per cooldown window.
func (o *Orchestrator) showDeprecatedNotice(url string) {
	now := o.clock.Now()

	o.mu.Lock()
	if o.depShown || (!o.depLastNotice.IsZero() && now.Sub(o.depLastNotice) < deprecatedNoticeCooldown) {
		o.mu.Unlock()
		return
	}
	o.depLastNotice = now
	o.depShown = true
	o.mu.Unlock()

	o.logger.Warn().Str("url", url).Msg("remote api is deprecated")
	o.bus.Publish(event.Event{Type: event.TypeDeprecatedAPI, Source: url})
}

// portSettings flips the one-time migration flag. The legacy-settings copy
// itself belongs to an external collaborator; only the flag lives here.
func (o *Orchestrator) portSettings() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.settingsPorted = o.appCfg.GetBool("metadata.settings_ported")
	if o.settingsPorted {
		return
	}

	o.appCfg.Set("metadata.settings_ported", true)
	if err := o.appCfg.Save(); err != nil {
		o.logger.Warn().Err(err).Msg("failed to persist settings-ported flag")
		return
	}
	o.settingsPorted = true
}

func (o *Orchestrator) fetchIcon(view prices.View) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if ctx == nil || view.IconURL == "" {
		return
	}

	o.client.Fetch(ctx, view.IconURL, func(res fetcher.Result) {
		if !res.OK() {
			return
		}
		o.catalog.SetIcon(prices.Key{Name: view.Name, Code: view.Code}, res.Body)
	})
}

func (o *Orchestrator) archiveViews(ctx context.Context, views []prices.View) {
	if len(views) == 0 {
		return
	}

	ts := o.clock.Now().Truncate(time.Second)
	samples := make([]archive.PriceSample, 0, len(views))
	for _, view := range views {
		samples = append(samples, archive.PriceSample{
			Ts:          ts,
			Code:        view.Code,
			Name:        view.Name,
			Rank:        view.Rank,
			Price:       view.Price,
			Change24h:   view.Change24h,
			MinuteTrend: view.MinuteTrend,
		})
	}
	if err := o.samples.InsertPriceSamples(ctx, samples); err != nil {
		o.logger.Warn().Err(err).Msg("failed to archive price samples")
	}
}

func (o *Orchestrator) archiveStats(ctx context.Context) {
	sample := archive.StatsSample{
		Ts:           o.clock.Now().Truncate(time.Second),
		MarketCap:    o.catalog.MarketCap(),
		BTCDominance: o.catalog.BTCDominance(),
		Freq:         o.catalog.Freq(),
	}
	if err := o.samples.InsertStatsSample(ctx, sample); err != nil {
		o.logger.Warn().Err(err).Msg("failed to archive stats sample")
	}
}

func (o *Orchestrator) saveCatalog() {
	if err := o.catalog.Save(); err != nil {
		o.logger.Error().Err(err).Msg("failed to save price catalog")
	}
}

// Catalog exposes the price catalog for read-only snapshot use.
func (o *Orchestrator) Catalog() *prices.Catalog { return o.catalog }

// News exposes the news channel set for read-only snapshot use.
func (o *Orchestrator) News() *feeds.ChannelSet { return o.news }

// Videos exposes the video channel set for read-only snapshot use.
func (o *Orchestrator) Videos() *feeds.ChannelSet { return o.videos }

// Resources exposes the resource-group list for read-only snapshot use.
func (o *Orchestrator) Resources() *resources.GroupList { return o.groups }

// PinnedNews exposes the pinned headline list for read-only snapshot use.
func (o *Orchestrator) PinnedNews() *resources.PinnedNewsList { return o.pinned }

// AdSlot exposes the rotating ad slot for read-only snapshot use.
func (o *Orchestrator) AdSlot() *ads.Slot { return o.adSlot }
