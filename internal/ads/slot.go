package ads

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"marketsync/internal/event"
	"marketsync/internal/fetcher"
)

// DefaultDuration is the display time in seconds when an ad carries none.
const DefaultDuration = 60

// Ad is the current advertisement. Identity is the server-assigned id.
type Ad struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// IsEmpty reports whether the slot holds no ad.
func (a Ad) IsEmpty() bool { return a.ID == "" }

// Options parameterise the slot.
type Options struct {
	// BaseURL is the remote API root, e.g. "https://api.bettergram.io/v1".
	BaseURL string
	Clock   clockwork.Clock
	// OnDeprecated is invoked when the ad endpoint signals retirement.
	// Rotation stops for that round. May be nil.
	OnDeprecated func(fetcher.Result)
}

// Slot owns exactly one current advertisement and its rotation schedule.
// Every successful fetch replaces the ad wholesale; setting the paid flag
// clears it.
type Slot struct {
	opts   Options
	logger zerolog.Logger
	bus    *event.Bus
	client *fetcher.Client
	clock  clockwork.Clock

	mu           sync.Mutex
	current      Ad
	paid         bool
	windowActive bool
	onActivation func()
	timer        clockwork.Timer
}

// NewSlot constructs an empty slot. Call Start to begin the rotation.
func NewSlot(opts Options, client *fetcher.Client, bus *event.Bus, logger zerolog.Logger) *Slot {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Slot{
		opts:   opts,
		logger: logger.With().Str("component", "ad_slot").Logger(),
		bus:    bus,
		client: client,
		clock:  clock,
	}
}

// Current returns the displayed ad; IsEmpty when the slot is vacant.
func (s *Slot) Current() Ad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Paid reports whether the paid flag suppresses rotation.
func (s *Slot) Paid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paid
}

// SetPaid installs the paid flag. Turning it on clears the slot; turning it
// off restarts the rotation from scratch.
func (s *Slot) SetPaid(ctx context.Context, paid bool) {
	s.mu.Lock()
	if s.paid == paid {
		s.mu.Unlock()
		return
	}
	s.paid = paid
	hadAd := !s.current.IsEmpty()
	if paid {
		s.current = Ad{}
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.onActivation = nil
	}
	s.mu.Unlock()

	if paid && hadAd {
		s.bus.Publish(event.Event{Type: event.TypeAdChanged, Payload: Ad{}})
	}
	if !paid {
		s.FetchNext(ctx, true)
	}
}

// SetWindowActive records host-window activity. A rotation deferred while
// the window was inactive resumes exactly once on the first activation.
func (s *Slot) SetWindowActive(active bool) {
	s.mu.Lock()
	s.windowActive = active
	var fire func()
	if active && s.onActivation != nil {
		fire = s.onActivation
		s.onActivation = nil
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Start begins the rotation with a fresh fetch.
func (s *Slot) Start(ctx context.Context) {
	s.FetchNext(ctx, true)
}

// FetchNext requests the next ad. With reset false the currently displayed
// ad's id is excluded from the rotation; reset true asks for a fresh pick.
func (s *Slot) FetchNext(ctx context.Context, reset bool) {
	s.mu.Lock()
	if s.paid {
		hadAd := !s.current.IsEmpty()
		s.current = Ad{}
		s.mu.Unlock()
		if hadAd {
			s.bus.Publish(event.Event{Type: event.TypeAdChanged, Payload: Ad{}})
		}
		return
	}

	url := s.opts.BaseURL + "/ads/next"
	if !reset && !s.current.IsEmpty() {
		url += "?last=" + s.current.ID
	}
	s.mu.Unlock()

	s.handleResult(ctx, s.client.Get(ctx, url))
}

func (s *Slot) handleResult(ctx context.Context, res fetcher.Result) {
	if res.Deprecated() {
		s.logger.Warn().Str("url", res.URL).Msg("ad endpoint is deprecated, rotation stopped")
		if s.opts.OnDeprecated != nil {
			s.opts.OnDeprecated(res)
		}
		return
	}

	if !res.OK() {
		s.logger.Warn().Stringer("class", res.Class).Msg("ad fetch failed")
		s.ScheduleNext(ctx, false)
		return
	}

	if s.install(res.Body) {
		s.ScheduleNext(ctx, false)
	} else {
		// Retry without excluding the previous ad.
		s.ScheduleNext(ctx, true)
	}
}

// install validates and applies an ad payload. Incomplete ads are rejected
// wholesale; the slot never holds a partially valid ad.
func (s *Slot) install(payload []byte) bool {
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Ad      *struct {
			ID       string `json:"_id"`
			Text     string `json:"text"`
			URL      string `json:"url"`
			Duration *int   `json:"duration"`
		} `json:"ad"`
	}

	if err := json.Unmarshal(payload, &body); err != nil {
		s.logger.Warn().Err(err).Msg("ad payload is not a json object")
		return false
	}
	if !body.Success {
		s.logger.Warn().Str("message", body.Message).Msg("ad fetch rejected by server")
		return false
	}
	if body.Ad == nil || body.Ad.ID == "" || body.Ad.Text == "" || body.Ad.URL == "" {
		s.logger.Warn().Msg("ad payload is incomplete, rejected")
		return false
	}

	duration := DefaultDuration
	if body.Ad.Duration != nil && *body.Ad.Duration > 0 {
		duration = *body.Ad.Duration
	}

	ad := Ad{ID: body.Ad.ID, Text: body.Ad.Text, URL: body.Ad.URL, Duration: duration}

	s.mu.Lock()
	changed := s.current != ad
	s.current = ad
	s.mu.Unlock()

	if changed {
		s.bus.Publish(event.Event{Type: event.TypeAdChanged, Payload: ad})
	}
	return true
}

// ScheduleNext arms the next fetch after the current ad's display duration.
// If the host window is inactive when the timer fires, the fetch is parked
// on a one-shot activation hook instead.
func (s *Slot) ScheduleNext(ctx context.Context, reset bool) {
	s.mu.Lock()
	delay := s.current.Duration
	if delay <= 0 {
		delay = DefaultDuration
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(time.Duration(delay)*time.Second, func() {
		s.mu.Lock()
		if s.windowActive {
			s.onActivation = nil
			s.mu.Unlock()
			s.FetchNext(ctx, reset)
			return
		}
		s.onActivation = func() {
			s.FetchNext(ctx, reset)
		}
		s.mu.Unlock()
	})
	s.mu.Unlock()
}
