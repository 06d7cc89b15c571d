package event

import "time"

// Type identifies a sync event.
type Type uint16

const (
	TypeNamesUpdated Type = iota + 1
	TypeValuesUpdated
	TypeSearchNamesUpdated
	TypeStatsUpdated
	TypeFavoritesChanged
	TypeChannelListUpdated
	TypeFeedsUpdated
	TypeAdChanged
	TypeResourcesUpdated
	TypePinnedNewsUpdated
	TypeDeprecatedAPI
	TypeUpdateAvailable
)

// String names the event type for logs and the websocket stream.
func (t Type) String() string {
	switch t {
	case TypeNamesUpdated:
		return "names_updated"
	case TypeValuesUpdated:
		return "values_updated"
	case TypeSearchNamesUpdated:
		return "search_names_updated"
	case TypeStatsUpdated:
		return "stats_updated"
	case TypeFavoritesChanged:
		return "favorites_changed"
	case TypeChannelListUpdated:
		return "channel_list_updated"
	case TypeFeedsUpdated:
		return "feeds_updated"
	case TypeAdChanged:
		return "ad_changed"
	case TypeResourcesUpdated:
		return "resources_updated"
	case TypePinnedNewsUpdated:
		return "pinned_news_updated"
	case TypeDeprecatedAPI:
		return "deprecated_api"
	case TypeUpdateAvailable:
		return "update_available"
	default:
		return "unknown"
	}
}

// Event is a single notification fanned out to observers.
type Event struct {
	Type Type      `json:"type"`
	Ts   time.Time `json:"ts"`
	// Source carries the request URL for value updates, or the
	// channel-list kind ("news"/"videos") for feed events.
	Source string `json:"source,omitempty"`
	// Payload is event-specific snapshot data; observers must treat it
	// as read-only.
	Payload any `json:"payload,omitempty"`
}
