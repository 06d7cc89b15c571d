package feeds

// Variant distinguishes the two channel-set instances. They run identical
// code and differ only in the list key, seed addresses, and thumbnail
// geometry.
type Variant int

const (
	News Variant = iota
	Videos
)

// Key is the channel-list payload key and the settings resource name for
// the variant.
func (v Variant) Key() string {
	if v == Videos {
		return "videos"
	}
	return "news"
}

func (v Variant) String() string { return v.Key() }

// ImageSize returns the target thumbnail geometry.
func (v Variant) ImageSize() (width, height int) {
	if v == Videos {
		return 160, 90
	}
	return 120, 80
}

// SeedAddresses is the built-in channel list installed once when the
// variant loads empty.
func (v Variant) SeedAddresses() []string {
	if v == Videos {
		return []string{
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCXyrBCWaRJzHfOtnWaR47Qw",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCbkjUYiPN8P48r0lurEBP8w",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCu1-oBOM-DzJ89o02Bx3XYw",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCiUnrCUGCJTCC7KjuW493Ww",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCu7Sre5A1NMV8J3s2FhluCw",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCCatR7nWbYrkVXdxXb4cGXw",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCc4Rz_T9Sb1w5rqqo9pL1Og",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UC4sS8q8E5ayyghbhiPon4uw",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCNfIaEvbasoC_yIGz5xnE4g",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UC67AEEecqFEc92nVvcqKdhA",
			"https://www.youtube.com/feeds/videos.xml?channel_id=UCspcykxjIbHo0C9ZOCM9YnA",
			"https://www.youtube.com/feeds/videos.xml?user=obham001",
			"https://www.youtube.com/feeds/videos.xml?user=yourmom7829",
			"https://www.youtube.com/feeds/videos.xml?user=Diaryofamademan",
			"https://www.youtube.com/feeds/videos.xml?user=LiljeqvistIvan",
		}
	}
	return []string{
		"https://news.livecoinwatch.com/feed/",
		"https://thetokenist.io/feed/",
		"https://iamnye.com/blog/feed/",
	}
}
