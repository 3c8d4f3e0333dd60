// Package relay contains the core domain types for the social activity relay.
package relay

import (
	"strings"
	"time"
)

// SourceKind identifies the platform an account belongs to.
type SourceKind string

const (
	SourceTwitter SourceKind = "twitter"
	SourceTwitch  SourceKind = "twitch"
)

// Account is a resolved source account.
type Account struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// Tracker asks for an account's activity to be relayed to a Discord channel.
type Tracker struct {
	ID        int64      `json:"id"`
	Source    SourceKind `json:"source"`
	GuildID   string     `json:"guild_id"`
	ChannelID string     `json:"channel_id"`
	AccountID string     `json:"account_id"`
	Template  string     `json:"template"` // Plain text or JSON message template
}

// Activity is a single piece of new activity flowing over the bus.
type Activity struct {
	Source        SourceKind `json:"source"`
	AccountID     string     `json:"account_id"`
	AccountHandle string     `json:"account_handle"`
	PostID        string     `json:"post_id"`
}

// Link returns the public URL for the activity.
func (a Activity) Link() string {
	switch a.Source {
	case SourceTwitch:
		return "https://www.twitch.tv/" + a.AccountHandle
	default:
		return "https://twitter.com/" + a.AccountHandle + "/status/" + a.PostID
	}
}

// PostKind distinguishes an account's own posts from reposts.
type PostKind int

const (
	OwnPost PostKind = iota
	Repost
)

// Post is a single timeline entry.
type Post struct {
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
	Kind        PostKind  `json:"kind"`
}

// Outcome is the result tag of a poll.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeNoNewData
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeNoNewData:
		return "no_new_data"
	default:
		return "unknown"
	}
}

// PollResult records the outcome of a single timeline check.
type PollResult struct {
	PolledAt   time.Time `json:"polled_at"`
	Posts      []Post    `json:"posts"` // Newest first, Success only
	StatusCode int       `json:"status_code"`
	Outcome    Outcome   `json:"outcome"`
}

// Newest returns the most recent post of any kind.
func (r *PollResult) Newest() (Post, bool) {
	if r == nil || len(r.Posts) == 0 {
		return Post{}, false
	}
	return r.Posts[0], true
}

// WebhookState is the liveness state of a cached Discord webhook.
type WebhookState string

const (
	WebhookSuccess              WebhookState = "success"
	WebhookMissingPermission    WebhookState = "missing_permission"
	WebhookUnknownChannel       WebhookState = "unknown_channel"
	WebhookUnknownWebhookPhase1 WebhookState = "unknown_webhook_phase_1"
	WebhookUnknownWebhookPhase2 WebhookState = "unknown_webhook_phase_2"
)

// CachedWebhook is the persisted delivery credential for a channel.
type CachedWebhook struct {
	UpdatedAt     time.Time    `json:"updated_at"`
	LastSuccessAt time.Time    `json:"last_success_at"`
	ChannelID     string       `json:"channel_id"`
	WebhookID     string       `json:"webhook_id"`
	WebhookToken  string       `json:"webhook_token"`
	State         WebhookState `json:"state"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Author      *EmbedAuthor `json:"author,omitempty"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Color       int          `json:"color,omitempty"`
}

// EmbedAuthor is the name line shown above an embed title.
type EmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedImage is an embed thumbnail or image.
type EmbedImage struct {
	URL string `json:"url,omitempty"`
}

// EmbedFooter is the small text at the bottom of an embed.
type EmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedField is one name/value pair. Discord shows at most 25 per embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// AllowedMentions controls which mentions Discord resolves.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// Message is a Discord execute-webhook body.
type Message struct {
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
	Content         string           `json:"content,omitempty"`
	Username        string           `json:"username,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	Embeds          []Embed          `json:"embeds,omitempty"`
}

// Subscription is a live push subscription on an upstream platform.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Status    string    `json:"status"`
	Callback  string    `json:"callback"`
	Cost      int       `json:"cost"`
}

// SubscriptionPage is every subscription held by one credential pool.
type SubscriptionPage struct {
	Subscriptions []Subscription
	TotalCost     int
	MaxTotalCost  int
}

// CachedHandle is a resolved account id to handle mapping.
type CachedHandle struct {
	RetrievedAt time.Time
	AccountID   string
	Handle      string
}

// CompareIDs orders decimal snowflake ids numerically.
// Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}
