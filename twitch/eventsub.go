package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
)

// EventSub callback headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// Message types sent in HeaderMessageType.
const (
	MessageNotification = "notification"
	MessageVerification = "webhook_callback_verification"
	MessageRevocation   = "revocation"
)

// Callback is the body Twitch posts to a webhook transport.
// Challenge is only set on verification requests.
type Callback struct {
	Subscription CallbackSubscription `json:"subscription"`
	Event        json.RawMessage      `json:"event"`
	Challenge    string               `json:"challenge"`
}

// CallbackSubscription identifies which subscription fired.
type CallbackSubscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// StreamOnlineEvent is the event payload of a stream.online notification.
type StreamOnlineEvent struct {
	StartedAt            time.Time `json:"started_at"`
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
}

// Signature computes the expected signature header for a callback.
func Signature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret, messageID, timestamp string, body []byte, header string) bool {
	if header == "" || messageID == "" || timestamp == "" {
		return false
	}
	return hmac.Equal([]byte(Signature(secret, messageID, timestamp, body)), []byte(header))
}
