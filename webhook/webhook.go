// Package webhook delivers messages to Discord channels through one cached webhook per channel.
//
// Each channel's webhook carries a persisted liveness state. Channels that were deleted are
// never retried, channels where the bot lacks permission cool down for 15 minutes, and a
// webhook that disappears is rediscovered once before the channel cools down.
package webhook

import (
	"context"
	"log/slog"
	"time"

	"socialrelay/discord"
	"socialrelay/metrics"
	"socialrelay/pkg/relay"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
)

// Cooldown is how long MissingPermission and UnknownWebhookPhase2 suppress delivery.
const Cooldown = 15 * time.Minute

// Discord is the subset of the Discord API the manager needs.
type Discord interface {
	ChannelWebhooks(ctx context.Context, channelID string) ([]discord.Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*discord.Webhook, error)
	ExecuteWebhook(ctx context.Context, webhookID, token string, msg *relay.Message) error
}

// Store persists cached webhooks.
type Store interface {
	GetCachedWebhook(ctx context.Context, channelID string) (*relay.CachedWebhook, error)
	UpsertCachedWebhook(ctx context.Context, w *relay.CachedWebhook) error
}

// Manager owns the cached webhook rows and serializes delivery per channel.
type Manager struct {
	discord     Discord
	store       Store
	clock       clock.Clock
	locks       *kmutex.Kmutex
	logger      *slog.Logger
	webhookName string
}

// New creates a delivery manager. webhookName names webhooks it creates.
func New(d Discord, store Store, clk clock.Clock, webhookName string, logger *slog.Logger) *Manager {
	return &Manager{
		discord:     d,
		store:       store,
		clock:       clk,
		locks:       kmutex.New(),
		logger:      logger,
		webhookName: webhookName,
	}
}

// Send delivers msg to a channel and reports whether Discord accepted it.
func (m *Manager) Send(ctx context.Context, channelID string, msg *relay.Message) bool {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	return m.send(ctx, channelID, msg, false)
}

func (m *Manager) send(ctx context.Context, channelID string, msg *relay.Message, rediscovering bool) bool {
	row, err := m.store.GetCachedWebhook(ctx, channelID)
	if err != nil {
		m.logger.Error("Failed to load cached webhook", "channel_id", channelID, "error", err)
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return false
	}

	now := m.clock.Now()
	var prev relay.WebhookState
	if row != nil {
		prev = row.State
		if suppressed(row, now) {
			m.logger.Debug("Delivery suppressed", "channel_id", channelID, "state", row.State, "updated_at", row.UpdatedAt)
			metrics.WebhookDeliveries.WithLabelValues("suppressed").Inc()
			return false
		}
	}

	if row == nil || row.State != relay.WebhookSuccess {
		var ok bool
		row, ok = m.discover(ctx, channelID, row, now)
		if !ok {
			metrics.WebhookDeliveries.WithLabelValues("discovery_failed").Inc()
			return false
		}
	}

	err = m.discord.ExecuteWebhook(ctx, row.WebhookID, row.WebhookToken, msg)
	switch {
	case err == nil:
		row.State = relay.WebhookSuccess
		row.LastSuccessAt = now
		row.UpdatedAt = now
		m.persist(ctx, row)
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return true

	case discord.IsNotFound(err):
		next := relay.WebhookUnknownWebhookPhase1
		if prev == relay.WebhookUnknownWebhookPhase1 || prev == relay.WebhookUnknownWebhookPhase2 {
			next = relay.WebhookUnknownWebhookPhase2
		}
		m.logger.Warn("Webhook no longer exists", "channel_id", channelID, "webhook_id", row.WebhookID, "previous_state", prev, "state", next)
		row.State = next
		row.UpdatedAt = now
		m.persist(ctx, row)

		if next == relay.WebhookUnknownWebhookPhase1 && !rediscovering {
			return m.send(ctx, channelID, msg, true)
		}
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return false

	default:
		m.logger.Warn("Webhook delivery failed", "channel_id", channelID, "webhook_id", row.WebhookID, "error", err)
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return false
	}
}

func suppressed(row *relay.CachedWebhook, now time.Time) bool {
	switch row.State {
	case relay.WebhookUnknownChannel:
		return true
	case relay.WebhookMissingPermission, relay.WebhookUnknownWebhookPhase2:
		return now.Sub(row.UpdatedAt) <= Cooldown
	default:
		return false
	}
}

// discover finds or creates an incoming webhook for the channel and persists it.
// Failures are persisted too, keeping any previously known id and token.
func (m *Manager) discover(ctx context.Context, channelID string, prev *relay.CachedWebhook, now time.Time) (*relay.CachedWebhook, bool) {
	row := &relay.CachedWebhook{ChannelID: channelID}
	if prev != nil {
		*row = *prev
	}

	hook, err := m.findOrCreate(ctx, channelID)
	if err != nil {
		row.UpdatedAt = now
		if discord.IsUnknownChannel(err) {
			row.State = relay.WebhookUnknownChannel
			m.logger.Warn("Channel does not exist, disabling delivery", "channel_id", channelID)
		} else {
			row.State = relay.WebhookMissingPermission
			m.logger.Warn("Webhook discovery failed", "channel_id", channelID, "error", err)
		}
		m.persist(ctx, row)
		return nil, false
	}

	row.WebhookID = hook.ID
	row.WebhookToken = hook.Token
	row.State = relay.WebhookSuccess
	row.UpdatedAt = now
	m.persist(ctx, row)
	m.logger.Info("Webhook discovered", "channel_id", channelID, "webhook_id", hook.ID)
	return row, true
}

func (m *Manager) findOrCreate(ctx context.Context, channelID string) (*discord.Webhook, error) {
	hooks, err := m.discord.ChannelWebhooks(ctx, channelID)
	if err != nil {
		return nil, err
	}
	for i := range hooks {
		if hooks[i].Type == discord.WebhookTypeIncoming && hooks[i].Token != "" {
			return &hooks[i], nil
		}
	}
	return m.discord.CreateWebhook(ctx, channelID, m.webhookName)
}

func (m *Manager) persist(ctx context.Context, row *relay.CachedWebhook) {
	metrics.WebhookStateTransitions.WithLabelValues(string(row.State)).Inc()
	if err := m.store.UpsertCachedWebhook(ctx, row); err != nil {
		m.logger.Error("Failed to persist cached webhook", "channel_id", row.ChannelID, "state", row.State, "error", err)
	}
}
