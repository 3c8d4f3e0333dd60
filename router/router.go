// Package router fans activities out to every tracker that follows the account.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"socialrelay/message"
	"socialrelay/pkg/relay"

	"github.com/google/uuid"
)

// DefaultDeliveryTimeout bounds a single channel delivery.
const DefaultDeliveryTimeout = 30 * time.Second

// TrackerStore loads the trackers for an account.
type TrackerStore interface {
	ListTrackersForAccount(ctx context.Context, source relay.SourceKind, accountID string) ([]relay.Tracker, error)
}

// Sender delivers a message to a channel.
type Sender interface {
	Send(ctx context.Context, channelID string, msg *relay.Message) bool
}

// Config holds the presentation settings applied to every message.
type Config struct {
	Username        string
	AvatarURL       string
	DeliveryTimeout time.Duration
}

// Router renders and delivers activities. All work runs on tracked goroutines; Wait
// blocks until it has finished.
type Router struct {
	store  TrackerStore
	sender Sender
	audit  *AuditLog
	logger *slog.Logger
	cfg    Config
	wg     sync.WaitGroup
}

// New creates a router. audit may be nil.
func New(store TrackerStore, sender Sender, audit *AuditLog, cfg Config, logger *slog.Logger) *Router {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return &Router{
		store:  store,
		sender: sender,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
	}
}

// Publish dispatches an activity without blocking. Deliveries are not cancelled
// with ctx; each is bounded by the delivery timeout instead.
func (r *Router) Publish(ctx context.Context, a relay.Activity) {
	ctx = context.WithoutCancel(ctx)
	dispatchID := uuid.NewString()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatch(ctx, dispatchID, a)
	}()

	if r.audit != nil {
		r.audit.Add(a)
	}
}

func (r *Router) dispatch(ctx context.Context, dispatchID string, a relay.Activity) {
	logger := r.logger.With("dispatch_id", dispatchID, "source", a.Source, "account_id", a.AccountID, "handle", a.AccountHandle, "post_id", a.PostID)

	trackers, err := r.store.ListTrackersForAccount(ctx, a.Source, a.AccountID)
	if err != nil {
		logger.Error("Failed to load trackers", "error", err)
		return
	}
	if len(trackers) == 0 {
		logger.Debug("No trackers for activity")
		return
	}
	logger.Info("Relaying activity", "trackers", len(trackers))

	for _, t := range trackers {
		msg := r.render(t, a)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
			defer cancel()
			if !r.sender.Send(dctx, t.ChannelID, msg) {
				logger.Warn("Delivery failed", "tracker_id", t.ID, "guild_id", t.GuildID, "channel_id", t.ChannelID)
				return
			}
			logger.Debug("Delivered", "tracker_id", t.ID, "channel_id", t.ChannelID)
		}()
	}
}

func (r *Router) render(t relay.Tracker, a relay.Activity) *relay.Message {
	link := a.Link()
	tokens := map[string]string{
		"link":   link,
		"handle": a.AccountHandle,
		"id":     a.PostID,
		"source": string(a.Source),
	}
	msg, ok := message.Render(t.Template, tokens)
	if !ok {
		msg = &relay.Message{Content: link}
	}
	msg.Username = r.cfg.Username
	msg.AvatarURL = r.cfg.AvatarURL
	return msg
}

// Wait blocks until every dispatched activity and delivery has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}
