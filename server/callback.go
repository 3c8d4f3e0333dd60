package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"

	"socialrelay/metrics"
	"socialrelay/pkg/relay"
	"socialrelay/storage"
	"socialrelay/twitch"

	"github.com/goccy/go-json"
)

const maxCallbackBody = 1 << 20

var replayDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (s *Server) handleTwitchCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.CallbackRequests.WithLabelValues("too_large").Inc()
			http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	messageID := r.Header.Get(twitch.HeaderMessageID)
	timestamp := r.Header.Get(twitch.HeaderMessageTimestamp)
	signature := r.Header.Get(twitch.HeaderMessageSignature)
	if !twitch.VerifySignature(s.webhookSecret, messageID, timestamp, body, signature) {
		s.logger.Warn("Rejected callback with invalid signature", "message_id", messageID, "remote_addr", r.RemoteAddr)
		metrics.CallbackRequests.WithLabelValues("unauthorized").Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var cb twitch.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		s.logger.Warn("Malformed callback body", "message_id", messageID, "error", err)
		metrics.CallbackRequests.WithLabelValues("malformed").Inc()
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return
	}

	if cb.Challenge != "" {
		s.logger.Info("Answering subscription verification", "subscription_id", cb.Subscription.ID, "type", cb.Subscription.Type)
		metrics.CallbackRequests.WithLabelValues("challenge").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, cb.Challenge); err != nil {
			s.logger.Warn("Failed to write challenge", "error", err)
		}
		return
	}

	s.record(r.Context(), messageID, body)

	if r.Header.Get(twitch.HeaderMessageType) == twitch.MessageRevocation {
		s.logger.Warn("Subscription revoked", "subscription_id", cb.Subscription.ID, "status", cb.Subscription.Status)
		metrics.CallbackRequests.WithLabelValues("revocation").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	published, err := s.dispatch(r.Context(), &cb)
	if err != nil {
		s.logger.Warn("Malformed event payload", "message_id", messageID, "type", cb.Subscription.Type, "error", err)
		metrics.CallbackRequests.WithLabelValues("malformed").Inc()
		http.Error(w, "Malformed event", http.StatusBadRequest)
		return
	}
	if published {
		metrics.CallbackRequests.WithLabelValues("published").Inc()
	} else {
		metrics.CallbackRequests.WithLabelValues("ignored").Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// record keeps the raw payload. Failures are logged; the notification is still handled.
func (s *Server) record(ctx context.Context, messageID string, body []byte) {
	now := s.clock.Now()
	if s.events != nil {
		if err := s.events.InsertEventSubEvent(ctx, messageID, body, now); err != nil {
			s.logger.Error("Failed to record event", "message_id", messageID, "error", err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Put(ctx, storage.EventKey(messageID, now), body); err != nil {
			s.logger.Error("Failed to archive event", "message_id", messageID, "error", err)
		}
	}
}

// dispatch publishes the activity carried by a notification. Unknown types are ignored.
func (s *Server) dispatch(ctx context.Context, cb *twitch.Callback) (bool, error) {
	switch cb.Subscription.Type {
	case twitch.StreamOnline:
		var ev twitch.StreamOnlineEvent
		if err := json.Unmarshal(cb.Event, &ev); err != nil {
			return false, &relay.MalformedPayloadError{Source: "twitch", Err: err}
		}
		if ev.BroadcasterUserID == "" {
			return false, &relay.MalformedPayloadError{Source: "twitch", Err: errors.New("missing broadcaster_user_id")}
		}
		s.logger.Info("Stream went online", "account_id", ev.BroadcasterUserID, "handle", ev.BroadcasterUserLogin, "event_id", ev.ID)
		metrics.ActivitiesPublished.WithLabelValues(string(relay.SourceTwitch)).Inc()
		s.publisher.Publish(ctx, relay.Activity{
			Source:        relay.SourceTwitch,
			AccountID:     ev.BroadcasterUserID,
			AccountHandle: ev.BroadcasterUserLogin,
			PostID:        ev.ID,
		})
		return true, nil
	default:
		s.logger.Info("Ignoring unhandled event type", "type", cb.Subscription.Type, "subscription_id", cb.Subscription.ID)
		return false, nil
	}
}

// handleReplay republishes archived notifications received on one day, given as ?date=YYYY-MM-DD.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if !replayDate.MatchString(date) {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	keys, err := s.archive.List(r.Context(), storage.ArchivePrefix+date+"/")
	if err != nil {
		s.logger.Error("Failed to list archive", "date", date, "error", err)
		http.Error(w, "Failed to list archive", http.StatusInternalServerError)
		return
	}

	replayed, skipped := 0, 0
	for _, key := range keys {
		data, err := s.archive.Get(r.Context(), key)
		if err != nil {
			s.logger.Warn("Failed to load archived event", "key", key, "error", err)
			skipped++
			continue
		}
		var cb twitch.Callback
		if err := json.Unmarshal(data, &cb); err != nil {
			skipped++
			continue
		}
		published, err := s.dispatch(r.Context(), &cb)
		if err != nil || !published {
			skipped++
			continue
		}
		replayed++
	}

	s.logger.Info("Replayed archived events", "date", date, "replayed", replayed, "skipped", skipped)
	writeJSON(w, s.logger, http.StatusOK, map[string]int{"replayed": replayed, "skipped": skipped})
}
