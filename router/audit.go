package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"socialrelay/message"
	"socialrelay/pkg/relay"

	"github.com/juju/clock"
)

// AuditInterval is how often pending activities are flushed.
const AuditInterval = 5 * time.Second

// URLSender posts a message to a full webhook URL.
type URLSender interface {
	ExecuteURL(ctx context.Context, webhookURL string, msg *relay.Message) error
}

// AuditLog batches every relayed activity into a periodic message on an audit webhook.
type AuditLog struct {
	sender  URLSender
	clock   clock.Clock
	logger  *slog.Logger
	url     string
	pending []relay.Activity
	mu      sync.Mutex
}

// NewAuditLog creates an audit log posting to webhookURL.
func NewAuditLog(sender URLSender, webhookURL string, clk clock.Clock, logger *slog.Logger) *AuditLog {
	return &AuditLog{
		sender: sender,
		clock:  clk,
		logger: logger,
		url:    webhookURL,
	}
}

// Add queues an activity for the next flush.
func (l *AuditLog) Add(a relay.Activity) {
	l.mu.Lock()
	l.pending = append(l.pending, a)
	l.mu.Unlock()
}

// Flush posts everything queued since the last flush as one message.
func (l *AuditLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	for _, a := range batch {
		fmt.Fprintf(&b, "**`%s`** post by `%s (%s)`: %s\n", a.Source, a.AccountHandle, a.AccountID, a.Link())
	}
	msg, ok := message.Render(b.String(), nil)
	if !ok {
		return nil
	}
	if err := l.sender.ExecuteURL(ctx, l.url, msg); err != nil {
		return fmt.Errorf("post audit log: %w", err)
	}
	l.logger.Debug("Audit log flushed", "activities", len(batch))
	return nil
}

// Serve flushes every AuditInterval until ctx is cancelled.
func (l *AuditLog) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(AuditInterval):
		}
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("Audit log flush failed", "error", err)
		}
	}
}

func (l *AuditLog) String() string {
	return "audit-log"
}
