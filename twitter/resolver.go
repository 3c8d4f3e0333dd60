package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialrelay/pkg/relay"

	"github.com/juju/clock"
)

const (
	// lookupChunkSize is the most ids the lookup endpoint accepts per request.
	lookupChunkSize = 100

	// handleTTL is how long a resolved handle is trusted.
	handleTTL = 24 * time.Hour

	// invalidRetryAfter is how long an id that failed to resolve is skipped.
	invalidRetryAfter = 7 * 24 * time.Hour
)

// Lookup resolves ids to handles.
type Lookup interface {
	LookupHandlesByIDs(ctx context.Context, ids []string) (map[string]string, error)
}

// HandleStore persists resolved handles and ids that no longer resolve.
type HandleStore interface {
	CachedHandles(ctx context.Context, ids []string) (map[string]relay.CachedHandle, error)
	UpsertAccountHandleCache(ctx context.Context, accountID, handle string, retrievedAt time.Time) error
	InvalidAccountIDs(ctx context.Context, ids []string) (map[string]time.Time, error)
	MarkInvalidAccountID(ctx context.Context, accountID string, retrievedAt time.Time) error
}

// Resolver turns tracked account ids into handles, caching results.
type Resolver struct {
	lookup Lookup
	store  HandleStore
	clock  clock.Clock
	logger *slog.Logger
}

// NewResolver creates a handle resolver.
func NewResolver(lookup Lookup, store HandleStore, clk clock.Clock, logger *slog.Logger) *Resolver {
	return &Resolver{lookup: lookup, store: store, clock: clk, logger: logger}
}

// Resolve returns the accounts for ids, in input order, skipping ids that do not resolve.
func (r *Resolver) Resolve(ctx context.Context, ids []string) ([]relay.Account, error) {
	now := r.clock.Now()

	cached, err := r.store.CachedHandles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load cached handles: %w", err)
	}
	invalid, err := r.store.InvalidAccountIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load invalid ids: %w", err)
	}

	handles := make(map[string]string, len(ids))
	var stale []string
	for _, id := range ids {
		if markedAt, ok := invalid[id]; ok && now.Sub(markedAt) < invalidRetryAfter {
			continue
		}
		if h, ok := cached[id]; ok {
			handles[id] = h.Handle
			if now.Sub(h.RetrievedAt) < handleTTL {
				continue
			}
		}
		stale = append(stale, id)
	}

	for start := 0; start < len(stale); start += lookupChunkSize {
		chunk := stale[start:min(start+lookupChunkSize, len(stale))]
		if err := r.resolveChunk(ctx, chunk, handles, now); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Keep whatever stale handles we had for this chunk.
			r.logger.Warn("Handle lookup failed", "ids", len(chunk), "error", err)
		}
	}

	accounts := make([]relay.Account, 0, len(handles))
	for _, id := range ids {
		if handle, ok := handles[id]; ok {
			accounts = append(accounts, relay.Account{ID: id, Handle: handle})
		}
	}
	return accounts, nil
}

func (r *Resolver) resolveChunk(ctx context.Context, chunk []string, handles map[string]string, now time.Time) error {
	found, err := r.lookup.LookupHandlesByIDs(ctx, chunk)
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("Whole lookup chunk not found, marking ids invalid", "ids", len(chunk))
		for _, id := range chunk {
			delete(handles, id)
			if err := r.store.MarkInvalidAccountID(ctx, id, now); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}

	for _, id := range chunk {
		handle, ok := found[id]
		if !ok {
			r.logger.Info("Account id no longer resolves", "account_id", id)
			delete(handles, id)
			if err := r.store.MarkInvalidAccountID(ctx, id, now); err != nil {
				return err
			}
			continue
		}
		handles[id] = handle
		if err := r.store.UpsertAccountHandleCache(ctx, id, handle, now); err != nil {
			return err
		}
	}
	return nil
}
