package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"socialrelay/pkg/relay"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// maxInClause bounds the number of bound parameters in a single IN (...) query.
const maxInClause = 500

// SQLStore persists trackers, cached webhooks, account handles and raw push events.
// The same queries run against SQLite and PostgreSQL; only placeholders and schema types differ.
type SQLStore struct {
	conn   *sql.DB
	logger *slog.Logger
	driver string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	switch driver {
	case DriverSQLite:
		// A single writer avoids SQLITE_BUSY and keeps :memory: databases on one connection.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	case DriverPostgres:
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	default:
		conn.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	s := &SQLStore{conn: conn, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("Database ready", "driver", driver)
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idColumn, payloadColumn := "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"
	if s.driver == DriverPostgres {
		idColumn, payloadColumn = "BIGSERIAL PRIMARY KEY", "JSONB"
	}

	// Timestamps are unix milliseconds so both drivers scan them identically.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trackers (
			id ` + idColumn + `,
			source TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			template TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trackers_account ON trackers(source, account_id)`,
		`CREATE TABLE IF NOT EXISTS cached_webhooks (
			channel_id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL DEFAULT '',
			webhook_token TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_success_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cached_account_handles (
			account_id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			retrieved_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS invalid_account_ids (
			account_id TEXT PRIMARY KEY,
			retrieved_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS eventsub_events (
			message_id TEXT PRIMARY KEY,
			received_at BIGINT NOT NULL,
			event ` + payloadColumn + ` NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// --- Trackers ---

// AddTracker inserts a tracker and returns its id.
func (s *SQLStore) AddTracker(ctx context.Context, t *relay.Tracker) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, s.rebind(
		`INSERT INTO trackers (source, guild_id, channel_id, account_id, template) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		string(t.Source), t.GuildID, t.ChannelID, t.AccountID, t.Template).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert tracker: %w", err)
	}
	return id, nil
}

// RemoveTracker deletes a tracker by id.
func (s *SQLStore) RemoveTracker(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, s.rebind(`DELETE FROM trackers WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete tracker: %w", err)
	}
	return nil
}

// ListTrackedAccounts returns every account id with at least one tracker,
// most tracked first.
func (s *SQLStore) ListTrackedAccounts(ctx context.Context, source relay.SourceKind) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, s.rebind(
		`SELECT account_id FROM trackers WHERE source = ? GROUP BY account_id ORDER BY COUNT(*) DESC, account_id`),
		string(source))
	if err != nil {
		return nil, fmt.Errorf("query tracked accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tracked account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTrackersForAccount returns every tracker interested in an account.
func (s *SQLStore) ListTrackersForAccount(ctx context.Context, source relay.SourceKind, accountID string) ([]relay.Tracker, error) {
	rows, err := s.conn.QueryContext(ctx, s.rebind(
		`SELECT id, source, guild_id, channel_id, account_id, template FROM trackers WHERE source = ? AND account_id = ? ORDER BY id`),
		string(source), accountID)
	if err != nil {
		return nil, fmt.Errorf("query trackers: %w", err)
	}
	defer rows.Close()

	var trackers []relay.Tracker
	for rows.Next() {
		var t relay.Tracker
		var src string
		if err := rows.Scan(&t.ID, &src, &t.GuildID, &t.ChannelID, &t.AccountID, &t.Template); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		t.Source = relay.SourceKind(src)
		trackers = append(trackers, t)
	}
	return trackers, rows.Err()
}

// --- Cached webhooks ---

// GetCachedWebhook returns the cached webhook for a channel, or nil when none exists.
func (s *SQLStore) GetCachedWebhook(ctx context.Context, channelID string) (*relay.CachedWebhook, error) {
	var w relay.CachedWebhook
	var state string
	var updatedAt, lastSuccessAt int64
	err := s.conn.QueryRowContext(ctx, s.rebind(
		`SELECT channel_id, webhook_id, webhook_token, state, updated_at, last_success_at FROM cached_webhooks WHERE channel_id = ?`),
		channelID).Scan(&w.ChannelID, &w.WebhookID, &w.WebhookToken, &state, &updatedAt, &lastSuccessAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cached webhook: %w", err)
	}
	w.State = relay.WebhookState(state)
	w.UpdatedAt = fromMillis(updatedAt)
	w.LastSuccessAt = fromMillis(lastSuccessAt)
	return &w, nil
}

// UpsertCachedWebhook writes the channel's webhook row, replacing any previous one.
func (s *SQLStore) UpsertCachedWebhook(ctx context.Context, w *relay.CachedWebhook) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO cached_webhooks (channel_id, webhook_id, webhook_token, state, updated_at, last_success_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			webhook_id = excluded.webhook_id,
			webhook_token = excluded.webhook_token,
			state = excluded.state,
			updated_at = excluded.updated_at,
			last_success_at = excluded.last_success_at`),
		w.ChannelID, w.WebhookID, w.WebhookToken, string(w.State), toMillis(w.UpdatedAt), toMillis(w.LastSuccessAt))
	if err != nil {
		return fmt.Errorf("upsert cached webhook: %w", err)
	}
	return nil
}

// --- Account handles ---

// CachedHandles returns the cached handles for the given account ids.
func (s *SQLStore) CachedHandles(ctx context.Context, ids []string) (map[string]relay.CachedHandle, error) {
	out := make(map[string]relay.CachedHandle, len(ids))
	err := s.queryIn(ctx, `SELECT account_id, handle, retrieved_at FROM cached_account_handles WHERE account_id IN (%s)`, ids,
		func(rows *sql.Rows) error {
			var h relay.CachedHandle
			var retrievedAt int64
			if err := rows.Scan(&h.AccountID, &h.Handle, &retrievedAt); err != nil {
				return err
			}
			h.RetrievedAt = fromMillis(retrievedAt)
			out[h.AccountID] = h
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query cached handles: %w", err)
	}
	return out, nil
}

// UpsertAccountHandleCache records the handle an account id resolved to.
func (s *SQLStore) UpsertAccountHandleCache(ctx context.Context, accountID, handle string, retrievedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO cached_account_handles (account_id, handle, retrieved_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET handle = excluded.handle, retrieved_at = excluded.retrieved_at`),
		accountID, handle, toMillis(retrievedAt))
	if err != nil {
		return fmt.Errorf("upsert account handle: %w", err)
	}
	return nil
}

// InvalidAccountIDs returns when each of the given ids was marked invalid.
func (s *SQLStore) InvalidAccountIDs(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.queryIn(ctx, `SELECT account_id, retrieved_at FROM invalid_account_ids WHERE account_id IN (%s)`, ids,
		func(rows *sql.Rows) error {
			var id string
			var retrievedAt int64
			if err := rows.Scan(&id, &retrievedAt); err != nil {
				return err
			}
			out[id] = fromMillis(retrievedAt)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query invalid account ids: %w", err)
	}
	return out, nil
}

// MarkInvalidAccountID records that an account id no longer resolves.
func (s *SQLStore) MarkInvalidAccountID(ctx context.Context, accountID string, retrievedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO invalid_account_ids (account_id, retrieved_at) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET retrieved_at = excluded.retrieved_at`),
		accountID, toMillis(retrievedAt))
	if err != nil {
		return fmt.Errorf("mark invalid account id: %w", err)
	}
	return nil
}

// --- Push events ---

// InsertEventSubEvent stores a raw push payload. Redelivered message ids are ignored.
func (s *SQLStore) InsertEventSubEvent(ctx context.Context, messageID string, payload []byte, receivedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(
		`INSERT INTO eventsub_events (message_id, received_at, event) VALUES (?, ?, ?) ON CONFLICT(message_id) DO NOTHING`),
		messageID, toMillis(receivedAt), string(payload))
	if err != nil {
		return fmt.Errorf("insert eventsub event: %w", err)
	}
	return nil
}

// queryIn runs query once per chunk of ids, substituting the placeholder list for %s.
func (s *SQLStore) queryIn(ctx context.Context, query string, ids []string, scan func(*sql.Rows) error) error {
	for start := 0; start < len(ids); start += maxInClause {
		end := min(start+maxInClause, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.conn.QueryContext(ctx, s.rebind(fmt.Sprintf(query, placeholders(len(chunk)))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close()
				return err
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
