// Package storage handles persistence: the SQL store for relay state and an object archive for raw push payloads.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// errObjectNotExist is returned for missing archive objects in either backend.
var errObjectNotExist = errors.New("storage: object doesn't exist")

// ArchivePrefix is the key prefix of every archived push payload.
const ArchivePrefix = "eventsub/"

// Archive stores raw push payloads in Cloud Storage or a local directory.
type Archive struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewArchive creates an archive. A non-empty localPath takes precedence over the bucket.
func NewArchive(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Archive {
	return &Archive{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// EventKey builds the object key for a push message.
// Message ids that are not UUIDs are replaced so the key never contains path separators.
func EventKey(messageID string, receivedAt time.Time) string {
	id, err := uuid.Parse(messageID)
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s%s/%s.json", ArchivePrefix, receivedAt.UTC().Format("2006-01-02"), id.String())
}

func validKey(key string) bool {
	return strings.HasPrefix(key, ArchivePrefix) && !strings.Contains(key, "..") && strings.HasSuffix(key, ".json")
}

func (a *Archive) localFile(key string) string {
	return filepath.Join(a.localPath, filepath.FromSlash(key))
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying archive operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Put writes a payload under key.
func (a *Archive) Put(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid archive key %q", key)
	}

	if a.localPath != "" {
		path := a.localFile(key)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write to local archive: %w", err)
		}
		a.logger.Debug("Payload archived locally", "path", path, "bytes", len(data))
		return nil
	}

	err := retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, a.logger, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("archive after retries: %w", err)
	}

	a.logger.Debug("Payload archived", "bucket", a.bucket, "key", key, "bytes", len(data))
	return nil
}

// Get reads the payload stored under key.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, errObjectNotExist
	}

	if a.localPath != "" {
		data, err := os.ReadFile(a.localFile(key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectNotExist
			}
			return nil, fmt.Errorf("read from local archive: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errObjectNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					a.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, a.logger, "get", key)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// List returns the keys under prefix in lexical order.
func (a *Archive) List(ctx context.Context, prefix string) ([]string, error) {
	if !strings.HasPrefix(prefix, ArchivePrefix) || strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("invalid archive prefix %q", prefix)
	}

	var keys []string

	if a.localPath != "" {
		root := a.localFile(ArchivePrefix)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(a.localPath, path)
			if relErr != nil {
				return relErr
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) && validKey(key) {
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk local archive: %w", err)
		}
		sort.Strings(keys)
		return keys, nil
	}

	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// IsNotFound checks if an error indicates an archive object was not found.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, errObjectNotExist) || strings.Contains(err.Error(), errObjectNotExist.Error()))
}
