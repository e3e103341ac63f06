package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
)

// JournalKey is the Redis hash holding confirmed-but-unmirrored registrations,
// keyed by phone hash
const JournalKey = "registration:unmirrored"

// RegistrationJournal remembers registrations that landed on the ledger until
// their profile row is written
type RegistrationJournal struct {
	cache *RedisCache
	key   string
}

// NewRegistrationJournal creates a journal on the default key
func NewRegistrationJournal(cache *RedisCache) *RegistrationJournal {
	return &RegistrationJournal{cache: cache, key: JournalKey}
}

// Record stores or replaces the entry for entry.PhoneHash
func (j *RegistrationJournal) Record(ctx context.Context, entry models.PendingMirror) error {
	if entry.ConfirmedAt.IsZero() {
		entry.ConfirmedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if err := j.cache.Client().HSet(ctx, j.key, strings.ToLower(entry.PhoneHash), data).Err(); err != nil {
		return apperrors.NewCacheError("journal record", err)
	}
	return nil
}

// Resolve removes the entry once the profile is mirrored
func (j *RegistrationJournal) Resolve(ctx context.Context, phoneHash string) error {
	if err := j.cache.Client().HDel(ctx, j.key, strings.ToLower(phoneHash)).Err(); err != nil {
		return apperrors.NewCacheError("journal resolve", err)
	}
	return nil
}

// Get returns the entry for phoneHash, or nil
func (j *RegistrationJournal) Get(ctx context.Context, phoneHash string) (*models.PendingMirror, error) {
	raw, err := j.cache.Client().HGet(ctx, j.key, strings.ToLower(phoneHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewCacheError("journal get", err)
	}
	var entry models.PendingMirror
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
	}
	return &entry, nil
}

// Pending returns up to limit entries, oldest confirmation first.
// Undecodable entries are skipped.
func (j *RegistrationJournal) Pending(ctx context.Context, limit int) ([]models.PendingMirror, error) {
	all, err := j.cache.Client().HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, apperrors.NewCacheError("journal list", err)
	}

	entries := make([]models.PendingMirror, 0, len(all))
	for _, raw := range all {
		var entry models.PendingMirror
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].ConfirmedAt.Equal(entries[b].ConfirmedAt) {
			return entries[a].PhoneHash < entries[b].PhoneHash
		}
		return entries[a].ConfirmedAt.Before(entries[b].ConfirmedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Len returns the number of unmirrored registrations
func (j *RegistrationJournal) Len(ctx context.Context) (int64, error) {
	n, err := j.cache.Client().HLen(ctx, j.key).Result()
	if err != nil {
		return 0, apperrors.NewCacheError("journal len", err)
	}
	return n, nil
}
