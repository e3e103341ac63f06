package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phone-pay/internal/models"
)

// MemoryJournal is the in-process counterpart of RegistrationJournal
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]models.PendingMirror
}

// NewMemoryJournal creates an empty journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]models.PendingMirror)}
}

// Record stores or replaces the entry for entry.PhoneHash
func (j *MemoryJournal) Record(ctx context.Context, entry models.PendingMirror) error {
	if entry.ConfirmedAt.IsZero() {
		entry.ConfirmedAt = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[strings.ToLower(entry.PhoneHash)] = entry
	return nil
}

// Resolve removes the entry for phoneHash
func (j *MemoryJournal) Resolve(ctx context.Context, phoneHash string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, strings.ToLower(phoneHash))
	return nil
}

// Get returns the entry for phoneHash, or nil
func (j *MemoryJournal) Get(ctx context.Context, phoneHash string) (*models.PendingMirror, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e, ok := j.entries[strings.ToLower(phoneHash)]; ok {
		return &e, nil
	}
	return nil, nil
}

// Pending returns up to limit entries, oldest confirmation first
func (j *MemoryJournal) Pending(ctx context.Context, limit int) ([]models.PendingMirror, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.PendingMirror, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ConfirmedAt.Equal(out[b].ConfirmedAt) {
			return out[a].PhoneHash < out[b].PhoneHash
		}
		return out[a].ConfirmedAt.Before(out[b].ConfirmedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of entries
func (j *MemoryJournal) Len(ctx context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return int64(len(j.entries)), nil
}
