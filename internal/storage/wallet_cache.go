package storage

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/phone-pay/internal/errors"
)

// WalletCache caches phone hash to wallet lookups read from the ledger.
// Only positive answers are cached; an unmapped hash may be registered at any time.
type WalletCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewWalletCache creates a wallet cache with the given TTL
func NewWalletCache(cache *RedisCache, ttl time.Duration) *WalletCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &WalletCache{cache: cache, ttl: ttl}
}

// walletKey format: wallet:<phoneHash>
func walletKey(phoneHash string) string {
	return "wallet:" + strings.ToLower(phoneHash)
}

// Get returns the cached wallet for phoneHash
func (c *WalletCache) Get(ctx context.Context, phoneHash string) (string, bool, error) {
	wallet, found, err := c.cache.Get(ctx, walletKey(phoneHash))
	if err != nil {
		return "", false, apperrors.NewCacheError("wallet get", err)
	}
	return wallet, found, nil
}

// Set caches a confirmed mapping
func (c *WalletCache) Set(ctx context.Context, phoneHash, wallet string) error {
	if err := c.cache.Set(ctx, walletKey(phoneHash), strings.ToLower(wallet), c.ttl); err != nil {
		return apperrors.NewCacheError("wallet set", err)
	}
	return nil
}

// Invalidate drops the cached mapping for phoneHash
func (c *WalletCache) Invalidate(ctx context.Context, phoneHash string) error {
	if err := c.cache.Del(ctx, walletKey(phoneHash)); err != nil {
		return apperrors.NewCacheError("wallet invalidate", err)
	}
	return nil
}
