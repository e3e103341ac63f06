// Package bootstrap builds the storage, ledger and service graph shared by
// the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/phone-pay/internal/adapter"
	"github.com/phone-pay/internal/circuitbreaker"
	"github.com/phone-pay/internal/config"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/retry"
	"github.com/phone-pay/internal/service"
	"github.com/phone-pay/internal/storage"
)

// Components is the wired application
type Components struct {
	Config  *config.Config
	Store   service.ProfileStore
	Journal service.RegistrationJournal
	// Cache is nil when running on the memory store
	Cache  *storage.RedisCache
	Ledger adapter.LedgerGateway
	// Pool is nil for the simulated ledger
	Pool *adapter.RPCPool

	Registrations *service.RegistrationService
	Referrals     *service.ReferralService
	Payments      *service.PaymentService

	closers []func()
}

// Build connects every dependency the configuration selects. On error
// anything already opened is closed again.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	c := &Components{Config: cfg}
	if err := c.build(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, cfg *config.Config) error {
	var wallets service.WalletCache
	switch cfg.Store.Mode {
	case config.StoreModeMemory:
		logging.Warn("Using in-memory profile store; data is lost on restart")
		c.Store = storage.NewMemoryStore()
		c.Journal = storage.NewMemoryJournal()

	default:
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		c.Store = storage.NewPostgresStore(db)

		cache, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		c.closers = append(c.closers, func() {
			if err := cache.Close(); err != nil {
				logging.WithError(err).Warn("Error closing Redis")
			}
		})
		c.Cache = cache
		c.Journal = storage.NewRegistrationJournal(cache)
		wallets = storage.NewWalletCache(cache, cfg.Database.Redis.WalletCacheTTL)
	}

	ledger, err := buildLedger(ctx, c, &cfg.Ledger)
	if err != nil {
		return err
	}
	c.Ledger = ledger

	deriver := identifier.NewDeriver(cfg.Policy.DefaultRegion)
	c.Registrations = service.NewRegistrationService(c.Store, c.Ledger, c.Journal, wallets, deriver)
	c.Referrals = service.NewReferralService(c.Store, c.Ledger, service.ReferralPolicy{
		PointsPerUsage:    cfg.Policy.PointsPerUsage,
		PointsPerCreation: cfg.Policy.PointsPerCreation,
	})
	c.Payments = service.NewPaymentService(c.Store, c.Ledger, c.Registrations, deriver, cfg.Policy.DonationRate)

	logging.WithFields(map[string]interface{}{
		"store":  cfg.Store.Mode,
		"ledger": cfg.Ledger.Mode,
		"region": deriver.Region(),
	}).Info("Application components initialized")
	return nil
}

func buildLedger(ctx context.Context, c *Components, cfg *config.LedgerConfig) (adapter.LedgerGateway, error) {
	if cfg.Mode == config.LedgerModeSimulated {
		logging.Warn("Using simulated ledger; no transactions reach a chain")
		return adapter.NewSimulatedLedger(), nil
	}

	contracts := map[string]string{
		"PHONE_MAPPING_CONTRACT_ADDRESS":    cfg.PhoneMappingAddress,
		"PAYMENT_CONTRACT_ADDRESS":          cfg.PaymentContractAddress,
		"REFERRAL_REWARDS_CONTRACT_ADDRESS": cfg.ReferralRewardsAddress,
	}
	for name, addr := range contracts {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%s must be a contract address, got %q", name, addr)
		}
	}
	key, err := adapter.ParseRelayerKey(cfg.RelayerPrivateKey)
	if err != nil {
		return nil, err
	}

	pool, err := adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{
		Endpoints: []string{cfg.RPCPrimary, cfg.RPCSecondary},
	})
	if err != nil {
		return nil, fmt.Errorf("connect ledger rpc: %w", err)
	}
	c.closers = append(c.closers, pool.Close)
	c.Pool = pool

	breakerCfg := circuitbreaker.DefaultConfig("ledger")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logging.WithFields(map[string]interface{}{
			"breaker": name,
			"from":    from,
			"to":      to,
		}).Warn("Ledger circuit breaker changed state")
	}

	gateway, err := adapter.NewEthereumGateway(pool, adapter.EthereumGatewayConfig{
		ChainID:         big.NewInt(cfg.ChainID),
		RelayerKey:      key,
		PhoneMapping:    common.HexToAddress(cfg.PhoneMappingAddress),
		Payment:         common.HexToAddress(cfg.PaymentContractAddress),
		ReferralRewards: common.HexToAddress(cfg.ReferralRewardsAddress),
		ConfirmTimeout:  cfg.ConfirmTimeout,
		PollInterval:    cfg.ReceiptPollInterval,
		ReadTimeout:     cfg.ReadTimeout,
		ReadRetry:       retry.DefaultRetryConfig(),
		Breaker:         circuitbreaker.NewCircuitBreaker(breakerCfg),
	})
	if err != nil {
		return nil, err
	}
	logging.WithFields(map[string]interface{}{
		"chainId":   cfg.ChainID,
		"relayer":   gateway.Relayer().Hex(),
		"endpoints": pool.EndpointCount(),
	}).Info("Ethereum ledger gateway initialized")
	return gateway, nil
}

// Close releases connections in reverse order of opening
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
