package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/phone-pay/internal/logging"
)

// EthBackend is the subset of ethclient.Client the gateway uses
type EthBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	Close()
}

// DialFunc opens a backend for an endpoint URL
type DialFunc func(ctx context.Context, url string) (EthBackend, error)

// DialEthclient dials a JSON-RPC endpoint with ethclient
func DialEthclient(ctx context.Context, url string) (EthBackend, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCPool manages the primary and secondary ledger endpoints.
// Strategy: stick to the current endpoint until it looks unavailable, then move on.
type RPCPool struct {
	endpoints    []string
	clients      []EthBackend
	dial         DialFunc
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time // when each endpoint was last marked unavailable
	cooldownTime time.Duration
	now          func() time.Time
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints in preference order; index 0 is the primary
	Endpoints []string
	// CooldownTime is how long an unavailable endpoint is skipped.
	// Default: 30 seconds
	CooldownTime time.Duration
	// Dial defaults to DialEthclient
	Dial DialFunc
}

// NewRPCPool creates a pool and connects to the primary endpoint.
// Secondary endpoints are dialed lazily.
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	var endpoints []string
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 30 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialEthclient
	}

	pool := &RPCPool{
		endpoints:    endpoints,
		clients:      make([]EthBackend, len(endpoints)),
		dial:         dial,
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		now:          time.Now,
	}

	client, err := dial(ctx, endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	logging.WithField("endpoints", len(endpoints)).Info("RPC pool initialized")
	return pool, nil
}

// Client returns the current active backend
func (p *RPCPool) Client() EthBackend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex]
}

// CurrentIndex returns the current endpoint index
func (p *RPCPool) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Report records the outcome of a call made on backend. When the error
// marks the endpoint as unavailable the pool fails over to the next one.
// It returns true when a failover happened.
func (p *RPCPool) Report(ctx context.Context, backend EthBackend, err error) bool {
	if !IsUnavailable(err) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// another caller already moved the pool
	if p.clients[p.currentIndex] != backend {
		return false
	}
	p.cooldowns[p.currentIndex] = p.now()

	from := p.currentIndex
	for i := 1; i < len(p.endpoints); i++ {
		next := (from + i) % len(p.endpoints)
		if at, ok := p.cooldowns[next]; ok {
			if p.now().Sub(at) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}
		if err := p.switchToEndpoint(ctx, next); err != nil {
			logging.WithField("endpoint", next).WithError(err).Warn("Failed to switch RPC endpoint")
			continue
		}
		logging.WithFields(map[string]interface{}{
			"from": from,
			"to":   next,
		}).WithError(err).Warn("RPC endpoint unavailable, failed over")
		return true
	}
	return false
}

// switchToEndpoint must be called with mu held
func (p *RPCPool) switchToEndpoint(ctx context.Context, index int) error {
	if p.clients[index] == nil {
		client, err := p.dial(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to the primary once its cooldown has expired
func (p *RPCPool) TryResetToPrimary(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if at, ok := p.cooldowns[0]; ok {
		if p.now().Sub(at) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchToEndpoint(ctx, 0); err != nil {
		logging.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}
	logging.Info("Reset to primary RPC endpoint")
	return true
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index      int  `json:"index"`
	Connected  bool `json:"connected"`
	IsCurrent  bool `json:"isCurrent"`
	InCooldown bool `json:"inCooldown"`
}

// Status returns the current status of every endpoint
func (p *RPCPool) Status() []EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make([]EndpointStatus, len(p.endpoints))
	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}
		if at, ok := p.cooldowns[i]; ok && p.now().Sub(at) < p.cooldownTime {
			es.InCooldown = true
		}
		status[i] = es
	}
	return status
}
