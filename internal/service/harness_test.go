package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/phone-pay/internal/adapter"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/storage"
)

const (
	phoneA  = "+12015550123"
	phoneB  = "+447400123456"
	walletA = "0xabc0000000000000000000000000000000000001"
	walletB = "0xdef0000000000000000000000000000000000002"
	walletC = "0x1230000000000000000000000000000000000003"
)

// flakyStore fails user writes on demand
type flakyStore struct {
	*storage.MemoryStore
	mu          sync.Mutex
	failWrites  int
	failTxWrite bool
	// fail the store half of two-phase ledger operations
	failRewardRecord bool
	failUsageClaim   bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) FailNextUserWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
}

func (f *flakyStore) takeFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return true
	}
	return false
}

func (f *flakyStore) CreateUser(ctx context.Context, user *models.User) error {
	if f.takeFailure() {
		return apperrors.NewDatabaseError("create user", errDiskFull)
	}
	return f.MemoryStore.CreateUser(ctx, user)
}

func (f *flakyStore) PromotePlaceholder(ctx context.Context, userID int64, phoneE164, phoneHash string) (*models.User, error) {
	if f.takeFailure() {
		return nil, apperrors.NewDatabaseError("promote placeholder", errDiskFull)
	}
	return f.MemoryStore.PromotePlaceholder(ctx, userID, phoneE164, phoneHash)
}

func (f *flakyStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	f.mu.Lock()
	fail := f.failTxWrite
	f.mu.Unlock()
	if fail {
		return apperrors.NewDatabaseError("create transaction", errDiskFull)
	}
	return f.MemoryStore.CreateTransaction(ctx, tx)
}

func (f *flakyStore) RecordRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	f.mu.Lock()
	fail := f.failRewardRecord
	f.mu.Unlock()
	if fail {
		return apperrors.NewDatabaseError("record reward claim", errDiskFull)
	}
	return f.MemoryStore.RecordRewardClaim(ctx, claim)
}

func (f *flakyStore) ClaimUsage(ctx context.Context, claim models.UsageClaim) (*models.UsageOutcome, error) {
	f.mu.Lock()
	fail := f.failUsageClaim
	f.mu.Unlock()
	if fail {
		return nil, apperrors.NewDatabaseError("claim usage", errDiskFull)
	}
	return f.MemoryStore.ClaimUsage(ctx, claim)
}

type harness struct {
	store    *flakyStore
	ledger   *adapter.SimulatedLedger
	journal  *storage.MemoryJournal
	reg      *RegistrationService
	refs     *ReferralService
	payments *PaymentService
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{policy: DefaultReferralPolicy(), donationRate: 0.01}
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		store:   &flakyStore{MemoryStore: storage.NewMemoryStore()},
		ledger:  adapter.NewSimulatedLedger(),
		journal: storage.NewMemoryJournal(),
	}
	deriver := identifier.NewDeriver("US")
	h.reg = NewRegistrationService(h.store, h.ledger, h.journal, o.wallets, deriver)
	h.refs = NewReferralService(h.store, h.ledger, o.policy)
	h.payments = NewPaymentService(h.store, h.ledger, h.reg, deriver, o.donationRate)
	return h
}

type harnessOptions struct {
	policy       ReferralPolicy
	donationRate float64
	wallets      WalletCache
}

func withPolicy(p ReferralPolicy) func(*harnessOptions) {
	return func(o *harnessOptions) { o.policy = p }
}

func withWalletCache(c WalletCache) func(*harnessOptions) {
	return func(o *harnessOptions) { o.wallets = c }
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// mustRegister registers phone to wallet and returns the user id
func (h *harness) mustRegister(t *testing.T, phone, wallet string) int64 {
	t.Helper()
	res, err := h.reg.Register(testContext(t), phone, wallet)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", phone, err)
	}
	return res.UserID
}

func (h *harness) mustConnect(t *testing.T, wallet string) int64 {
	t.Helper()
	u, err := h.reg.ConnectWallet(testContext(t), wallet)
	if err != nil {
		t.Fatalf("ConnectWallet(%s) error = %v", wallet, err)
	}
	return u.ID
}

func mustDerive(t *testing.T, phone string) identifier.Identifier {
	t.Helper()
	id, err := identifier.Derive(phone)
	if err != nil {
		t.Fatalf("Derive(%s) error = %v", phone, err)
	}
	return id
}

func addr(hex string) common.Address {
	return common.HexToAddress(hex)
}
