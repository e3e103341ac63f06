package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

var errDuplicateTxHash = errors.New("duplicate tx_hash")

// MemoryStore is an in-process profile store with the same contract as
// PostgresStore. One mutex guards everything; a claim checks and bumps the
// usage counter under it, so it is a compare-and-swap.
type MemoryStore struct {
	mu sync.Mutex

	users     map[int64]*models.User
	referrals map[int64]*models.Referral
	usages    []models.ReferralUsage
	points    []models.PointsEntry
	claims    []models.RewardClaim
	txs       []models.Transaction
	nextID    map[string]int64
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*models.User),
		referrals: make(map[int64]*models.Referral),
		nextID:    make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) id(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyUser(u *models.User) *models.User {
	c := *u
	return &c
}

func copyReferral(r *models.Referral) *models.Referral {
	c := *r
	if r.MaxUsage != nil {
		m := *r.MaxUsage
		c.MaxUsage = &m
	}
	return &c
}

func (s *MemoryStore) findUserLocked(match func(*models.User) bool) *models.User {
	for _, u := range s.users {
		if match(u) {
			return u
		}
	}
	return nil
}

// GetUserByID returns nil when no user has the id
func (s *MemoryStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

// GetUserByWallet returns nil when no user has the wallet
func (s *MemoryStore) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	wallet = strings.ToLower(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.findUserLocked(func(u *models.User) bool { return u.WalletAddress == wallet }); u != nil {
		return copyUser(u), nil
	}
	return nil, nil
}

// GetUserByPhoneHash returns nil when no user has the hash
func (s *MemoryStore) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	phoneHash = strings.ToLower(phoneHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.findUserLocked(func(u *models.User) bool { return u.PhoneHash == phoneHash }); u != nil {
		return copyUser(u), nil
	}
	return nil, nil
}

// FindUserConflicts returns every user matching any of the three unique keys
func (s *MemoryStore) FindUserConflicts(ctx context.Context, phoneE164, phoneHash, wallet string) ([]models.User, error) {
	phoneHash = strings.ToLower(phoneHash)
	wallet = strings.ToLower(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.User
	for _, u := range s.users {
		if u.PhoneE164 == phoneE164 || u.PhoneHash == phoneHash || u.WalletAddress == wallet {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) uniqueUserLocked(exceptID int64, phoneE164, phoneHash, wallet string) bool {
	return s.findUserLocked(func(u *models.User) bool {
		return u.ID != exceptID && (u.PhoneE164 == phoneE164 || u.PhoneHash == phoneHash || u.WalletAddress == wallet)
	}) == nil
}

// CreateUser inserts a registered user; any unique clash is AlreadyRegistered
func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	user.PhoneHash = strings.ToLower(user.PhoneHash)
	user.WalletAddress = strings.ToLower(user.WalletAddress)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.uniqueUserLocked(0, user.PhoneE164, user.PhoneHash, user.WalletAddress) {
		return apperrors.NewAlreadyRegisteredError(user.PhoneHash)
	}
	user.ID = s.id("users")
	user.CreatedAt = s.now()
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = copyUser(user)
	return nil
}

// PromotePlaceholder attaches a phone to a wallet-only user
func (s *MemoryStore) PromotePlaceholder(ctx context.Context, userID int64, phoneE164, phoneHash string) (*models.User, error) {
	phoneHash = strings.ToLower(phoneHash)
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || !u.IsPlaceholder || !s.uniqueUserLocked(userID, phoneE164, phoneHash, "") {
		return nil, apperrors.NewAlreadyRegisteredError(phoneHash)
	}
	u.PhoneE164 = phoneE164
	u.PhoneHash = phoneHash
	u.IsPlaceholder = false
	u.UpdatedAt = s.now()
	return copyUser(u), nil
}

// EnsurePlaceholder returns the user for wallet, inserting a placeholder when none exists
func (s *MemoryStore) EnsurePlaceholder(ctx context.Context, wallet string) (*models.User, bool, error) {
	wallet = strings.ToLower(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.findUserLocked(func(u *models.User) bool { return u.WalletAddress == wallet }); u != nil {
		return copyUser(u), false, nil
	}
	sentinel := models.PlaceholderPhone(wallet)
	u := &models.User{
		ID:            s.id("users"),
		PhoneE164:     sentinel,
		PhoneHash:     sentinel,
		WalletAddress: wallet,
		IsPlaceholder: true,
		CreatedAt:     s.now(),
	}
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = u
	return copyUser(u), true, nil
}

func (s *MemoryStore) appendPointsLocked(entry *models.PointsEntry) {
	entry.ID = s.id("points_ledger")
	entry.CreatedAt = s.now()
	s.points = append(s.points, *entry)
}

// CreateReferral inserts ref and its optional creation points entry
func (s *MemoryStore) CreateReferral(ctx context.Context, ref *models.Referral, creation *models.PointsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.referrals {
		if existing.OwnerID == ref.OwnerID && existing.Code == ref.Code {
			return apperrors.NewDuplicateCodeError(ref.OwnerID, ref.Code)
		}
	}
	ref.ID = s.id("referrals")
	ref.UsageCount = 0
	ref.IsActive = true
	ref.CreatedAt = s.now()
	ref.UpdatedAt = ref.CreatedAt
	s.referrals[ref.ID] = copyReferral(ref)

	if creation != nil {
		creation.OwnerID = ref.OwnerID
		creation.ReferralID = &ref.ID
		s.appendPointsLocked(creation)
	}
	return nil
}

// GetReferral returns nil when no referral has the id
func (s *MemoryStore) GetReferral(ctx context.Context, id int64) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.referrals[id]; ok {
		return copyReferral(r), nil
	}
	return nil, nil
}

func (s *MemoryStore) sortedReferralsLocked(keep func(*models.Referral) bool) []models.Referral {
	out := make([]models.Referral, 0)
	for _, r := range s.referrals {
		if keep(r) {
			out = append(out, *copyReferral(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListAvailableReferrals returns active codes, newest first
func (s *MemoryStore) ListAvailableReferrals(ctx context.Context, filter models.ReferralFilter) ([]models.Referral, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedReferralsLocked(func(r *models.Referral) bool {
		if !r.IsActive {
			return false
		}
		if filter.Category != "" && r.Category != filter.Category {
			return false
		}
		if search == "" {
			return true
		}
		return strings.Contains(strings.ToLower(r.Code), search) ||
			strings.Contains(strings.ToLower(r.Reward), search) ||
			strings.Contains(strings.ToLower(r.Description), search)
	}), nil
}

// ListReferralsByOwner returns every code the owner created, newest first
func (s *MemoryStore) ListReferralsByOwner(ctx context.Context, ownerID int64) ([]models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedReferralsLocked(func(r *models.Referral) bool { return r.OwnerID == ownerID }), nil
}

// DeactivateReferral clears the active flag
func (s *MemoryStore) DeactivateReferral(ctx context.Context, id int64) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, apperrors.NewCodeNotFoundError(id)
	}
	r.IsActive = false
	r.UpdatedAt = s.now()
	return copyReferral(r), nil
}

// HasUsage reports whether userID already used referralID
func (s *MemoryStore) HasUsage(ctx context.Context, referralID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usages {
		if u.ReferralID == referralID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetUsageOutcome returns what a previously applied attempt wrote, or nil
func (s *MemoryStore) GetUsageOutcome(ctx context.Context, attemptID string) (*models.UsageOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usages {
		if u.AttemptID != attemptID {
			continue
		}
		ref, ok := s.referrals[u.ReferralID]
		if !ok {
			return nil, apperrors.NewCodeNotFoundError(u.ReferralID)
		}
		outcome := &models.UsageOutcome{Referral: *copyReferral(ref), Usage: u}
		for i := range s.points {
			if p := s.points[i]; p.UsageID != nil && *p.UsageID == u.ID {
				outcome.Entry = &p
				break
			}
		}
		return outcome, nil
	}
	return nil, nil
}

// ClaimUsage consumes one usage slot, records the usage and credits the owner atomically
func (s *MemoryStore) ClaimUsage(ctx context.Context, claim models.UsageClaim) (*models.UsageOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.referrals[claim.ReferralID]
	switch {
	case !ok:
		return nil, apperrors.NewCodeNotFoundError(claim.ReferralID)
	case !ref.IsActive:
		return nil, apperrors.NewCodeInactiveError(claim.ReferralID)
	case ref.MaxUsage != nil && ref.UsageCount >= *ref.MaxUsage:
		return nil, apperrors.NewCodeExhaustedError(claim.ReferralID)
	}
	for _, u := range s.usages {
		if u.AttemptID == claim.AttemptID {
			return nil, apperrors.NewDuplicateAttemptError(claim.AttemptID)
		}
		if u.ReferralID == claim.ReferralID && u.UserID == claim.UserID {
			return nil, apperrors.NewCodeAlreadyUsedError(claim.ReferralID, claim.UserID)
		}
	}

	ref.UsageCount++
	ref.UpdatedAt = s.now()

	usage := models.ReferralUsage{
		ID:          s.id("referral_usages"),
		ReferralID:  claim.ReferralID,
		UserID:      claim.UserID,
		AttemptID:   claim.AttemptID,
		TxHash:      claim.TxHash,
		BlockNumber: claim.BlockNumber,
		UsedAt:      s.now(),
	}
	s.usages = append(s.usages, usage)

	outcome := &models.UsageOutcome{Referral: *copyReferral(ref), Usage: usage}
	if claim.Points > 0 {
		refID, usageID := ref.ID, usage.ID
		entry := &models.PointsEntry{
			OwnerID:     ref.OwnerID,
			Points:      claim.Points,
			Source:      types.SourceReferralUsage,
			Description: claim.Description,
			ReferralID:  &refID,
			UsageID:     &usageID,
		}
		s.appendPointsLocked(entry)
		outcome.Entry = entry
	}
	return outcome, nil
}

// PendingPoints sums the owner's unclaimed entries
func (s *MemoryStore) PendingPoints(ctx context.Context, ownerID int64) (*models.PendingPoints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := &models.PendingPoints{OwnerID: ownerID}
	for _, p := range s.points {
		if p.OwnerID == ownerID && p.ClaimID == nil {
			pending.Points += p.Points
			pending.Entries++
			if p.ID > pending.HighWaterID {
				pending.HighWaterID = p.ID
			}
		}
	}
	return pending, nil
}

// ListPointsEntries returns the owner's entries, newest first
func (s *MemoryStore) ListPointsEntries(ctx context.Context, ownerID int64, limit int) ([]models.PointsEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PointsEntry, 0)
	for i := len(s.points) - 1; i >= 0 && len(out) < limit; i-- {
		if s.points[i].OwnerID == ownerID {
			out = append(out, s.points[i])
		}
	}
	return out, nil
}

// RecordRewardClaim stores a claim and marks unclaimed entries up to the high-water mark
func (s *MemoryStore) RecordRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, p := range s.points {
		if p.OwnerID == claim.OwnerID && p.ClaimID == nil && p.ID <= claim.HighWaterID {
			total += p.Points
		}
	}
	if total == 0 {
		return apperrors.NewNoPendingPointsError(claim.OwnerID)
	}

	claim.ID = s.id("reward_claims")
	claim.Points = total
	claim.ClaimedAt = s.now()
	s.claims = append(s.claims, *claim)

	claimID := claim.ID
	for i := range s.points {
		p := &s.points[i]
		if p.OwnerID == claim.OwnerID && p.ClaimID == nil && p.ID <= claim.HighWaterID {
			p.ClaimID = &claimID
		}
	}
	return nil
}

// CreateTransaction inserts a payment row
func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	tx.TxHash = strings.ToLower(tx.TxHash)
	tx.FromAddress = strings.ToLower(tx.FromAddress)
	tx.ToAddress = strings.ToLower(tx.ToAddress)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.txs {
		if existing.TxHash == tx.TxHash {
			return apperrors.NewDatabaseError("create transaction", errDuplicateTxHash)
		}
	}
	tx.ID = s.id("transactions")
	tx.CreatedAt = s.now()
	s.txs = append(s.txs, *tx)
	return nil
}

// ListTransactionsByUser returns the user's most recent payments
func (s *MemoryStore) ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Transaction, 0)
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if t := s.txs[i]; t.UserID != nil && *t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
