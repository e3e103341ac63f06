package service

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/phone-pay/internal/adapter"
	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/identifier"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

const recentTransactionLimit = 10

// RegistrationService binds a phone identifier to a wallet on the ledger and
// mirrors the binding into the profile store.
//
// The ledger is written first. Between the ledger confirmation and the profile
// write the binding is journaled, so a failed profile write can be finished
// later by Repair without a second ledger transaction.
type RegistrationService struct {
	store   UserStore
	txs     TransactionStore
	ledger  adapter.LedgerGateway
	journal RegistrationJournal
	wallets WalletCache
	deriver *identifier.Deriver
	now     func() time.Time
}

// NewRegistrationService creates a registration service. wallets may be nil.
func NewRegistrationService(
	store ProfileStore,
	ledger adapter.LedgerGateway,
	journal RegistrationJournal,
	wallets WalletCache,
	deriver *identifier.Deriver,
) *RegistrationService {
	if deriver == nil {
		deriver = identifier.NewDeriver(identifier.DefaultRegion)
	}
	return &RegistrationService{
		store:   store,
		txs:     store,
		ledger:  ledger,
		journal: journal,
		wallets: wallets,
		deriver: deriver,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Deriver returns the identifier deriver in use
func (s *RegistrationService) Deriver() *identifier.Deriver {
	return s.deriver
}

// Register binds phoneNumber to walletAddress. A phone or wallet already held
// by a registered user is AlreadyRegistered.
func (s *RegistrationService) Register(ctx context.Context, phoneNumber, walletAddress string) (*models.RegistrationResult, error) {
	return s.register(ctx, phoneNumber, walletAddress, false)
}

// Repair re-drives a registration. It is idempotent: an already mirrored
// binding is returned as is, and a ledger-confirmed binding is only written
// to the store.
func (s *RegistrationService) Repair(ctx context.Context, phoneNumber, walletAddress string) (*models.RegistrationResult, error) {
	return s.register(ctx, phoneNumber, walletAddress, true)
}

func (s *RegistrationService) register(ctx context.Context, phoneNumber, walletAddress string, repair bool) (*models.RegistrationResult, error) {
	id, err := s.deriver.Derive(phoneNumber)
	if err != nil {
		return nil, err
	}
	wallet, ok := normalizeWallet(walletAddress)
	if !ok {
		return nil, apperrors.NewInvalidParameterError("walletAddress", "must be a 0x-prefixed 20-byte hex address")
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"phoneHash": id.Hex(),
		"wallet":    wallet,
		"repair":    repair,
	})
	result := &models.RegistrationResult{PhoneHash: id.Hex(), State: types.StateUnregistered}

	// Store pre-check
	placeholder, existing, err := s.checkConflicts(ctx, id, wallet)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !repair {
			return nil, apperrors.NewAlreadyRegisteredError(id.Hex())
		}
		result.UserID = existing.ID
		result.State = types.StateRegistered
		if mirror, _ := s.journal.Get(ctx, id.Hex()); mirror != nil {
			result.TxHash = mirror.TxHash
			result.BlockNumber = mirror.BlockNumber
		}
		s.resolve(ctx, log, id.Hex())
		return result, nil
	}

	// Ledger step; skipped when the mapping already landed
	mirror, err := s.ensureOnLedger(ctx, log, id, wallet, result)
	if err != nil {
		return nil, err
	}

	// Journal before the profile write so a crash in between is recoverable
	result.State = types.StateProfilePending
	if err := s.journal.Record(ctx, *mirror); err != nil {
		log.WithError(err).Warn("Failed to journal confirmed registration")
	}

	var user *models.User
	if placeholder != nil {
		user, err = s.store.PromotePlaceholder(ctx, placeholder.ID, id.E164, id.Hex())
	} else {
		user = &models.User{PhoneE164: id.E164, PhoneHash: id.Hex(), WalletAddress: wallet}
		err = s.store.CreateUser(ctx, user)
	}
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeAlreadyRegistered {
			// a concurrent call may have mirrored the same binding
			if winner, lookupErr := s.store.GetUserByPhoneHash(ctx, id.Hex()); lookupErr == nil && winner != nil && winner.WalletAddress == wallet {
				user, err = winner, nil
			}
		}
	}
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeAlreadyRegistered {
			return nil, err
		}
		log.WithField("state", types.StateProfileFailed).WithError(err).Error("Registration confirmed on ledger but profile write failed")
		return nil, apperrors.NewProfileWriteFailedError(id.Hex(), mirror.TxHash, mirror.BlockNumber, err)
	}

	s.resolve(ctx, log, id.Hex())
	if s.wallets != nil {
		if err := s.wallets.Set(ctx, id.Hex(), wallet); err != nil {
			log.WithError(err).Warn("Failed to cache wallet mapping")
		}
	}

	result.UserID = user.ID
	result.State = types.StateRegistered
	log.WithFields(map[string]interface{}{
		"userId":   user.ID,
		"txHash":   result.TxHash,
		"repaired": result.Repaired,
	}).Info("Registration complete")
	return result, nil
}

// checkConflicts returns the wallet's placeholder to merge into, or the
// already registered user when phone and wallet both match one row. Any other
// clash is AlreadyRegistered.
func (s *RegistrationService) checkConflicts(ctx context.Context, id identifier.Identifier, wallet string) (placeholder, existing *models.User, err error) {
	conflicts, err := s.store.FindUserConflicts(ctx, id.E164, id.Hex(), wallet)
	if err != nil {
		return nil, nil, err
	}
	for i := range conflicts {
		u := &conflicts[i]
		switch {
		case u.IsPlaceholder && u.WalletAddress == wallet:
			placeholder = u
		case !u.IsPlaceholder && u.WalletAddress == wallet && strings.EqualFold(u.PhoneHash, id.Hex()):
			existing = u
		default:
			return nil, nil, apperrors.NewAlreadyRegisteredError(id.Hex())
		}
	}
	return placeholder, existing, nil
}

// ensureOnLedger makes sure id maps to wallet on the ledger, submitting a
// registration only when the mapping is absent
func (s *RegistrationService) ensureOnLedger(ctx context.Context, log *logging.Logger, id identifier.Identifier, wallet string, result *models.RegistrationResult) (*models.PendingMirror, error) {
	mirror := &models.PendingMirror{
		PhoneE164:     id.E164,
		PhoneHash:     id.Hex(),
		WalletAddress: wallet,
	}

	mapped, err := s.ledger.GetWalletForIdentifier(ctx, id)
	if err != nil {
		log.WithField("state", types.StateLedgerFailed).WithError(err).Warn("Ledger mapping read failed")
		return nil, apperrors.NewLedgerFailedError("registration", err)
	}

	switch {
	case mapped != nil && !strings.EqualFold(mapped.Hex(), wallet):
		return nil, apperrors.NewAlreadyRegisteredError(id.Hex())

	case mapped != nil:
		result.Repaired = true
		if prior, _ := s.journal.Get(ctx, id.Hex()); prior != nil {
			mirror.TxHash = prior.TxHash
			mirror.BlockNumber = prior.BlockNumber
			mirror.ConfirmedAt = prior.ConfirmedAt
			mirror.Attempts = prior.Attempts
		}
		log.Info("Mapping already on ledger, mirroring only")

	default:
		result.State = types.StateLedgerPending
		receipt, err := s.ledger.RegisterIdentifier(ctx, id, common.HexToAddress(wallet))
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeIdentifierTaken {
				return nil, apperrors.NewAlreadyRegisteredError(id.Hex())
			}
			log.WithField("state", types.StateLedgerFailed).WithError(err).Warn("Ledger registration failed")
			return nil, apperrors.NewLedgerFailedError("registration", err)
		}
		mirror.TxHash = receipt.TxHash.Hex()
		mirror.BlockNumber = receipt.BlockNumber
		mirror.ConfirmedAt = s.now()
	}

	if s.wallets != nil {
		if err := s.wallets.Invalidate(ctx, id.Hex()); err != nil {
			log.WithError(err).Warn("Failed to invalidate wallet cache")
		}
	}

	result.State = types.StateLedgerConfirmed
	result.TxHash = mirror.TxHash
	result.BlockNumber = mirror.BlockNumber
	return mirror, nil
}

func (s *RegistrationService) resolve(ctx context.Context, log *logging.Logger, phoneHash string) {
	if err := s.journal.Resolve(ctx, phoneHash); err != nil {
		log.WithError(err).Warn("Failed to clear registration journal entry")
	}
}

// ConnectWallet returns the user for a wallet, creating a wallet-only
// placeholder on first contact
func (s *RegistrationService) ConnectWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	wallet, ok := normalizeWallet(walletAddress)
	if !ok {
		return nil, apperrors.NewInvalidParameterError("walletAddress", "must be a 0x-prefixed 20-byte hex address")
	}
	user, created, err := s.store.EnsurePlaceholder(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if created {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"userId": user.ID,
			"wallet": wallet,
		}).Info("Created placeholder user")
	}
	return user, nil
}

// ResolveWallet reads the wallet mapped to id, through the cache when one is
// configured. A nil address means the identifier is not registered.
func (s *RegistrationService) ResolveWallet(ctx context.Context, id identifier.Identifier) (*common.Address, error) {
	if s.wallets != nil {
		if cached, found, err := s.wallets.Get(ctx, id.Hex()); err == nil && found {
			addr := common.HexToAddress(cached)
			return &addr, nil
		}
	}

	wallet, err := s.ledger.GetWalletForIdentifier(ctx, id)
	if err != nil {
		return nil, err
	}
	if wallet != nil && s.wallets != nil {
		if err := s.wallets.Set(ctx, id.Hex(), wallet.Hex()); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Failed to cache wallet mapping")
		}
	}
	return wallet, nil
}

// LookupWallet answers which wallet a phone number pays to
func (s *RegistrationService) LookupWallet(ctx context.Context, phoneNumber string) (*models.PhoneLookup, error) {
	id, err := s.deriver.Derive(phoneNumber)
	if err != nil {
		return nil, err
	}
	wallet, err := s.ResolveWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	lookup := &models.PhoneLookup{PhoneHash: id.Hex()}
	if wallet != nil {
		lookup.Registered = true
		lookup.WalletAddress = wallet.Hex()
	}
	return lookup, nil
}

// GetProfileByWallet returns the user owning walletAddress with recent payments
func (s *RegistrationService) GetProfileByWallet(ctx context.Context, walletAddress string) (*models.Profile, error) {
	wallet, ok := normalizeWallet(walletAddress)
	if !ok {
		return nil, apperrors.NewInvalidParameterError("walletAddress", "must be a 0x-prefixed 20-byte hex address")
	}
	user, err := s.store.GetUserByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.NewUserNotFoundError(wallet)
	}
	return s.profile(ctx, user)
}

// GetProfileByPhone returns the user registered with phoneNumber
func (s *RegistrationService) GetProfileByPhone(ctx context.Context, phoneNumber string) (*models.Profile, error) {
	id, err := s.deriver.Derive(phoneNumber)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByPhoneHash(ctx, id.Hex())
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.NewUserNotFoundError(id.Hex())
	}
	return s.profile(ctx, user)
}

func (s *RegistrationService) profile(ctx context.Context, user *models.User) (*models.Profile, error) {
	txs, err := s.txs.ListTransactionsByUser(ctx, user.ID, recentTransactionLimit)
	if err != nil {
		return nil, err
	}
	return &models.Profile{User: user, RecentTransactions: txs}, nil
}
