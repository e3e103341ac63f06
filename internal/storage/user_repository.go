package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
)

const userColumns = `id, phone_e164, phone_hash, wallet_address, is_placeholder, created_at, updated_at`

// UserRepository handles user profile persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(
		&u.ID,
		&u.PhoneE164,
		&u.PhoneHash,
		&u.WalletAddress,
		&u.IsPlaceholder,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) getOne(ctx context.Context, op, where string, arg interface{}) (*models.User, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return user, nil
}

// GetUserByID returns nil when no user has the id
func (r *UserRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getOne(ctx, "get user", "id = $1", id)
}

// GetUserByWallet returns nil when no user has the wallet
func (r *UserRepository) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	return r.getOne(ctx, "get user by wallet", "wallet_address = $1", strings.ToLower(wallet))
}

// GetUserByPhoneHash returns nil when no user has the hash
func (r *UserRepository) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	return r.getOne(ctx, "get user by phone hash", "phone_hash = $1", strings.ToLower(phoneHash))
}

// FindUserConflicts returns every user matching any of the three unique keys
func (r *UserRepository) FindUserConflicts(ctx context.Context, phoneE164, phoneHash, wallet string) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE phone_e164 = $1 OR phone_hash = $2 OR wallet_address = $3
		ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query, phoneE164, strings.ToLower(phoneHash), strings.ToLower(wallet))
	if err != nil {
		return nil, apperrors.NewDatabaseError("find user conflicts", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan user", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("find user conflicts", err)
	}
	return users, nil
}

// CreateUser inserts a fully registered user and fills its id and timestamps.
// A unique violation is reported as AlreadyRegistered.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.PhoneHash = strings.ToLower(user.PhoneHash)
	user.WalletAddress = strings.ToLower(user.WalletAddress)

	query := `
		INSERT INTO users (phone_e164, phone_hash, wallet_address, is_placeholder)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		user.PhoneE164,
		user.PhoneHash,
		user.WalletAddress,
		user.IsPlaceholder,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.NewAlreadyRegisteredError(user.PhoneHash)
	}
	if err != nil {
		return apperrors.NewDatabaseError("create user", err)
	}
	return nil
}

// PromotePlaceholder attaches a phone to a wallet-only user.
// A user that is no longer a placeholder, or a phone already held by
// another row, is reported as AlreadyRegistered.
func (r *UserRepository) PromotePlaceholder(ctx context.Context, userID int64, phoneE164, phoneHash string) (*models.User, error) {
	phoneHash = strings.ToLower(phoneHash)
	query := `
		UPDATE users
		SET phone_e164 = $2, phone_hash = $3, is_placeholder = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_placeholder
		RETURNING ` + userColumns

	user, err := scanUser(r.db.Pool().QueryRow(ctx, query, userID, phoneE164, phoneHash))
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return nil, apperrors.NewAlreadyRegisteredError(phoneHash)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("promote placeholder", err)
	}
	return user, nil
}

// EnsurePlaceholder returns the user for wallet, inserting a wallet-only
// placeholder when none exists. created reports whether a row was inserted.
func (r *UserRepository) EnsurePlaceholder(ctx context.Context, wallet string) (*models.User, bool, error) {
	wallet = strings.ToLower(wallet)
	sentinel := models.PlaceholderPhone(wallet)

	query := `
		INSERT INTO users (phone_e164, phone_hash, wallet_address, is_placeholder)
		VALUES ($1, $1, $2, TRUE)
		ON CONFLICT (wallet_address) DO NOTHING
		RETURNING ` + userColumns

	user, err := scanUser(r.db.Pool().QueryRow(ctx, query, sentinel, wallet))
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.NewDatabaseError("create placeholder", err)
	}

	existing, err := r.GetUserByWallet(ctx, wallet)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperrors.NewDatabaseError("create placeholder", errors.New("wallet row vanished"))
	}
	return existing, false, nil
}
