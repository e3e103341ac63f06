package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/types"
)

const referralColumns = `id, code, owner_id, reward, description, category, max_usage,
	usage_count, is_active, tx_hash, block_number, created_at, updated_at`

const pointsColumns = `id, owner_id, points, source, description, referral_id, usage_id, claim_id, created_at`

// ReferralRepository handles referral codes, their usages and the points
// credited for them
type ReferralRepository struct {
	db *PostgresDB
}

// NewReferralRepository creates a new referral repository
func NewReferralRepository(db *PostgresDB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

func scanReferral(row pgx.Row) (*models.Referral, error) {
	var (
		ref         models.Referral
		maxUsage    *int32
		blockNumber *int64
	)
	if err := row.Scan(
		&ref.ID,
		&ref.Code,
		&ref.OwnerID,
		&ref.Reward,
		&ref.Description,
		&ref.Category,
		&maxUsage,
		&ref.UsageCount,
		&ref.IsActive,
		&ref.TxHash,
		&blockNumber,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if maxUsage != nil {
		m := int(*maxUsage)
		ref.MaxUsage = &m
	}
	ref.BlockNumber = optionalUint64(blockNumber)
	return &ref, nil
}

func scanPointsEntry(row pgx.Row) (*models.PointsEntry, error) {
	var e models.PointsEntry
	if err := row.Scan(
		&e.ID,
		&e.OwnerID,
		&e.Points,
		&e.Source,
		&e.Description,
		&e.ReferralID,
		&e.UsageID,
		&e.ClaimID,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func insertPointsEntry(ctx context.Context, tx pgx.Tx, entry *models.PointsEntry) error {
	query := `
		INSERT INTO points_ledger (owner_id, points, source, description, referral_id, usage_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.OwnerID,
		entry.Points,
		entry.Source,
		entry.Description,
		entry.ReferralID,
		entry.UsageID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("insert points entry", err)
	}
	return nil
}

func (r *ReferralRepository) queryReferrals(ctx context.Context, op, query string, args ...interface{}) ([]models.Referral, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	referrals := make([]models.Referral, 0)
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan referral", err)
		}
		referrals = append(referrals, *ref)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return referrals, nil
}

// CreateReferral inserts ref and, when creation is non-nil, its creation
// points entry in the same transaction
func (r *ReferralRepository) CreateReferral(ctx context.Context, ref *models.Referral, creation *models.PointsEntry) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `
			INSERT INTO referrals (code, owner_id, reward, description, category, max_usage, tx_hash, block_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING ` + referralColumns

		created, err := scanReferral(tx.QueryRow(ctx, query,
			ref.Code,
			ref.OwnerID,
			ref.Reward,
			ref.Description,
			ref.Category,
			ref.MaxUsage,
			ref.TxHash,
			optionalInt64(ref.BlockNumber),
		))
		if isUniqueViolation(err) {
			return apperrors.NewDuplicateCodeError(ref.OwnerID, ref.Code)
		}
		if err != nil {
			return apperrors.NewDatabaseError("create referral", err)
		}
		*ref = *created

		if creation != nil {
			creation.OwnerID = ref.OwnerID
			creation.ReferralID = &ref.ID
			if err := insertPointsEntry(ctx, tx, creation); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReferral returns nil when no referral has the id
func (r *ReferralRepository) GetReferral(ctx context.Context, id int64) (*models.Referral, error) {
	ref, err := scanReferral(r.db.Pool().QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get referral", err)
	}
	return ref, nil
}

// ListAvailableReferrals returns active codes, newest first. An empty
// category matches all; search is a case-insensitive substring over code,
// reward and description.
func (r *ReferralRepository) ListAvailableReferrals(ctx context.Context, filter models.ReferralFilter) ([]models.Referral, error) {
	var (
		conditions = []string{"is_active"}
		args       []interface{}
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(code ILIKE $%d OR reward ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}

	query := `SELECT ` + referralColumns + ` FROM referrals WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC, id DESC`
	return r.queryReferrals(ctx, "list available referrals", query, args...)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListReferralsByOwner returns every code the owner created, newest first
func (r *ReferralRepository) ListReferralsByOwner(ctx context.Context, ownerID int64) ([]models.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	return r.queryReferrals(ctx, "list owner referrals", query, ownerID)
}

// DeactivateReferral clears the active flag; deactivating twice is a no-op
func (r *ReferralRepository) DeactivateReferral(ctx context.Context, id int64) (*models.Referral, error) {
	query := `
		UPDATE referrals SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + referralColumns

	ref, err := scanReferral(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewCodeNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("deactivate referral", err)
	}
	return ref, nil
}

// HasUsage reports whether userID already used referralID
func (r *ReferralRepository) HasUsage(ctx context.Context, referralID, userID int64) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM referral_usages WHERE referral_id = $1 AND user_id = $2)`,
		referralID, userID,
	).Scan(&exists)
	if err != nil {
		return false, apperrors.NewDatabaseError("check referral usage", err)
	}
	return exists, nil
}

// GetUsageOutcome returns what a previously applied attempt wrote, or nil
func (r *ReferralRepository) GetUsageOutcome(ctx context.Context, attemptID string) (*models.UsageOutcome, error) {
	var (
		usage       models.ReferralUsage
		blockNumber *int64
	)
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, referral_id, user_id, attempt_id, tx_hash, block_number, used_at
		FROM referral_usages WHERE attempt_id = $1`,
		attemptID,
	).Scan(&usage.ID, &usage.ReferralID, &usage.UserID, &usage.AttemptID, &usage.TxHash, &blockNumber, &usage.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get usage", err)
	}
	usage.BlockNumber = optionalUint64(blockNumber)

	ref, err := r.GetReferral(ctx, usage.ReferralID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, apperrors.NewCodeNotFoundError(usage.ReferralID)
	}

	outcome := &models.UsageOutcome{Referral: *ref, Usage: usage}
	entry, err := scanPointsEntry(r.db.Pool().QueryRow(ctx,
		`SELECT `+pointsColumns+` FROM points_ledger WHERE usage_id = $1`, usage.ID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, apperrors.NewDatabaseError("get usage points", err)
	default:
		outcome.Entry = entry
	}
	return outcome, nil
}

// ClaimUsage consumes one usage slot, records the usage and credits the
// owner, all in one transaction. The slot is taken with a conditional update
// so concurrent claims can never exceed max_usage.
func (r *ReferralRepository) ClaimUsage(ctx context.Context, claim models.UsageClaim) (*models.UsageOutcome, error) {
	var outcome models.UsageOutcome
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `
			UPDATE referrals
			SET usage_count = usage_count + 1, updated_at = NOW()
			WHERE id = $1 AND is_active AND (max_usage IS NULL OR usage_count < max_usage)
			RETURNING ` + referralColumns

		ref, err := scanReferral(tx.QueryRow(ctx, query, claim.ReferralID))
		if errors.Is(err, pgx.ErrNoRows) {
			return explainUnclaimable(ctx, tx, claim.ReferralID)
		}
		if code, _ := pgError(err); code == pgCheckViolation {
			return apperrors.NewCodeExhaustedError(claim.ReferralID)
		}
		if err != nil {
			return apperrors.NewDatabaseError("consume referral slot", err)
		}
		outcome.Referral = *ref

		usage := models.ReferralUsage{
			ReferralID:  claim.ReferralID,
			UserID:      claim.UserID,
			AttemptID:   claim.AttemptID,
			TxHash:      claim.TxHash,
			BlockNumber: claim.BlockNumber,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO referral_usages (referral_id, user_id, attempt_id, tx_hash, block_number)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, used_at`,
			usage.ReferralID, usage.UserID, usage.AttemptID, usage.TxHash, optionalInt64(usage.BlockNumber),
		).Scan(&usage.ID, &usage.UsedAt)
		if isUniqueViolation(err) {
			if _, constraint := pgError(err); constraint == "referral_usages_attempt_key" {
				return apperrors.NewDuplicateAttemptError(claim.AttemptID)
			}
			return apperrors.NewCodeAlreadyUsedError(claim.ReferralID, claim.UserID)
		}
		if err != nil {
			return apperrors.NewDatabaseError("insert usage", err)
		}
		outcome.Usage = usage

		if claim.Points > 0 {
			entry := &models.PointsEntry{
				OwnerID:     ref.OwnerID,
				Points:      claim.Points,
				Source:      types.SourceReferralUsage,
				Description: claim.Description,
				ReferralID:  &ref.ID,
				UsageID:     &usage.ID,
			}
			if err := insertPointsEntry(ctx, tx, entry); err != nil {
				return err
			}
			outcome.Entry = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// explainUnclaimable tells a missing, deactivated and exhausted code apart
// after the conditional update matched no row
func explainUnclaimable(ctx context.Context, tx pgx.Tx, referralID int64) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM referrals WHERE id = $1`, referralID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewCodeNotFoundError(referralID)
	}
	if err != nil {
		return apperrors.NewDatabaseError("read referral state", err)
	}
	if !active {
		return apperrors.NewCodeInactiveError(referralID)
	}
	return apperrors.NewCodeExhaustedError(referralID)
}
