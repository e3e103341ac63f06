package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
)

// PointsRepository handles the points ledger and reward claims
type PointsRepository struct {
	db *PostgresDB
}

// NewPointsRepository creates a new points repository
func NewPointsRepository(db *PostgresDB) *PointsRepository {
	return &PointsRepository{db: db}
}

// PendingPoints sums the owner's unclaimed entries and captures the highest
// entry id included in the sum
func (r *PointsRepository) PendingPoints(ctx context.Context, ownerID int64) (*models.PendingPoints, error) {
	pending := &models.PendingPoints{OwnerID: ownerID}
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(points), 0), COUNT(*), COALESCE(MAX(id), 0)
		FROM points_ledger
		WHERE owner_id = $1 AND claim_id IS NULL`,
		ownerID,
	).Scan(&pending.Points, &pending.Entries, &pending.HighWaterID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("sum pending points", err)
	}
	return pending, nil
}

// ListPointsEntries returns the owner's entries, newest first
func (r *PointsRepository) ListPointsEntries(ctx context.Context, ownerID int64, limit int) ([]models.PointsEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+pointsColumns+` FROM points_ledger WHERE owner_id = $1 ORDER BY id DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list points", err)
	}
	defer rows.Close()

	entries := make([]models.PointsEntry, 0)
	for rows.Next() {
		e, err := scanPointsEntry(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan points entry", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list points", err)
	}
	return entries, nil
}

// RecordRewardClaim stores a confirmed on-chain claim and marks every
// unclaimed entry up to claim.HighWaterID with it. claim.Points is set to the
// sum of the entries actually marked; entries credited after the high-water
// mark stay pending.
func (r *PointsRepository) RecordRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT points FROM points_ledger
			WHERE owner_id = $1 AND claim_id IS NULL AND id <= $2
			FOR UPDATE`,
			claim.OwnerID, claim.HighWaterID)
		if err != nil {
			return apperrors.NewDatabaseError("lock pending points", err)
		}
		total := 0
		for rows.Next() {
			var p int
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return apperrors.NewDatabaseError("scan pending points", err)
			}
			total += p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.NewDatabaseError("lock pending points", err)
		}
		if total == 0 {
			return apperrors.NewNoPendingPointsError(claim.OwnerID)
		}
		claim.Points = total

		blockNumber := int64(claim.BlockNumber) // #nosec G115 - block heights fit in int64
		err = tx.QueryRow(ctx, `
			INSERT INTO reward_claims (owner_id, points, tx_hash, block_number, high_water_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, claimed_at`,
			claim.OwnerID, claim.Points, claim.TxHash, blockNumber, claim.HighWaterID,
		).Scan(&claim.ID, &claim.ClaimedAt)
		if err != nil {
			return apperrors.NewDatabaseError("insert reward claim", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE points_ledger SET claim_id = $1
			WHERE owner_id = $2 AND claim_id IS NULL AND id <= $3`,
			claim.ID, claim.OwnerID, claim.HighWaterID)
		if err != nil {
			return apperrors.NewDatabaseError("mark claimed points", err)
		}
		return nil
	})
}
