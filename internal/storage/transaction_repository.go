package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
)

// TransactionRepository handles payment rows
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		tx          models.Transaction
		blockNumber int64
	)
	if err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.TxHash,
		&tx.FromAddress,
		&tx.ToAddress,
		&tx.Amount,
		&tx.Donation,
		&blockNumber,
		&tx.Status,
		&tx.CreatedAt,
	); err != nil {
		return nil, err
	}
	tx.BlockNumber = toUint64(blockNumber)
	return &tx, nil
}

// CreateTransaction inserts a payment row and fills its id and timestamp
func (r *TransactionRepository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	tx.TxHash = strings.ToLower(tx.TxHash)
	tx.FromAddress = strings.ToLower(tx.FromAddress)
	tx.ToAddress = strings.ToLower(tx.ToAddress)

	query := `
		INSERT INTO transactions (user_id, tx_hash, from_address, to_address, amount, donation, block_number, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	blockNumber := int64(tx.BlockNumber) // #nosec G115 - block heights fit in int64
	err := r.db.Pool().QueryRow(ctx, query,
		tx.UserID,
		tx.TxHash,
		tx.FromAddress,
		tx.ToAddress,
		tx.Amount.String(),
		tx.Donation.String(),
		blockNumber,
		tx.Status,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create transaction", err)
	}
	return nil
}

// ListTransactionsByUser returns the user's most recent payments
func (r *TransactionRepository) ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, user_id, tx_hash, from_address, to_address, amount::text, donation::text, block_number, status, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan transaction", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}
	return txs, nil
}
