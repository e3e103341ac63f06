package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/phone-pay/internal/errors"
)

// PostgreSQL error codes the store translates
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore is the relational profile store. Each concern lives in its
// own repository; the store composes them and adds transactions that span several.
type PostgresStore struct {
	*UserRepository
	*ReferralRepository
	*PointsRepository
	*TransactionRepository
	db *PostgresDB
}

// NewPostgresStore creates a store on an open pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{
		UserRepository:        NewUserRepository(db),
		ReferralRepository:    NewReferralRepository(db),
		PointsRepository:      NewPointsRepository(db),
		TransactionRepository: NewTransactionRepository(db),
		db:                    db,
	}
}

// Ping checks the database
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// pgError returns the PostgreSQL error code and constraint, if err carries one
func pgError(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pgError(err)
	return code == pgUniqueViolation
}

// withTx runs fn in a transaction, committing only when fn succeeds
func withTx(ctx context.Context, db *PostgresDB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperrors.NewDatabaseError("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit transaction", err)
	}
	return nil
}

func toUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func optionalUint64(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	u := toUint64(*v)
	return &u
}

func optionalInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v) // #nosec G115 - block heights fit in int64
	return &i
}
