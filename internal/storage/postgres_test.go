package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phone-pay/internal/config"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "phone_pay_test"),
		User:           envOr("POSTGRES_USER", "phonepay"),
		Password:       envOr("POSTGRES_PASSWORD", "phonepay_dev_password"),
		MaxConnections: 20,
		MigrationsPath: "../../migrations/postgres",
	}
}

// openTestPostgres connects and migrates, or skips the test
func openTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg))
	return db
}

func TestNewPostgresDB(t *testing.T) {
	db := openTestPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMigrationVersion(t *testing.T) {
	openTestPostgres(t)

	version, dirty, err := MigrationVersion(testPostgresConfig())
	require.NoError(t, err)
	require.False(t, dirty)
	require.GreaterOrEqual(t, version, uint(1))
}

func TestRollbackMigrations_RejectsNonPositiveSteps(t *testing.T) {
	err := RollbackMigrations(testPostgresConfig(), 0)
	require.Error(t, err)
}

func TestPostgresStore_Contract(t *testing.T) {
	db := openTestPostgres(t)
	runStoreContract(t, NewPostgresStore(db))
}
