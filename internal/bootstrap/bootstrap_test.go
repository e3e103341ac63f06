package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phone-pay/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Ledger: config.LedgerConfig{Mode: config.LedgerModeSimulated},
		Store:  config.StoreConfig{Mode: config.StoreModeMemory},
		Policy: config.PolicyConfig{PointsPerUsage: 10, DonationRate: 0.01, DefaultRegion: "US"},
	}
}

func TestBuildInMemory(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Cache)
	assert.Nil(t, app.Pool)

	ctx := context.Background()
	result, err := app.Registrations.Register(ctx, "+12015550123", "0x1230000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.NotZero(t, result.UserID)

	lookup, err := app.Registrations.LookupWallet(ctx, "(201) 555-0123")
	require.NoError(t, err)
	assert.True(t, lookup.Registered)
	assert.True(t, strings.EqualFold("0x1230000000000000000000000000000000000001", lookup.WalletAddress))
}

func TestBuildRejectsBadContractAddress(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger = config.LedgerConfig{
		Mode:                   config.LedgerModeEthereum,
		RPCPrimary:             "http://127.0.0.1:1",
		ChainID:                1337,
		PhoneMappingAddress:    "not-an-address",
		PaymentContractAddress: "0x1230000000000000000000000000000000000002",
		ReferralRewardsAddress: "0x1230000000000000000000000000000000000003",
	}
	app, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "PHONE_MAPPING_CONTRACT_ADDRESS")
}
