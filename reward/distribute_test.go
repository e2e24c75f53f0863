package reward

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/store"
)

type distributorStores struct {
	miners      *store.MinerStatsStore
	pools       *store.PoolScoreStore
	validators  *store.ValidatorStore
	settlements *store.SettlementStore
	ledger      *store.LedgerStore
	owner       *store.OwnerStore
}

func testDistributor(t *testing.T) (*Distributor, distributorStores) {
	db, err := store.NewPebbleDB(&config.DBConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	logger := zap.NewNop()
	stores := distributorStores{
		miners:      store.NewMinerStatsStore(db, logger),
		pools:       store.NewPoolScoreStore(db, logger),
		validators:  store.NewValidatorStore(db, logger),
		settlements: store.NewSettlementStore(db, logger),
		ledger:      store.NewLedgerStore(db, logger),
		owner:       store.NewOwnerStore(db, logger),
	}
	distributor := NewDistributor(
		stores.miners,
		stores.pools,
		stores.validators,
		stores.settlements,
		stores.ledger,
		stores.owner,
		logger,
	)
	return distributor, stores
}

func pendingByWallet(
	t *testing.T,
	settlements *store.SettlementStore,
) map[string]*store.PendingSettlement {
	pending, err := settlements.Pending()
	require.NoError(t, err)
	byWallet := map[string]*store.PendingSettlement{}
	for _, settlement := range pending {
		byWallet[settlement.Wallet] = settlement
	}
	return byWallet
}

func TestDistributePool(t *testing.T) {
	distributor, stores := testDistributor(t)

	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-1", Score: 30}))
	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-2", Score: 10}))
	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-idle", Score: 0}))

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"})
	require.NoError(t, err)

	require.NoError(t, distributor.DistributePool(
		split, decimal.NewFromInt(1000), "100-109", "owner-wallet",
	))

	// Fee accrues to the owner record, not a settlement.
	accrual, err := stores.owner.Get()
	require.NoError(t, err)
	assert.Equal(t, "180.00000000", accrual.Amount.StringFixed(8))

	byWallet := pendingByWallet(t, stores.settlements)
	require.Len(t, byWallet, 2)
	// 820 split 30:10.
	assert.Equal(t, "615.00000000", byWallet["miner-1"].Amount.StringFixed(8))
	assert.Equal(t, "205.00000000", byWallet["miner-2"].Amount.StringFixed(8))
	assert.Equal(t, RewardMiners, byWallet["miner-1"].RewardType)

	// Scores reset after distribution.
	stats, err := stores.miners.Get("miner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Score)
	assert.Equal(t, "615.00000000", stats.Balance.StringFixed(8))

	log, err := stores.ledger.GetRewardLog("100-109")
	require.NoError(t, err)
	assert.Contains(t, log, "miner-1")
	assert.Contains(t, log, "owner-wallet")
	assert.Equal(t, float64(30), log["miner-1"].Score)
}

func TestDistributePoolNoEligibleMiners(t *testing.T) {
	distributor, stores := testDistributor(t)

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"})
	require.NoError(t, err)
	require.NoError(t, distributor.DistributePool(
		split, decimal.NewFromInt(100), "100-100", "owner-wallet",
	))

	pending, err := stores.settlements.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The fee still accrues.
	accrual, err := stores.owner.Get()
	require.NoError(t, err)
	assert.Equal(t, "18.00000000", accrual.Amount.StringFixed(8))
}

func TestDistributeInode(t *testing.T) {
	distributor, stores := testDistributor(t)

	_, err := stores.pools.Upsert("pool-1", func(p *store.PoolScore) { p.Score = 60 })
	require.NoError(t, err)
	_, err = stores.pools.Upsert("pool-2", func(p *store.PoolScore) { p.Score = 40 })
	require.NoError(t, err)

	_, err = stores.validators.Upsert("val-eligible", func(v *store.ValidatorRecord) {
		v.Score = 1
		v.Percentage = 25
	})
	require.NoError(t, err)
	_, err = stores.validators.Upsert("val-small", func(v *store.ValidatorRecord) {
		v.Score = 1
		v.Percentage = 10
	})
	require.NoError(t, err)
	_, err = stores.validators.Upsert("val-idle", func(v *store.ValidatorRecord) {
		v.Score = 0
		v.Percentage = 65
	})
	require.NoError(t, err)

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "41%", Share2: "41%"})
	require.NoError(t, err)
	require.NoError(t, distributor.DistributeInode(
		split, decimal.NewFromInt(1000), "200-209", "inode-reward",
	))

	byWallet := pendingByWallet(t, stores.settlements)
	require.Len(t, byWallet, 5)
	assert.Equal(t, "180.00000000", byWallet["inode-reward"].Amount.StringFixed(8))
	assert.Equal(t, RewardFee, byWallet["inode-reward"].RewardType)
	assert.Equal(t, "246.00000000", byWallet["pool-1"].Amount.StringFixed(8))
	assert.Equal(t, "164.00000000", byWallet["pool-2"].Amount.StringFixed(8))
	// Each eligible validator takes its own percentage of the 410 share;
	// the idle validator's portion goes undistributed.
	assert.Equal(t, "102.50000000", byWallet["val-eligible"].Amount.StringFixed(8))
	assert.Equal(t, "41.00000000", byWallet["val-small"].Amount.StringFixed(8))
	assert.NotContains(t, byWallet, "val-idle")

	// Pool scores are not reset by distribution.
	score, err := stores.pools.Get("pool-1")
	require.NoError(t, err)
	assert.Equal(t, 60, score.Score)
}

func TestDistributeValidator(t *testing.T) {
	distributor, stores := testDistributor(t)

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"})
	require.NoError(t, err)
	require.NoError(t, distributor.DistributeValidator(
		split, decimal.NewFromInt(100), "300-300", "owner-wallet", "val-reward",
	))

	accrual, err := stores.owner.Get()
	require.NoError(t, err)
	assert.Equal(t, "18.00000000", accrual.Amount.StringFixed(8))

	byWallet := pendingByWallet(t, stores.settlements)
	require.Len(t, byWallet, 1)
	assert.Equal(t, "82.00000000", byWallet["val-reward"].Amount.StringFixed(8))
	assert.Equal(t, RewardValidator, byWallet["val-reward"].RewardType)
}

func TestDistributeZeroTotalIsNoop(t *testing.T) {
	distributor, stores := testDistributor(t)

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"})
	require.NoError(t, err)
	require.NoError(t, distributor.DistributePool(
		split, decimal.Zero, "400-400", "owner-wallet",
	))

	pending, err := stores.settlements.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = stores.ledger.GetRewardLog("400-400")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDistributeMinerRoundingUp(t *testing.T) {
	distributor, stores := testDistributor(t)

	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-1", Score: 1}))
	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-2", Score: 1}))
	require.NoError(t, stores.miners.Put(&store.MinerStats{Wallet: "miner-3", Score: 1}))

	split, err := ParseSplit(config.AwardConfig{Fee: "0%", Share1: "100%", Share2: "0%"})
	require.NoError(t, err)
	require.NoError(t, distributor.DistributePool(
		split, decimal.NewFromInt(1), "500-500", "owner-wallet",
	))

	// 1/3 rounds up to 0.33333334 per miner; the slack is accepted.
	byWallet := pendingByWallet(t, stores.settlements)
	require.Len(t, byWallet, 3)
	for _, settlement := range byWallet {
		assert.Equal(t, "0.33333334", settlement.Amount.StringFixed(8))
	}
}
