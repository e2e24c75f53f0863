package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/protocol"
)

func testDB(t *testing.T) KVDB {
	db, err := NewPebbleDB(&config.DBConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestTaskStoreLifecycle(t *testing.T) {
	s := NewTaskStore(testDB(t), zap.NewNop())

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := &Task{
		ID:       "task-1",
		Task:     "payload-1",
		Seed:     "11",
		Time:     base,
		Status:   StatusPending,
		Priority: PriorityLow,
	}
	second := &Task{
		ID:       "task-2",
		Task:     "payload-2",
		Seed:     "22",
		Time:     base.Add(time.Second),
		Status:   StatusPending,
		Priority: PriorityHigh,
	}
	require.NoError(t, s.Put(second))
	require.NoError(t, s.Put(first))

	tasks, err := s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, "task-2", tasks[1].ID)

	updated, err := s.Update("task-1", func(task *Task) error {
		task.Status = StatusSent
		task.Wallet = "miner-wallet"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, updated.Status)

	assigned, err := s.FindAssigned("miner-wallet")
	require.NoError(t, err)
	assert.Equal(t, "task-1", assigned.ID)

	_, err = s.FindAssigned("other-wallet")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("task-1"))
	_, err = s.Get("task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBundleStoreSingleSlot(t *testing.T) {
	s := NewBundleStore(testDB(t), zap.NewNop())

	_, err := s.GetCurrent()
	assert.ErrorIs(t, err, ErrNotFound)

	bundle := &Bundle{
		ValID:     "val-1",
		Condition: ConditionPending,
		CreatedAt: time.Now().UTC(),
		Tasks: []protocol.BundleTask{
			{ID: "task-1", Task: "payload", Seed: "7"},
		},
	}
	require.NoError(t, s.PutCurrent(bundle))
	assert.ErrorIs(t, s.PutCurrent(bundle), ErrSlotOccupied)

	_, err = s.UpdateCurrent(func(b *Bundle) error {
		b.Validators = append(b.Validators, "validator-1")
		return nil
	})
	require.NoError(t, err)

	current, err := s.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, []string{"validator-1"}, current.Validators)

	require.NoError(t, s.DeleteCurrent())
	_, err = s.GetCurrent()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutHistory(&BundleHistory{
		ValID:     "val-1",
		CreatedAt: bundle.CreatedAt,
	}))
	history, err := s.GetHistory("val-1")
	require.NoError(t, err)
	assert.Equal(t, "val-1", history.ValID)
}

func TestMinerStatsStoreUpsert(t *testing.T) {
	s := NewMinerStatsStore(testDB(t), zap.NewNop())

	seed := func() *MinerStats {
		return &MinerStats{Wallet: "miner-1", TP: 50, NP: 0}
	}

	stats, err := s.Upsert("miner-1", seed, func(m *MinerStats) {
		m.Score += 10
	})
	require.NoError(t, err)
	assert.Equal(t, float64(50), stats.TP)
	assert.Equal(t, 10, stats.Score)

	stats, err = s.Upsert("miner-1", seed, func(m *MinerStats) {
		m.Score += 5
	})
	require.NoError(t, err)
	assert.Equal(t, 15, stats.Score)

	_, err = s.Update("unknown", func(m *MinerStats) {})
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPoolScoreStoreRegistry(t *testing.T) {
	s := NewPoolScoreStore(testDB(t), zap.NewNop())

	registered, err := s.IsRegistered("pool-1")
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, s.Register("pool-1"))
	registered, err = s.IsRegistered("pool-1")
	require.NoError(t, err)
	assert.True(t, registered)

	score, err := s.Upsert("pool-1", func(p *PoolScore) {
		p.Score += 20
	})
	require.NoError(t, err)
	assert.Equal(t, 20, score.Score)
}

func TestSettlementStoreOrderAndAudit(t *testing.T) {
	s := NewSettlementStore(testDB(t), zap.NewNop())

	base := time.Now().UTC()
	newer := &PendingSettlement{
		ID:         "settle-2",
		Wallet:     "wallet-2",
		Amount:     decimal.RequireFromString("1.5"),
		RewardType: "miners_reward",
		CreatedAt:  base.Add(time.Second),
	}
	older := &PendingSettlement{
		ID:         "settle-1",
		Wallet:     "wallet-1",
		Amount:     decimal.RequireFromString("2.25"),
		RewardType: "pool_reward",
		CreatedAt:  base,
	}
	require.NoError(t, s.Enqueue(newer))
	require.NoError(t, s.Enqueue(older))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "settle-1", pending[0].ID)
	assert.Equal(t, "settle-2", pending[1].ID)

	require.NoError(t, s.Remove(older))
	pending, err = s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "settle-2", pending[0].ID)

	require.NoError(t, s.LogCaught(&FailedSettlement{
		ID:       "settle-2",
		Wallet:   "wallet-2",
		Error:    "connection reset",
		Amount:   "1.5",
		FailedAt: time.Now().UTC(),
	}))
	caught, err := s.Caught()
	require.NoError(t, err)
	require.Len(t, caught, 1)
	assert.Equal(t, "settle-2", caught[0].ID)
}

func TestLedgerStoreHeightMonotonic(t *testing.T) {
	s := NewLedgerStore(testDB(t), zap.NewNop())

	_, err := s.LastHeight()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetLastHeight(100))
	require.NoError(t, s.SetLastHeight(90))

	height, err := s.LastHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(100), height)

	require.NoError(t, s.SetLastHeight(150))
	height, err = s.LastHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(150), height)
}

func TestLedgerStoreTxHashDedup(t *testing.T) {
	s := NewLedgerStore(testDB(t), zap.NewNop())

	inserted, err := s.RecordTxHash("abc123")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordTxHash("abc123")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestLedgerStoreRewardLog(t *testing.T) {
	s := NewLedgerStore(testDB(t), zap.NewNop())

	updates := map[string]RewardUpdate{
		"wallet-1": {AddedAmount: 1.25, CurrentBalance: 3.5},
	}
	require.NoError(t, s.PutRewardLog("100-150", updates))

	got, err := s.GetRewardLog("100-150")
	require.NoError(t, err)
	assert.Equal(t, updates, got)

	_, err = s.GetRewardLog("151-200")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipelineStoreStages(t *testing.T) {
	s := NewPipelineStore(testDB(t), zap.NewNop())

	require.NoError(t, s.PutReceived(&ReceivedBundle{
		ValID:      "val-1",
		PoolWallet: "pool-wallet",
		PoolIP:     "10.0.0.1",
		PoolPort:   5503,
		ReceivedAt: time.Now().UTC(),
	}))
	received, err := s.ListReceived()
	require.NoError(t, err)
	require.Len(t, received, 1)

	require.NoError(t, s.DeleteReceived("val-1"))
	received, err = s.ListReceived()
	require.NoError(t, err)
	assert.Empty(t, received)

	require.NoError(t, s.PutScored(&ScoredBundle{
		ValID:  "val-1",
		PoolIP: "10.0.0.1",
	}))
	scored, err := s.ListScored()
	require.NoError(t, err)
	require.Len(t, scored, 1)
	require.NoError(t, s.DeleteScored("val-1"))

	require.NoError(t, s.PutRelay(&RelayTask{
		ValID:      "val-1",
		PoolWallet: "pool-wallet",
	}))
	relay, err := s.ListRelay()
	require.NoError(t, err)
	require.Len(t, relay, 1)
	require.NoError(t, s.DeleteRelay("val-1"))
}

func TestPipelineStoreSeen(t *testing.T) {
	s := NewPipelineStore(testDB(t), zap.NewNop())

	seen, err := s.Seen("val-1")
	require.NoError(t, err)
	assert.False(t, seen)

	inserted, err := s.MarkSeen("val-1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.MarkSeen("val-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	seen, err = s.Seen("val-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestOwnerStoreAccrue(t *testing.T) {
	s := NewOwnerStore(testDB(t), zap.NewNop())

	_, err := s.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	accrual, err := s.Accrue("owner-wallet", decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "owner-wallet", accrual.Wallet)
	assert.True(t, accrual.Amount.Equal(decimal.RequireFromString("0.5")))

	accrual, err = s.Accrue("ignored-default", decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.Equal(t, "owner-wallet", accrual.Wallet)
	assert.True(t, accrual.Amount.Equal(decimal.RequireFromString("0.75")))
}
