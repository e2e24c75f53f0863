package reward

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/store"
)

// Reward-type tags carried on settlements and memos.
const (
	RewardMiners     = "miners_reward"
	RewardPools      = "pools_reward"
	RewardValidators = "validators_reward"
	RewardFee        = "fee_reward"
	RewardValidator  = "validator_reward"
)

// Distributor turns a scanned block range's revenue into owner accruals and
// pending settlements, and writes the per-range reward log.
type Distributor struct {
	miners      *store.MinerStatsStore
	pools       *store.PoolScoreStore
	validators  *store.ValidatorStore
	settlements *store.SettlementStore
	ledger      *store.LedgerStore
	owner       *store.OwnerStore
	logger      *zap.Logger
}

func NewDistributor(
	miners *store.MinerStatsStore,
	pools *store.PoolScoreStore,
	validators *store.ValidatorStore,
	settlements *store.SettlementStore,
	ledger *store.LedgerStore,
	owner *store.OwnerStore,
	logger *zap.Logger,
) *Distributor {
	return &Distributor{
		miners:      miners,
		pools:       pools,
		validators:  validators,
		settlements: settlements,
		ledger:      ledger,
		owner:       owner,
		logger:      logger.Named("distributor"),
	}
}

func (d *Distributor) enqueue(
	wallet string,
	amount decimal.Decimal,
	rewardType string,
) error {
	if !amount.IsPositive() {
		return nil
	}
	distributedTotal.WithLabelValues(rewardType).Add(amount.InexactFloat64())
	return d.settlements.Enqueue(&store.PendingSettlement{
		ID:         uuid.NewString(),
		Wallet:     wallet,
		Amount:     amount,
		RewardType: rewardType,
		CreatedAt:  time.Now().UTC(),
	})
}

// DistributePool settles a pool's revenue: the fee share accrues to the
// operator's balance, the miner share is spread proportional to each
// miner's running score, which resets afterwards.
func (d *Distributor) DistributePool(
	split SplitConfig,
	total decimal.Decimal,
	blockRange string,
	ownerWallet string,
) error {
	if !total.IsPositive() {
		return nil
	}
	shares := split.Split(total)
	updates := map[string]store.RewardUpdate{}

	if shares.Fee.IsPositive() {
		accrual, err := d.owner.Accrue(ownerWallet, shares.Fee)
		if err != nil {
			return errors.Wrap(err, "distribute pool")
		}
		updates[accrual.Wallet] = store.RewardUpdate{
			AddedAmount:    shares.Fee.InexactFloat64(),
			CurrentBalance: accrual.Amount.InexactFloat64(),
		}
	}

	minerUpdates, err := d.distributeMiners(shares.Share1)
	if err != nil {
		return errors.Wrap(err, "distribute pool")
	}
	for wallet, update := range minerUpdates {
		updates[wallet] = update
	}

	if err := d.ledger.PutRewardLog(blockRange, updates); err != nil {
		return errors.Wrap(err, "distribute pool")
	}
	d.logger.Info(
		"pool revenue distributed",
		zap.String("block_range", blockRange),
		zap.String("total", total.String()),
		zap.Int("recipients", len(updates)),
	)
	return nil
}

// distributeMiners spreads share proportional to score across miners with a
// positive score and resets each credited miner's score to zero. Each
// allocation rounds up independently; the resulting slack is accepted.
func (d *Distributor) distributeMiners(
	share decimal.Decimal,
) (map[string]store.RewardUpdate, error) {
	if !share.IsPositive() {
		return nil, nil
	}

	miners, err := d.miners.List()
	if err != nil {
		return nil, err
	}

	totalScore := decimal.Zero
	for _, miner := range miners {
		if miner.Score > 0 {
			totalScore = totalScore.Add(decimal.NewFromInt(int64(miner.Score)))
		}
	}
	if totalScore.IsZero() {
		return nil, nil
	}

	updates := map[string]store.RewardUpdate{}
	for _, miner := range miners {
		if miner.Score <= 0 {
			continue
		}
		weight := decimal.NewFromInt(int64(miner.Score))
		alloc := RoundUpSettlement(share.Mul(weight).Div(totalScore))

		if err := d.enqueue(miner.Wallet, alloc, RewardMiners); err != nil {
			return nil, err
		}

		previous := miner.Balance
		credited, err := d.miners.Update(miner.Wallet, func(record *store.MinerStats) {
			record.Balance = record.Balance.Add(alloc)
			record.Score = 0
		})
		if err != nil {
			return nil, err
		}
		updates[miner.Wallet] = store.RewardUpdate{
			PreviousBalance: previous.InexactFloat64(),
			Score:           float64(miner.Score),
			AddedAmount:     alloc.InexactFloat64(),
			CurrentBalance:  credited.Balance.InexactFloat64(),
		}
	}
	return updates, nil
}

// DistributeInode settles cross-pool revenue three ways: the fee share is
// enqueued to the inode's reward address, the pool share spreads across
// pools by score, and the validator share across eligible validators by
// stake percentage. Neither score is reset here; the decay cycle owns that.
func (d *Distributor) DistributeInode(
	split SplitConfig,
	total decimal.Decimal,
	blockRange string,
	feeAddress string,
) error {
	if !total.IsPositive() {
		return nil
	}
	shares := split.Split(total)
	updates := map[string]store.RewardUpdate{}

	if shares.Fee.IsPositive() {
		if err := d.enqueue(feeAddress, shares.Fee, RewardFee); err != nil {
			return errors.Wrap(err, "distribute inode")
		}
		updates[feeAddress] = store.RewardUpdate{
			AddedAmount: shares.Fee.InexactFloat64(),
		}
	}

	poolUpdates, err := d.distributePools(shares.Share1)
	if err != nil {
		return errors.Wrap(err, "distribute inode")
	}
	for wallet, update := range poolUpdates {
		updates[wallet] = update
	}

	validatorUpdates, err := d.distributeValidators(shares.Share2)
	if err != nil {
		return errors.Wrap(err, "distribute inode")
	}
	for wallet, update := range validatorUpdates {
		updates[wallet] = update
	}

	if err := d.ledger.PutRewardLog(blockRange, updates); err != nil {
		return errors.Wrap(err, "distribute inode")
	}
	d.logger.Info(
		"inode revenue distributed",
		zap.String("block_range", blockRange),
		zap.String("total", total.String()),
		zap.Int("recipients", len(updates)),
	)
	return nil
}

func (d *Distributor) distributePools(
	share decimal.Decimal,
) (map[string]store.RewardUpdate, error) {
	if !share.IsPositive() {
		return nil, nil
	}

	pools, err := d.pools.List()
	if err != nil {
		return nil, err
	}

	totalScore := decimal.Zero
	for _, pool := range pools {
		if pool.Score > 0 {
			totalScore = totalScore.Add(decimal.NewFromInt(int64(pool.Score)))
		}
	}
	if totalScore.IsZero() {
		return nil, nil
	}

	updates := map[string]store.RewardUpdate{}
	for _, pool := range pools {
		if pool.Score <= 0 {
			continue
		}
		weight := decimal.NewFromInt(int64(pool.Score))
		alloc := RoundUpSettlement(share.Mul(weight).Div(totalScore))
		if err := d.enqueue(pool.Address, alloc, RewardPools); err != nil {
			return nil, err
		}
		updates[pool.Address] = store.RewardUpdate{
			Score:       float64(pool.Score),
			AddedAmount: alloc.InexactFloat64(),
		}
	}
	return updates, nil
}

// distributeValidators pays each eligible validator its stake percentage of
// the share, un-normalized: the shares of ineligible validators go
// undistributed rather than being redivided among the eligible.
func (d *Distributor) distributeValidators(
	share decimal.Decimal,
) (map[string]store.RewardUpdate, error) {
	if !share.IsPositive() {
		return nil, nil
	}

	validators, err := d.validators.List()
	if err != nil {
		return nil, err
	}

	updates := map[string]store.RewardUpdate{}
	for _, validator := range validators {
		if validator.Score != 1 {
			continue
		}
		weight := decimal.NewFromFloat(validator.Percentage)
		alloc := RoundUpSettlement(share.Mul(weight).Div(decimal.NewFromInt(100)))
		if !alloc.IsPositive() {
			continue
		}
		if err := d.enqueue(validator.Wallet, alloc, RewardValidators); err != nil {
			return nil, err
		}
		updates[validator.Wallet] = store.RewardUpdate{
			Score:       validator.Percentage,
			AddedAmount: alloc.InexactFloat64(),
		}
	}
	return updates, nil
}

// DistributeValidator settles a validator's own revenue: the fee share
// accrues to the operator's balance, the rest is enqueued to the reward
// address.
func (d *Distributor) DistributeValidator(
	split SplitConfig,
	total decimal.Decimal,
	blockRange string,
	ownerWallet string,
	rewardAddress string,
) error {
	if !total.IsPositive() {
		return nil
	}
	shares := split.Split(total)
	updates := map[string]store.RewardUpdate{}

	if shares.Fee.IsPositive() {
		accrual, err := d.owner.Accrue(ownerWallet, shares.Fee)
		if err != nil {
			return errors.Wrap(err, "distribute validator")
		}
		updates[accrual.Wallet] = store.RewardUpdate{
			AddedAmount:    shares.Fee.InexactFloat64(),
			CurrentBalance: accrual.Amount.InexactFloat64(),
		}
	}

	if err := d.enqueue(rewardAddress, shares.Share1, RewardValidator); err != nil {
		return errors.Wrap(err, "distribute validator")
	}
	updates[rewardAddress] = store.RewardUpdate{
		AddedAmount: shares.Share1.InexactFloat64(),
	}

	if err := d.ledger.PutRewardLog(blockRange, updates); err != nil {
		return errors.Wrap(err, "distribute validator")
	}
	return nil
}
