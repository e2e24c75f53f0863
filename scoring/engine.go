package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/store"
)

var (
	ErrUnknownPool         = errors.New("scoring: pool not registered")
	ErrIneligibleValidator = errors.New("scoring: validator not eligible")
	ErrMissingScore        = errors.New("scoring: missing tp or np")
)

const (
	// rosterSize bounds how many validators, ranked by stake, share the
	// percentage pie on each refresh.
	rosterSize = 60

	// banThreshold is the negative-performance count past which a miner is
	// refused service.
	banThreshold = 45

	poolScoreCeiling   = 100
	poolIncrementScale = 20
	poolDecayRate      = 0.10

	// eligibilityFloor is the minimum stake percentage a validator needs to
	// act on behalf of the network.
	eligibilityFloor = 1.0
)

// Defaults applied the first time a miner is seen.
const (
	initialTP = 50
	initialNP = 0
)

// StakeEntry is one validator's stake snapshot from the chain registry.
type StakeEntry struct {
	Wallet string
	Stake  float64
	Votes  int64
}

// Engine owns every score mutation: validator roster percentages, pool score
// credit and decay, validator eligibility, and miner tp/np/speed accounting.
type Engine struct {
	miners     *store.MinerStatsStore
	pools      *store.PoolScoreStore
	validators *store.ValidatorStore
	logger     *zap.Logger
}

func NewEngine(
	miners *store.MinerStatsStore,
	pools *store.PoolScoreStore,
	validators *store.ValidatorStore,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		miners:     miners,
		pools:      pools,
		validators: validators,
		logger:     logger.Named("scoring"),
	}
}

// RefreshRoster upserts each validator's stake and vote data and recomputes
// percentage-of-total-stake across the top validators by stake. Validators
// outside the top set keep their stale percentage until a later refresh
// promotes them.
func (e *Engine) RefreshRoster(entries []StakeEntry) error {
	ranked := make([]StakeEntry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Stake > ranked[j].Stake
	})

	top := ranked
	if len(top) > rosterSize {
		top = top[:rosterSize]
	}

	var totalStake float64
	for _, entry := range top {
		totalStake += entry.Stake
	}

	inTop := make(map[string]bool, len(top))
	for _, entry := range top {
		inTop[entry.Wallet] = true
	}

	now := time.Now().UTC()
	for _, entry := range ranked {
		entry := entry
		_, err := e.validators.Upsert(entry.Wallet, func(record *store.ValidatorRecord) {
			record.Stake = entry.Stake
			record.Votes = entry.Votes
			record.LastFetch = now
			if inTop[entry.Wallet] && totalStake > 0 {
				record.Percentage = round2(entry.Stake / totalStake * 100)
			}
		})
		if err != nil {
			return errors.Wrap(err, "refresh roster")
		}
	}

	e.logger.Info(
		"validator roster refreshed",
		zap.Int("validators", len(ranked)),
		zap.Float64("total_stake", totalStake),
	)
	return nil
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// PoolIncrement is the score credit a validator of the given stake
// percentage confers on a pool.
func PoolIncrement(validatorPct float64) int {
	increment := int(math.Ceil(validatorPct / 100 * poolIncrementScale))
	if increment < 1 {
		return 1
	}
	return increment
}

// CreditPoolScore raises a registered pool's score by the crediting
// validator's stake-weighted increment, capped at the ceiling. Fails if the
// pool is not registered or the validator is below the eligibility floor.
func (e *Engine) CreditPoolScore(pool string, validatorWallet string) (int, error) {
	registered, err := e.pools.IsRegistered(pool)
	if err != nil {
		return 0, errors.Wrap(err, "credit pool score")
	}
	if !registered {
		return 0, ErrUnknownPool
	}

	validator, err := e.validators.Get(validatorWallet)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrIneligibleValidator
	}
	if err != nil {
		return 0, errors.Wrap(err, "credit pool score")
	}
	if validator.Percentage < eligibilityFloor {
		return 0, ErrIneligibleValidator
	}

	increment := PoolIncrement(validator.Percentage)
	score, err := e.pools.Upsert(pool, func(record *store.PoolScore) {
		record.Score += increment
		if record.Score > poolScoreCeiling {
			record.Score = poolScoreCeiling
		}
		record.LastActive = time.Now().UTC()
	})
	if err != nil {
		return 0, errors.Wrap(err, "credit pool score")
	}
	return score.Score, nil
}

// SetValidatorEligible marks an existing validator as eligible for reward
// distribution. Returns store.ErrNotFound for unknown wallets.
func (e *Engine) SetValidatorEligible(wallet string) error {
	_, err := e.validators.Update(wallet, func(record *store.ValidatorRecord) {
		record.Score = 1
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, "set validator eligible")
}

// DecayPools applies the multiplicative decay step to every pool with a
// positive score. Zero-score pools are left alone.
func (e *Engine) DecayPools() error {
	pools, err := e.pools.List()
	if err != nil {
		return errors.Wrap(err, "decay pools")
	}

	for _, pool := range pools {
		if pool.Score <= 0 {
			continue
		}
		_, err := e.pools.Upsert(pool.Address, func(record *store.PoolScore) {
			record.Score -= int(math.Ceil(poolDecayRate * float64(record.Score)))
			if record.Score < 0 {
				record.Score = 0
			}
		})
		if err != nil {
			return errors.Wrap(err, "decay pools")
		}
	}
	return nil
}

// DecayValidators resets every positive validator eligibility score to zero.
// Unlike pool decay this is a hard reset: a validator must re-earn
// eligibility every cycle.
func (e *Engine) DecayValidators() error {
	validators, err := e.validators.List()
	if err != nil {
		return errors.Wrap(err, "decay validators")
	}

	for _, validator := range validators {
		if validator.Score <= 0 {
			continue
		}
		_, err := e.validators.Update(validator.Wallet, func(record *store.ValidatorRecord) {
			record.Score = 0
		})
		if err != nil {
			return errors.Wrap(err, "decay validators")
		}
	}
	return nil
}

// IsEligibleMiner reports whether wallet may be served. Wallets with no
// record are eligible; a known wallet is refused once its negative
// performance exceeds the ban threshold.
func (e *Engine) IsEligibleMiner(wallet string) (bool, error) {
	stats, err := e.miners.Get(wallet)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "eligible miner")
	}
	return stats.NP <= banThreshold, nil
}

// SpeedScore converts completion latency into a score credit: full credit
// within 30 seconds, then one point lost per further 30 seconds, never below
// one.
func SpeedScore(latency time.Duration) int {
	seconds := latency.Seconds()
	if seconds <= 30 {
		return 10
	}
	score := 10 - int(math.Ceil((seconds-30)/30))
	if score < 1 {
		return 1
	}
	return score
}

// CreditMinerSpeed adds the latency-derived speed credit to the miner's
// running score, creating the record with default tp/np on first sight.
func (e *Engine) CreditMinerSpeed(wallet string, latency time.Duration) (int, error) {
	credit := SpeedScore(latency)
	stats, err := e.miners.Upsert(
		wallet,
		func() *store.MinerStats {
			return &store.MinerStats{Wallet: wallet, TP: initialTP, NP: initialNP}
		},
		func(record *store.MinerStats) {
			record.Score += credit
			record.LastActive = time.Now().UTC()
		},
	)
	if err != nil {
		return 0, errors.Wrap(err, "credit miner speed")
	}
	return stats.Score, nil
}

// ApplyValidationOutcome applies a validator's per-miner tp/np deltas. An
// entry carrying neither delta fails the whole batch before any write.
func (e *Engine) ApplyValidationOutcome(entries []protocol.ScoreEntry) error {
	for _, entry := range entries {
		if entry.TP == nil && entry.NP == nil {
			return ErrMissingScore
		}
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		entry := entry
		_, err := e.miners.Upsert(
			entry.WalletAddress,
			func() *store.MinerStats {
				return &store.MinerStats{
					Wallet: entry.WalletAddress,
					TP:     initialTP,
					NP:     initialNP,
				}
			},
			func(record *store.MinerStats) {
				if entry.TP != nil {
					record.TP += *entry.TP
				}
				if entry.NP != nil {
					record.NP += *entry.NP
				}
				record.LastActive = now
			},
		)
		if err != nil {
			return errors.Wrap(err, "apply validation outcome")
		}
	}
	return nil
}

// UpdateValidatorEndpoint records a validator heartbeat with its reachable
// address.
func (e *Engine) UpdateValidatorEndpoint(wallet string, ip string, port int) error {
	_, err := e.validators.Upsert(wallet, func(record *store.ValidatorRecord) {
		record.IP = ip
		record.Port = port
		record.Ping = time.Now().UTC()
	})
	return errors.Wrap(err, "update validator endpoint")
}
