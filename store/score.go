package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MinerStatsStore persists per-miner scoring records.
type MinerStatsStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewMinerStatsStore(db KVDB, logger *zap.Logger) *MinerStatsStore {
	return &MinerStatsStore{
		db:     db,
		logger: logger.Named("miner_stats_store"),
	}
}

func minerKey(wallet string) []byte {
	key := []byte{MINER, MINER_BY_WALLET}
	key = append(key, []byte(wallet)...)
	return key
}

func (s *MinerStatsStore) Get(wallet string) (*MinerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(wallet)
}

func (s *MinerStatsStore) get(wallet string) (*MinerStats, error) {
	value, closer, err := s.db.Get(minerKey(wallet))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get miner stats")
	}
	defer closer.Close()

	stats := &MinerStats{}
	if err := json.Unmarshal(value, stats); err != nil {
		return nil, errors.Wrap(err, "get miner stats")
	}
	return stats, nil
}

func (s *MinerStatsStore) put(stats *MinerStats) error {
	value, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "put miner stats")
	}
	return errors.Wrap(s.db.Set(minerKey(stats.Wallet), value), "put miner stats")
}

func (s *MinerStatsStore) Put(stats *MinerStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(stats)
}

// Upsert applies mutate to the existing record, or to a fresh record built
// by seed when the wallet is unknown.
func (s *MinerStatsStore) Upsert(
	wallet string,
	seed func() *MinerStats,
	mutate func(*MinerStats),
) (*MinerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.get(wallet)
	if errors.Is(err, ErrNotFound) {
		stats = seed()
	} else if err != nil {
		return nil, err
	}

	mutate(stats)
	if err := s.put(stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Update applies mutate to an existing record; ErrNotFound if absent.
func (s *MinerStatsStore) Update(
	wallet string,
	mutate func(*MinerStats),
) (*MinerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.get(wallet)
	if err != nil {
		return nil, err
	}
	mutate(stats)
	if err := s.put(stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *MinerStatsStore) List() ([]*MinerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{MINER, MINER_BY_WALLET}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list miner stats")
	}
	defer iter.Close()

	var all []*MinerStats
	for iter.First(); iter.Valid(); iter.Next() {
		stats := &MinerStats{}
		if err := json.Unmarshal(iter.Value(), stats); err != nil {
			s.logger.Warn("skipping undecodable miner stats", zap.Error(err))
			continue
		}
		all = append(all, stats)
	}
	return all, nil
}

// PoolScoreStore persists per-pool scores and the registry of known pools.
type PoolScoreStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewPoolScoreStore(db KVDB, logger *zap.Logger) *PoolScoreStore {
	return &PoolScoreStore{
		db:     db,
		logger: logger.Named("pool_score_store"),
	}
}

func poolScoreKey(address string) []byte {
	key := []byte{POOL, POOL_SCORE_BY_ADDRESS}
	key = append(key, []byte(address)...)
	return key
}

func poolRegistryKey(address string) []byte {
	key := []byte{POOL, POOL_REGISTRY}
	key = append(key, []byte(address)...)
	return key
}

// Register records address as a known pool. Unregistered pools cannot be
// credited.
func (s *PoolScoreStore) Register(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(
		s.db.Set(poolRegistryKey(address), []byte(address)),
		"register pool",
	)
}

func (s *PoolScoreStore) IsRegistered(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(poolRegistryKey(address))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "pool registered")
	}
	closer.Close()
	return true, nil
}

func (s *PoolScoreStore) Get(address string) (*PoolScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(address)
}

func (s *PoolScoreStore) get(address string) (*PoolScore, error) {
	value, closer, err := s.db.Get(poolScoreKey(address))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get pool score")
	}
	defer closer.Close()

	score := &PoolScore{}
	if err := json.Unmarshal(value, score); err != nil {
		return nil, errors.Wrap(err, "get pool score")
	}
	return score, nil
}

func (s *PoolScoreStore) put(score *PoolScore) error {
	value, err := json.Marshal(score)
	if err != nil {
		return errors.Wrap(err, "put pool score")
	}
	return errors.Wrap(s.db.Set(poolScoreKey(score.Address), value), "put pool score")
}

// Upsert applies mutate to the existing score record, creating a zero-score
// record when the pool has none yet.
func (s *PoolScoreStore) Upsert(
	address string,
	mutate func(*PoolScore),
) (*PoolScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	score, err := s.get(address)
	if errors.Is(err, ErrNotFound) {
		score = &PoolScore{Address: address}
	} else if err != nil {
		return nil, err
	}

	mutate(score)
	if err := s.put(score); err != nil {
		return nil, err
	}
	return score, nil
}

func (s *PoolScoreStore) List() ([]*PoolScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{POOL, POOL_SCORE_BY_ADDRESS}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list pool scores")
	}
	defer iter.Close()

	var all []*PoolScore
	for iter.First(); iter.Valid(); iter.Next() {
		score := &PoolScore{}
		if err := json.Unmarshal(iter.Value(), score); err != nil {
			s.logger.Warn("skipping undecodable pool score", zap.Error(err))
			continue
		}
		all = append(all, score)
	}
	return all, nil
}

// ValidatorStore persists the inode's validator roster records.
type ValidatorStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewValidatorStore(db KVDB, logger *zap.Logger) *ValidatorStore {
	return &ValidatorStore{
		db:     db,
		logger: logger.Named("validator_store"),
	}
}

func validatorKey(wallet string) []byte {
	key := []byte{VALIDATOR, VALIDATOR_BY_WALLET}
	key = append(key, []byte(wallet)...)
	return key
}

func (s *ValidatorStore) Get(wallet string) (*ValidatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(wallet)
}

func (s *ValidatorStore) get(wallet string) (*ValidatorRecord, error) {
	value, closer, err := s.db.Get(validatorKey(wallet))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get validator")
	}
	defer closer.Close()

	record := &ValidatorRecord{}
	if err := json.Unmarshal(value, record); err != nil {
		return nil, errors.Wrap(err, "get validator")
	}
	return record, nil
}

func (s *ValidatorStore) put(record *ValidatorRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "put validator")
	}
	return errors.Wrap(s.db.Set(validatorKey(record.Wallet), value), "put validator")
}

// Upsert applies mutate to the existing record, or to a fresh record when
// the wallet is unknown.
func (s *ValidatorStore) Upsert(
	wallet string,
	mutate func(*ValidatorRecord),
) (*ValidatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.get(wallet)
	if errors.Is(err, ErrNotFound) {
		record = &ValidatorRecord{Wallet: wallet}
	} else if err != nil {
		return nil, err
	}

	mutate(record)
	if err := s.put(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Update applies mutate to an existing record; ErrNotFound if absent.
func (s *ValidatorStore) Update(
	wallet string,
	mutate func(*ValidatorRecord),
) (*ValidatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.get(wallet)
	if err != nil {
		return nil, err
	}
	mutate(record)
	if err := s.put(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *ValidatorStore) List() ([]*ValidatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{VALIDATOR, VALIDATOR_BY_WALLET}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list validators")
	}
	defer iter.Close()

	var all []*ValidatorRecord
	for iter.First(); iter.Valid(); iter.Next() {
		record := &ValidatorRecord{}
		if err := json.Unmarshal(iter.Value(), record); err != nil {
			s.logger.Warn("skipping undecodable validator", zap.Error(err))
			continue
		}
		all = append(all, record)
	}
	return all, nil
}
