package store

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LedgerStore tracks the monotonic last-processed block height, the set of
// already-credited transaction hashes, and the per-block-range reward log.
type LedgerStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewLedgerStore(db KVDB, logger *zap.Logger) *LedgerStore {
	return &LedgerStore{
		db:     db,
		logger: logger.Named("ledger_store"),
	}
}

func lastHeightKey() []byte {
	return []byte{LEDGER, LEDGER_LAST_HEIGHT}
}

func txHashKey(hash string) []byte {
	key := []byte{LEDGER, LEDGER_TX_HASH}
	key = append(key, []byte(hash)...)
	return key
}

func rewardLogKey(blockRange string) []byte {
	key := []byte{LEDGER, LEDGER_REWARD_LOG}
	key = append(key, []byte(blockRange)...)
	return key
}

// LastHeight returns the last processed block height, or ErrNotFound when no
// block has been processed yet.
func (s *LedgerStore) LastHeight() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(lastHeightKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrap(err, "last height")
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, errors.New("last height: malformed value")
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// SetLastHeight advances the ledger. Heights only move forward; a stale
// height is ignored rather than written.
func (s *LedgerStore) SetLastHeight(height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(lastHeightKey())
	if err == nil {
		current := int64(binary.BigEndian.Uint64(value))
		closer.Close()
		if height <= current {
			return nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "set last height")
	}

	buf := binary.BigEndian.AppendUint64(nil, uint64(height))
	return errors.Wrap(s.db.Set(lastHeightKey(), buf), "set last height")
}

// RecordTxHash inserts hash into the seen set. Returns true if the hash was
// new; false means the transaction was already credited and must not be
// counted again.
func (s *LedgerStore) RecordTxHash(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(txHashKey(hash))
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, errors.Wrap(err, "record tx hash")
	}

	recordedAt := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
	if err := s.db.Set(txHashKey(hash), recordedAt); err != nil {
		return false, errors.Wrap(err, "record tx hash")
	}
	return true, nil
}

// PutRewardLog stores the per-participant updates applied for a block range.
func (s *LedgerStore) PutRewardLog(
	blockRange string,
	updates map[string]RewardUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(updates)
	if err != nil {
		return errors.Wrap(err, "put reward log")
	}
	return errors.Wrap(s.db.Set(rewardLogKey(blockRange), value), "put reward log")
}

func (s *LedgerStore) GetRewardLog(
	blockRange string,
) (map[string]RewardUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(rewardLogKey(blockRange))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get reward log")
	}
	defer closer.Close()

	updates := map[string]RewardUpdate{}
	if err := json.Unmarshal(value, &updates); err != nil {
		return nil, errors.Wrap(err, "get reward log")
	}
	return updates, nil
}
