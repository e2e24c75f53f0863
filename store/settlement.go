package store

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SettlementStore persists the pending payout queue and the submission audit
// logs. Pending keys are prefixed with the creation timestamp so a prefix
// scan yields creation-time order.
type SettlementStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewSettlementStore(db KVDB, logger *zap.Logger) *SettlementStore {
	return &SettlementStore{
		db:     db,
		logger: logger.Named("settlement_store"),
	}
}

func pendingKey(createdAt time.Time, id string) []byte {
	key := []byte{SETTLEMENT, SETTLEMENT_PENDING}
	key = binary.BigEndian.AppendUint64(key, uint64(createdAt.UnixNano()))
	key = append(key, []byte(id)...)
	return key
}

func auditKey(element byte, wallet string, id string) []byte {
	key := []byte{SETTLEMENT, element}
	key = append(key, []byte(wallet)...)
	key = append(key, 0x00)
	key = append(key, []byte(id)...)
	return key
}

func (s *SettlementStore) Enqueue(settlement *PendingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(settlement)
	if err != nil {
		return errors.Wrap(err, "enqueue settlement")
	}
	return errors.Wrap(
		s.db.Set(pendingKey(settlement.CreatedAt, settlement.ID), value),
		"enqueue settlement",
	)
}

// Pending returns all queued settlements in creation-time order.
func (s *SettlementStore) Pending() ([]*PendingSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{SETTLEMENT, SETTLEMENT_PENDING}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "pending settlements")
	}
	defer iter.Close()

	var all []*PendingSettlement
	for iter.First(); iter.Valid(); iter.Next() {
		settlement := &PendingSettlement{}
		if err := json.Unmarshal(iter.Value(), settlement); err != nil {
			s.logger.Warn("skipping undecodable settlement", zap.Error(err))
			continue
		}
		all = append(all, settlement)
	}
	return all, nil
}

func (s *SettlementStore) Remove(settlement *PendingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(
		s.db.Delete(pendingKey(settlement.CreatedAt, settlement.ID)),
		"remove settlement",
	)
}

func (s *SettlementStore) LogSubmitted(record *SubmittedSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "log submitted")
	}
	return errors.Wrap(
		s.db.Set(auditKey(SETTLEMENT_SUBMITTED, record.Wallet, record.ID), value),
		"log submitted",
	)
}

// LogFailed records a submission that returned no transaction hash.
func (s *SettlementStore) LogFailed(record *FailedSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "log failed")
	}
	return errors.Wrap(
		s.db.Set(auditKey(SETTLEMENT_FAILED, record.Wallet, record.ID), value),
		"log failed",
	)
}

// LogCaught records an unclassified submission error prior to the forced
// retry re-enqueue.
func (s *SettlementStore) LogCaught(record *FailedSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "log caught")
	}
	return errors.Wrap(
		s.db.Set(auditKey(SETTLEMENT_CAUGHT, record.Wallet, record.ID), value),
		"log caught",
	)
}

func (s *SettlementStore) listAudit(element byte) ([]*FailedSettlement, error) {
	prefix := []byte{SETTLEMENT, element}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list audit")
	}
	defer iter.Close()

	var all []*FailedSettlement
	for iter.First(); iter.Valid(); iter.Next() {
		record := &FailedSettlement{}
		if err := json.Unmarshal(iter.Value(), record); err != nil {
			continue
		}
		all = append(all, record)
	}
	return all, nil
}

// Caught returns the unclassified-failure audit log.
func (s *SettlementStore) Caught() ([]*FailedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAudit(SETTLEMENT_CAUGHT)
}
