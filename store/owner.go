package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OwnerStore persists the operator's accumulated fee share.
type OwnerStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewOwnerStore(db KVDB, logger *zap.Logger) *OwnerStore {
	return &OwnerStore{
		db:     db,
		logger: logger.Named("owner_store"),
	}
}

func ownerKey() []byte {
	return []byte{OWNER, OWNER_ACCRUAL}
}

func (s *OwnerStore) Get() (*OwnerAccrual, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get()
}

func (s *OwnerStore) get() (*OwnerAccrual, error) {
	value, closer, err := s.db.Get(ownerKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get owner accrual")
	}
	defer closer.Close()

	accrual := &OwnerAccrual{}
	if err := json.Unmarshal(value, accrual); err != nil {
		return nil, errors.Wrap(err, "get owner accrual")
	}
	return accrual, nil
}

// Accrue adds amount to the owner balance, creating the record against
// defaultWallet when none exists.
func (s *OwnerStore) Accrue(
	defaultWallet string,
	amount decimal.Decimal,
) (*OwnerAccrual, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accrual, err := s.get()
	if errors.Is(err, ErrNotFound) {
		accrual = &OwnerAccrual{Wallet: defaultWallet}
	} else if err != nil {
		return nil, err
	}

	accrual.Amount = accrual.Amount.Add(amount)
	accrual.LastProcessed = time.Now().UTC()

	value, err := json.Marshal(accrual)
	if err != nil {
		return nil, errors.Wrap(err, "accrue owner")
	}
	if err := s.db.Set(ownerKey(), value); err != nil {
		return nil, errors.Wrap(err, "accrue owner")
	}
	return accrual, nil
}
