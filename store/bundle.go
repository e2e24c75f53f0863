package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrSlotOccupied = errors.New("store: bundle slot occupied")

// BundleStore persists the single in-flight validation bundle and the bundle
// history set. The current bundle is a single-slot resource: PutCurrent is a
// check-and-set that fails while a bundle exists.
type BundleStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewBundleStore(db KVDB, logger *zap.Logger) *BundleStore {
	return &BundleStore{
		db:     db,
		logger: logger.Named("bundle_store"),
	}
}

func bundleCurrentKey() []byte {
	return []byte{BUNDLE, BUNDLE_CURRENT}
}

func bundleHistoryKey(valID string) []byte {
	key := []byte{BUNDLE, BUNDLE_HISTORY}
	key = append(key, []byte(valID)...)
	return key
}

// PutCurrent installs bundle as the in-flight bundle. Fails with
// ErrSlotOccupied if one already exists.
func (s *BundleStore) PutCurrent(bundle *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(bundleCurrentKey())
	if err == nil {
		closer.Close()
		return ErrSlotOccupied
	}
	if !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "put current bundle")
	}

	return s.putCurrent(bundle)
}

func (s *BundleStore) putCurrent(bundle *Bundle) error {
	value, err := json.Marshal(bundle)
	if err != nil {
		return errors.Wrap(err, "put current bundle")
	}
	return errors.Wrap(s.db.Set(bundleCurrentKey(), value), "put current bundle")
}

func (s *BundleStore) GetCurrent() (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCurrent()
}

func (s *BundleStore) getCurrent() (*Bundle, error) {
	value, closer, err := s.db.Get(bundleCurrentKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get current bundle")
	}
	defer closer.Close()

	bundle := &Bundle{}
	if err := json.Unmarshal(value, bundle); err != nil {
		return nil, errors.Wrap(err, "get current bundle")
	}
	return bundle, nil
}

func (s *BundleStore) DeleteCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.db.Delete(bundleCurrentKey()), "delete current bundle")
}

// UpdateCurrent applies mutate to the in-flight bundle under the store lock.
func (s *BundleStore) UpdateCurrent(mutate func(*Bundle) error) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.getCurrent()
	if err != nil {
		return nil, err
	}
	if err := mutate(bundle); err != nil {
		return nil, err
	}
	if err := s.putCurrent(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *BundleStore) PutHistory(history *BundleHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "put bundle history")
	}
	return errors.Wrap(
		s.db.Set(bundleHistoryKey(history.ValID), value),
		"put bundle history",
	)
}

func (s *BundleStore) GetHistory(valID string) (*BundleHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(bundleHistoryKey(valID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get bundle history")
	}
	defer closer.Close()

	history := &BundleHistory{}
	if err := json.Unmarshal(value, history); err != nil {
		return nil, errors.Wrap(err, "get bundle history")
	}
	return history, nil
}
