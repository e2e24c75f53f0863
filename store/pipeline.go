package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PipelineStore persists the validator's three processing stages: bundles
// received from pools, scored outcomes awaiting return, and completed
// validations awaiting relay to the inode. A separate history set keeps seen
// bundle ids so replayed bundles are rejected across restarts.
type PipelineStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewPipelineStore(db KVDB, logger *zap.Logger) *PipelineStore {
	return &PipelineStore{
		db:     db,
		logger: logger.Named("pipeline_store"),
	}
}

func pipelineKey(element byte, valID string) []byte {
	key := []byte{PIPELINE, element}
	key = append(key, []byte(valID)...)
	return key
}

func (s *PipelineStore) PutReceived(bundle *ReceivedBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(bundle)
	if err != nil {
		return errors.Wrap(err, "put received bundle")
	}
	return errors.Wrap(
		s.db.Set(pipelineKey(PIPELINE_RECEIVED, bundle.ValID), value),
		"put received bundle",
	)
}

func (s *PipelineStore) ListReceived() ([]*ReceivedBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{PIPELINE, PIPELINE_RECEIVED}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list received bundles")
	}
	defer iter.Close()

	var all []*ReceivedBundle
	for iter.First(); iter.Valid(); iter.Next() {
		bundle := &ReceivedBundle{}
		if err := json.Unmarshal(iter.Value(), bundle); err != nil {
			s.logger.Warn("skipping undecodable received bundle", zap.Error(err))
			continue
		}
		all = append(all, bundle)
	}
	return all, nil
}

func (s *PipelineStore) DeleteReceived(valID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(
		s.db.Delete(pipelineKey(PIPELINE_RECEIVED, valID)),
		"delete received bundle",
	)
}

func (s *PipelineStore) PutScored(bundle *ScoredBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(bundle)
	if err != nil {
		return errors.Wrap(err, "put scored bundle")
	}
	return errors.Wrap(
		s.db.Set(pipelineKey(PIPELINE_SCORED, bundle.ValID), value),
		"put scored bundle",
	)
}

func (s *PipelineStore) ListScored() ([]*ScoredBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{PIPELINE, PIPELINE_SCORED}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list scored bundles")
	}
	defer iter.Close()

	var all []*ScoredBundle
	for iter.First(); iter.Valid(); iter.Next() {
		bundle := &ScoredBundle{}
		if err := json.Unmarshal(iter.Value(), bundle); err != nil {
			s.logger.Warn("skipping undecodable scored bundle", zap.Error(err))
			continue
		}
		all = append(all, bundle)
	}
	return all, nil
}

func (s *PipelineStore) DeleteScored(valID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(
		s.db.Delete(pipelineKey(PIPELINE_SCORED, valID)),
		"delete scored bundle",
	)
}

func (s *PipelineStore) PutRelay(task *RelayTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "put relay task")
	}
	return errors.Wrap(
		s.db.Set(pipelineKey(PIPELINE_RELAY, task.ValID), value),
		"put relay task",
	)
}

func (s *PipelineStore) ListRelay() ([]*RelayTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{PIPELINE, PIPELINE_RELAY}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list relay tasks")
	}
	defer iter.Close()

	var all []*RelayTask
	for iter.First(); iter.Valid(); iter.Next() {
		task := &RelayTask{}
		if err := json.Unmarshal(iter.Value(), task); err != nil {
			s.logger.Warn("skipping undecodable relay task", zap.Error(err))
			continue
		}
		all = append(all, task)
	}
	return all, nil
}

func (s *PipelineStore) DeleteRelay(valID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(
		s.db.Delete(pipelineKey(PIPELINE_RELAY, valID)),
		"delete relay task",
	)
}

// MarkSeen inserts valID into the processed-bundle history. Returns true if
// the id was new; false means the bundle was already processed.
func (s *PipelineStore) MarkSeen(valID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pipelineKey(PIPELINE_HISTORY, valID)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, errors.Wrap(err, "mark bundle seen")
	}

	seenAt, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "mark bundle seen")
	}
	if err := s.db.Set(key, seenAt); err != nil {
		return false, errors.Wrap(err, "mark bundle seen")
	}
	return true, nil
}

func (s *PipelineStore) Seen(valID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(pipelineKey(PIPELINE_HISTORY, valID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "bundle seen")
	}
	closer.Close()
	return true, nil
}
