package store

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TaskStore persists Task documents. All mutation goes through the task
// lifecycle controller; the store-level mutex makes each read-modify-write
// atomic per document.
type TaskStore struct {
	db     KVDB
	logger *zap.Logger
	mu     sync.Mutex
}

func NewTaskStore(db KVDB, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger.Named("task_store"),
	}
}

func taskKey(id string) []byte {
	key := []byte{TASK, TASK_BY_ID}
	key = append(key, []byte(id)...)
	return key
}

func (s *TaskStore) Put(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(task)
}

func (s *TaskStore) put(task *Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "put task")
	}
	if err := s.db.Set(taskKey(task.ID), value); err != nil {
		return errors.Wrap(err, "put task")
	}
	return nil
}

func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *TaskStore) get(id string) (*Task, error) {
	value, closer, err := s.db.Get(taskKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get task")
	}
	defer closer.Close()

	task := &Task{}
	if err := json.Unmarshal(value, task); err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return task, nil
}

func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.db.Delete(taskKey(id)), "delete task")
}

// List returns every stored task in creation-time order.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *TaskStore) list() ([]*Task, error) {
	prefix := []byte{TASK, TASK_BY_ID}
	iter, err := s.db.NewIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer iter.Close()

	var tasks []*Task
	for iter.First(); iter.Valid(); iter.Next() {
		task := &Task{}
		if err := json.Unmarshal(iter.Value(), task); err != nil {
			s.logger.Warn("skipping undecodable task", zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Time.Before(tasks[j].Time)
	})
	return tasks, nil
}

// Update applies mutate to the task under the store lock and persists the
// result. Returns ErrNotFound if the task does not exist.
func (s *TaskStore) Update(id string, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	if err := s.put(task); err != nil {
		return nil, err
	}
	return task, nil
}

// FindAssigned returns the sent, not yet completed task held by wallet, or
// ErrNotFound.
func (s *TaskStore) FindAssigned(wallet string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Wallet == wallet && task.Status == StatusSent {
			return task, nil
		}
	}
	return nil, ErrNotFound
}
