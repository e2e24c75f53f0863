package quorum

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/store"
	"github.com/upowai/poolnet/task"
)

var (
	ErrExpired       = errors.New("quorum: bundle expired")
	ErrNotReady      = errors.New("quorum: bundle not ready")
	ErrInvalidBundle = errors.New("quorum: task is invalid or expired")
)

const (
	// BundleSize is the fixed number of sub-tasks per validation bundle.
	BundleSize = 3

	// DefaultTTL bounds how long a bundle may live, dispatched or not.
	DefaultTTL = 3 * time.Minute

	// HistoryValidity is how long after creation a bundle id still accepts
	// scored responses.
	HistoryValidity = time.Hour
)

// TaskCreator creates the high-priority sub-tasks backing a bundle.
type TaskCreator interface {
	CreateTask(payload, seed, priority, retrieveID string) (*store.Task, error)
}

// OutcomeApplier applies a validator's scored outcome list.
type OutcomeApplier interface {
	ApplyValidationOutcome(entries []protocol.ScoreEntry) error
}

// Coordinator runs the pool side of the validation quorum: it builds the
// single in-flight bundle, tracks sub-task completion and validator
// acknowledgements, and gates late scored responses against the bundle
// history window.
type Coordinator struct {
	bundles *store.BundleStore
	tasks   TaskCreator
	source  task.Source
	scorer  OutcomeApplier
	ttl     time.Duration
	logger  *zap.Logger
}

func NewCoordinator(
	bundles *store.BundleStore,
	tasks TaskCreator,
	source task.Source,
	scorer OutcomeApplier,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		bundles: bundles,
		tasks:   tasks,
		source:  source,
		scorer:  scorer,
		ttl:     DefaultTTL,
		logger:  logger.Named("quorum"),
	}
}

// SetTTL overrides the bundle time-to-live.
func (c *Coordinator) SetTTL(ttl time.Duration) {
	c.ttl = ttl
}

// GenerateBundle creates the next validation bundle and its sub-tasks. At
// most one bundle exists at a time; store.ErrSlotOccupied is returned while
// one is in flight.
func (c *Coordinator) GenerateBundle() (*store.Bundle, error) {
	if _, err := c.bundles.GetCurrent(); err == nil {
		return nil, store.ErrSlotOccupied
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(err, "generate bundle")
	}

	valID := uuid.NewString()
	now := time.Now().UTC()

	subTasks := make([]protocol.BundleTask, 0, BundleSize)
	for i := 0; i < BundleSize; i++ {
		payload, seed, err := c.source.NewTask()
		if err != nil {
			return nil, errors.Wrap(err, "generate bundle")
		}
		created, err := c.tasks.CreateTask(payload, seed, store.PriorityHigh, valID)
		if err != nil {
			return nil, errors.Wrap(err, "generate bundle")
		}
		subTasks = append(subTasks, protocol.BundleTask{
			ID:         created.ID,
			Task:       created.Task,
			Seed:       created.Seed,
			Time:       created.Time,
			RetrieveID: valID,
			Status:     store.StatusPending,
			Priority:   store.PriorityHigh,
		})
	}

	bundle := &store.Bundle{
		ValID:     valID,
		Condition: store.ConditionPending,
		CreatedAt: now,
		Tasks:     subTasks,
	}
	if err := c.bundles.PutCurrent(bundle); err != nil {
		return nil, errors.Wrap(err, "generate bundle")
	}
	if err := c.bundles.PutHistory(&store.BundleHistory{
		ValID:     valID,
		CreatedAt: now,
	}); err != nil {
		return nil, errors.Wrap(err, "generate bundle")
	}

	c.logger.Info("bundle generated", zap.String("val_id", valID))
	return bundle, nil
}

// OnSubtaskCompleted records a sub-task completion inside the in-flight
// bundle and flips it to dispatch once every sub-task is completed. Intended
// as the task controller's completion hook; completions that do not belong
// to the current bundle are ignored.
func (c *Coordinator) OnSubtaskCompleted(completed *store.Task) error {
	_, err := c.bundles.UpdateCurrent(func(bundle *store.Bundle) error {
		if bundle.ValID != completed.RetrieveID {
			return nil
		}

		allDone := true
		for i := range bundle.Tasks {
			if bundle.Tasks[i].ID == completed.ID {
				bundle.Tasks[i].Status = store.StatusCompleted
				bundle.Tasks[i].Wallet = completed.Wallet
			}
			if bundle.Tasks[i].Status != store.StatusCompleted {
				allDone = false
			}
		}
		if allDone {
			bundle.Condition = store.ConditionDispatch
			c.logger.Info("bundle ready", zap.String("val_id", bundle.ValID))
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return errors.Wrap(err, "on subtask completed")
}

// SelectReadyBundle returns the in-flight bundle once it is dispatchable.
// A bundle past its TTL is deleted regardless of condition and reported as
// ErrExpired; a live but incomplete bundle is ErrNotReady.
func (c *Coordinator) SelectReadyBundle() (*store.Bundle, error) {
	bundle, err := c.bundles.GetCurrent()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, errors.Wrap(err, "select ready bundle")
	}

	if time.Since(bundle.CreatedAt) > c.ttl {
		if err := c.bundles.DeleteCurrent(); err != nil {
			return nil, errors.Wrap(err, "select ready bundle")
		}
		c.logger.Info("bundle expired", zap.String("val_id", bundle.ValID))
		return nil, ErrExpired
	}

	if bundle.Condition != store.ConditionDispatch {
		return nil, ErrNotReady
	}
	return bundle, nil
}

// AddResponder records a validator acknowledgement against the in-flight
// bundle, excluding it from later fan-out rounds.
func (c *Coordinator) AddResponder(valID string, wallet string) error {
	_, err := c.bundles.UpdateCurrent(func(bundle *store.Bundle) error {
		if bundle.ValID != valID {
			return ErrInvalidBundle
		}
		for _, responded := range bundle.Validators {
			if responded == wallet {
				return nil
			}
		}
		bundle.Validators = append(bundle.Validators, wallet)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidBundle
	}
	return err
}

// OnScoredResponse applies a validator's outcome list, accepting only bundle
// ids created within the history validity window.
func (c *Coordinator) OnScoredResponse(resp protocol.ScoredResponse) error {
	history, err := c.bundles.GetHistory(resp.ValID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidBundle
	}
	if err != nil {
		return errors.Wrap(err, "on scored response")
	}
	if time.Since(history.CreatedAt) > HistoryValidity {
		return ErrInvalidBundle
	}

	if err := c.scorer.ApplyValidationOutcome(resp.Tasks); err != nil {
		return err
	}
	c.logger.Info(
		"scored response applied",
		zap.String("val_id", resp.ValID),
		zap.Int("entries", len(resp.Tasks)),
	)
	return nil
}
