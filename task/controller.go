package task

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/store"
)

var (
	ErrForbidden    = errors.New("task: not assigned to participant")
	ErrInvalidState = errors.New("task: not in a submittable state")
)

// DefaultStaleness is how long a sent task may sit uncompleted before it
// becomes eligible for reassignment.
const DefaultStaleness = 2 * time.Minute

// Source produces opaque task payloads when the queue runs dry.
type Source interface {
	NewTask() (payload string, seed string, err error)
}

// RandomSource synthesizes a random hex payload and a numeric seed.
type RandomSource struct {
	PayloadBytes int
}

func (s RandomSource) NewTask() (string, string, error) {
	size := s.PayloadBytes
	if size <= 0 {
		size = 16
	}
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return "", "", errors.Wrap(err, "new task payload")
	}
	seed, err := rand.Int(rand.Reader, big.NewInt(1<<31))
	if err != nil {
		return "", "", errors.Wrap(err, "new task seed")
	}
	return hex.EncodeToString(payload), seed.String(), nil
}

// SpeedCrediter credits a miner for completion latency.
type SpeedCrediter interface {
	CreditMinerSpeed(wallet string, latency time.Duration) (int, error)
}

// Controller owns the task lifecycle: creation, priority selection,
// staleness reassignment, and completion.
type Controller struct {
	tasks      *store.TaskStore
	scorer     SpeedCrediter
	source     Source
	staleAfter time.Duration
	logger     *zap.Logger

	// onCompleted, when set, fires after a high-priority task completes so
	// bundle bookkeeping can run.
	onCompleted func(*store.Task) error
}

func NewController(
	tasks *store.TaskStore,
	scorer SpeedCrediter,
	source Source,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		tasks:      tasks,
		scorer:     scorer,
		source:     source,
		staleAfter: DefaultStaleness,
		logger:     logger.Named("task"),
	}
}

// SetStaleness overrides the reassignment window.
func (c *Controller) SetStaleness(window time.Duration) {
	c.staleAfter = window
}

// SetCompletionHook registers the callback fired when a high-priority task
// completes.
func (c *Controller) SetCompletionHook(hook func(*store.Task) error) {
	c.onCompleted = hook
}

// CreateTask stores a new pending task and returns it.
func (c *Controller) CreateTask(
	payload string,
	seed string,
	priority string,
	retrieveID string,
) (*store.Task, error) {
	task := &store.Task{
		ID:         uuid.NewString(),
		Task:       payload,
		Seed:       seed,
		Time:       time.Now().UTC(),
		RetrieveID: retrieveID,
		Status:     store.StatusPending,
		Priority:   priority,
	}
	if err := c.tasks.Put(task); err != nil {
		return nil, errors.Wrap(err, "create task")
	}
	return task, nil
}

// RequestTask returns the next task for wallet, never nil on success:
// the wallet's own in-flight task if it has one, else the best pending or
// stale-sent task by priority then age, else a freshly synthesized
// low-priority task.
func (c *Controller) RequestTask(wallet string) (*store.Task, error) {
	if held, err := c.tasks.FindAssigned(wallet); err == nil {
		return held, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(err, "request task")
	}

	candidate, err := c.selectCandidate()
	if err != nil {
		return nil, errors.Wrap(err, "request task")
	}

	if candidate == nil {
		payload, seed, err := c.source.NewTask()
		if err != nil {
			return nil, errors.Wrap(err, "request task")
		}
		candidate, err = c.CreateTask(payload, seed, store.PriorityLow, "")
		if err != nil {
			return nil, errors.Wrap(err, "request task")
		}
		c.logger.Debug("synthesized task", zap.String("task_id", candidate.ID))
	}

	assigned, err := c.tasks.Update(candidate.ID, func(task *store.Task) error {
		task.Status = store.StatusSent
		task.Wallet = wallet
		task.Time = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "request task")
	}
	return assigned, nil
}

// selectCandidate picks the highest-priority, oldest eligible task: any
// pending task, or any sent task whose staleness window has elapsed.
func (c *Controller) selectCandidate() (*store.Task, error) {
	tasks, err := c.tasks.List()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var best *store.Task
	for _, task := range tasks {
		eligible := task.Status == store.StatusPending ||
			(task.Status == store.StatusSent && now.Sub(task.Time) > c.staleAfter)
		if !eligible {
			continue
		}
		// List is creation-ordered, so the first hit at a given rank is the
		// oldest.
		if best == nil ||
			store.PriorityRank(task.Priority) < store.PriorityRank(best.Priority) {
			best = task
		}
	}
	return best, nil
}

// SubmitResult completes a task. Fails with store.ErrNotFound for unknown
// ids, ErrForbidden when wallet is not the assignee, and ErrInvalidState
// when the task is not in the sent state.
func (c *Controller) SubmitResult(id string, wallet string, output string) error {
	var sentAt time.Time
	completed, err := c.tasks.Update(id, func(task *store.Task) error {
		if task.Wallet != wallet {
			return ErrForbidden
		}
		if task.Status != store.StatusSent {
			return ErrInvalidState
		}
		sentAt = task.Time
		task.Status = store.StatusCompleted
		task.Output = output
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) ||
			errors.Is(err, ErrForbidden) ||
			errors.Is(err, ErrInvalidState) {
			return err
		}
		return errors.Wrap(err, "submit result")
	}

	if _, err := c.scorer.CreditMinerSpeed(wallet, time.Since(sentAt)); err != nil {
		c.logger.Warn(
			"speed credit failed",
			zap.String("wallet", wallet),
			zap.Error(err),
		)
	}

	if completed.Priority == store.PriorityHigh && c.onCompleted != nil {
		if err := c.onCompleted(completed); err != nil {
			c.logger.Warn(
				"completion hook failed",
				zap.String("task_id", completed.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
