package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/store"
)

type recordingScorer struct {
	wallets   []string
	latencies []time.Duration
}

func (s *recordingScorer) CreditMinerSpeed(
	wallet string,
	latency time.Duration,
) (int, error) {
	s.wallets = append(s.wallets, wallet)
	s.latencies = append(s.latencies, latency)
	return 10, nil
}

type fixedSource struct {
	payload string
	seed    string
}

func (s fixedSource) NewTask() (string, string, error) {
	return s.payload, s.seed, nil
}

func testController(t *testing.T) (*Controller, *store.TaskStore, *recordingScorer) {
	db, err := store.NewPebbleDB(&config.DBConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	tasks := store.NewTaskStore(db, zap.NewNop())
	scorer := &recordingScorer{}
	controller := NewController(
		tasks,
		scorer,
		fixedSource{payload: "deadbeef", seed: "42"},
		zap.NewNop(),
	)
	return controller, tasks, scorer
}

func TestRequestTaskSynthesizesWhenEmpty(t *testing.T) {
	controller, _, _ := testController(t)

	task, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", task.Task)
	assert.Equal(t, "42", task.Seed)
	assert.Equal(t, store.PriorityLow, task.Priority)
	assert.Equal(t, store.StatusSent, task.Status)
	assert.Equal(t, "miner-1", task.Wallet)
}

func TestRequestTaskIdempotentRedelivery(t *testing.T) {
	controller, _, _ := testController(t)

	first, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	second, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRequestTaskPriorityOverAge(t *testing.T) {
	controller, _, _ := testController(t)

	older, err := controller.CreateTask("low-payload", "1", store.PriorityLow, "")
	require.NoError(t, err)
	high, err := controller.CreateTask("high-payload", "2", store.PriorityHigh, "corr-1")
	require.NoError(t, err)

	task, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, task.ID)

	task, err = controller.RequestTask("miner-2")
	require.NoError(t, err)
	assert.Equal(t, older.ID, task.ID)
}

func TestRequestTaskStaleReassignment(t *testing.T) {
	controller, tasks, _ := testController(t)
	controller.SetStaleness(2 * time.Minute)

	created, err := controller.CreateTask("payload", "1", store.PriorityMedium, "")
	require.NoError(t, err)

	assigned, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, assigned.ID)

	// 119 seconds old: not yet reassignable, miner-2 gets a synthesized task.
	_, err = tasks.Update(created.ID, func(task *store.Task) error {
		task.Time = time.Now().UTC().Add(-119 * time.Second)
		return nil
	})
	require.NoError(t, err)

	task, err := controller.RequestTask("miner-2")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, task.ID)

	// 121 seconds old: reassignable, id and payload preserved.
	_, err = tasks.Update(created.ID, func(task *store.Task) error {
		task.Time = time.Now().UTC().Add(-121 * time.Second)
		return nil
	})
	require.NoError(t, err)

	task, err = controller.RequestTask("miner-3")
	require.NoError(t, err)
	assert.Equal(t, created.ID, task.ID)
	assert.Equal(t, "payload", task.Task)
	assert.Equal(t, "miner-3", task.Wallet)
}

func TestSubmitResultErrors(t *testing.T) {
	controller, _, _ := testController(t)

	err := controller.SubmitResult("missing", "miner-1", "out")
	assert.ErrorIs(t, err, store.ErrNotFound)

	task, err := controller.RequestTask("miner-1")
	require.NoError(t, err)

	err = controller.SubmitResult(task.ID, "miner-2", "out")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, controller.SubmitResult(task.ID, "miner-1", "out"))

	err = controller.SubmitResult(task.ID, "miner-1", "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSubmitResultCreditsSpeedAndStoresOutput(t *testing.T) {
	controller, tasks, scorer := testController(t)

	task, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	require.NoError(t, controller.SubmitResult(task.ID, "miner-1", "result-output"))

	stored, err := tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.Equal(t, "result-output", stored.Output)

	require.Len(t, scorer.wallets, 1)
	assert.Equal(t, "miner-1", scorer.wallets[0])
}

func TestSubmitResultCompletionHook(t *testing.T) {
	controller, _, _ := testController(t)

	var hooked []string
	controller.SetCompletionHook(func(task *store.Task) error {
		hooked = append(hooked, task.ID)
		return nil
	})

	high, err := controller.CreateTask("bundle-payload", "1", store.PriorityHigh, "val-1")
	require.NoError(t, err)
	low, err := controller.CreateTask("plain-payload", "2", store.PriorityLow, "")
	require.NoError(t, err)

	assigned, err := controller.RequestTask("miner-1")
	require.NoError(t, err)
	require.Equal(t, high.ID, assigned.ID)
	require.NoError(t, controller.SubmitResult(high.ID, "miner-1", "out"))

	assigned, err = controller.RequestTask("miner-2")
	require.NoError(t, err)
	require.Equal(t, low.ID, assigned.ID)
	require.NoError(t, controller.SubmitResult(low.ID, "miner-2", "out"))

	// Only the high-priority completion fires the hook.
	assert.Equal(t, []string{high.ID}, hooked)
}

func TestRandomSource(t *testing.T) {
	payload, seed, err := RandomSource{PayloadBytes: 8}.NewTask()
	require.NoError(t, err)
	assert.Len(t, payload, 16)
	assert.NotEmpty(t, seed)
}
