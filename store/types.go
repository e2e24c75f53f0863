package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/upowai/poolnet/protocol"
)

// Task priorities, in selection order.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCompleted = "completed"
)

// Bundle conditions.
const (
	ConditionPending  = "pending"
	ConditionDispatch = "dispatch"
)

// PriorityRank maps a priority to its selection rank; lower wins. Unknown
// priorities sort last.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task is one unit of opaque work. Time is the creation timestamp until the
// task is assigned, after which it is the sent timestamp.
type Task struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Seed       string    `json:"seed"`
	Time       time.Time `json:"time"`
	RetrieveID string    `json:"retrieve_id"`
	Wallet     string    `json:"wallet"`
	Status     string    `json:"status"`
	Priority   string    `json:"type"`
	Output     string    `json:"output,omitempty"`
}

// Payload returns the wire form dispatched to a miner.
func (t Task) Payload() protocol.TaskPayload {
	return protocol.TaskPayload{
		ID:          t.ID,
		Task:        t.Task,
		Seed:        t.Seed,
		MessageType: "requestedTask",
	}
}

// Bundle is a fixed-size group of sub-tasks distributed to validators as one
// validation unit. At most one bundle exists at a time.
type Bundle struct {
	ValID      string               `json:"val_id"`
	Condition  string               `json:"condition"`
	CreatedAt  time.Time            `json:"createdAt"`
	Validators []string             `json:"validators"`
	Tasks      []protocol.BundleTask `json:"array"`
}

// BundleHistory records a bundle id past the life of the bundle itself, so
// late or replayed responses can still be classified.
type BundleHistory struct {
	ValID     string    `json:"val_id"`
	CreatedAt time.Time `json:"createdAt"`
}

// MinerStats is the per-miner scoring record. TP and NP accumulate
// validator-assigned positive and negative performance; Score accumulates
// speed credit and resets on distribution.
type MinerStats struct {
	Wallet     string          `json:"wallet_address"`
	TP         float64         `json:"tp"`
	NP         float64         `json:"np"`
	Score      int             `json:"score"`
	Balance    decimal.Decimal `json:"balance"`
	LastActive time.Time       `json:"last_active_time"`
}

// PoolScore is the inode's per-pool score record, bounded to [0, 100].
type PoolScore struct {
	Address    string    `json:"pool_address"`
	Score      int       `json:"score"`
	LastActive time.Time `json:"last_active_time"`
}

// ValidatorRecord is the inode's view of one staked validator. Percentage is
// relative to the most recent roster refresh's total stake snapshot.
type ValidatorRecord struct {
	Wallet     string    `json:"wallet_address"`
	Stake      float64   `json:"totalStake"`
	Votes      int64     `json:"vote"`
	Percentage float64   `json:"percentage"`
	Score      int       `json:"score"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	Ping       time.Time `json:"ping"`
	LastFetch  time.Time `json:"lastFetch"`
}

// PendingSettlement is a payout queued for submission to the settlement
// service. It lives until successfully submitted or resolved via splitting.
type PendingSettlement struct {
	ID         string          `json:"id"`
	Wallet     string          `json:"wallet_address"`
	Amount     decimal.Decimal `json:"new_balance"`
	RewardType string          `json:"type"`
	CreatedAt  time.Time       `json:"timestamp"`
}

// SubmittedSettlement is the audit record of a successful submission.
type SubmittedSettlement struct {
	ID          string    `json:"id"`
	Wallet      string    `json:"wallet_address"`
	Hash        string    `json:"hash"`
	Amount      string    `json:"amount"`
	RewardType  string    `json:"transaction_type"`
	SubmittedAt time.Time `json:"timestamp"`
}

// FailedSettlement is the audit record of a submission failure.
type FailedSettlement struct {
	ID       string    `json:"id"`
	Wallet   string    `json:"wallet_address"`
	Error    string    `json:"error"`
	Amount   string    `json:"amount"`
	FailedAt time.Time `json:"timestamp"`
}

// RewardUpdate is one participant's line in a block-range reward log.
type RewardUpdate struct {
	PreviousBalance float64 `json:"previous_balance,omitempty"`
	Score           float64 `json:"score,omitempty"`
	AddedAmount     float64 `json:"added_amount"`
	CurrentBalance  float64 `json:"current_balance,omitempty"`
}

// OwnerAccrual is the operator's accumulated fee share.
type OwnerAccrual struct {
	Wallet        string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	LastProcessed time.Time       `json:"last_processed"`
}

// ReceivedBundle is a bundle accepted by a validator, first pipeline stage.
type ReceivedBundle struct {
	ValID      string                `json:"val_id"`
	PoolWallet string                `json:"pool_wallet"`
	PoolIP     string                `json:"pool_ip"`
	PoolPort   int                   `json:"pool_port"`
	TaskInfo   []protocol.BundleTask `json:"task_info"`
	ReceivedAt time.Time             `json:"receivedAt"`
}

// ScoredBundle is a validator's outcome list awaiting return to the pool,
// second pipeline stage.
type ScoredBundle struct {
	ValID      string                `json:"val_id"`
	PoolWallet string                `json:"pool_wallet"`
	PoolIP     string                `json:"pool_ip"`
	PoolPort   int                   `json:"pool_port"`
	Tasks      []protocol.ScoreEntry `json:"tasks"`
}

// RelayTask is a completed validation awaiting relay to the inode, third
// pipeline stage.
type RelayTask struct {
	ValID      string `json:"val_id"`
	PoolWallet string `json:"pool_wallet"`
}
