package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Message type discriminators. Each socket accepts a closed set of types;
// anything else is ErrUnknownType.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypePing         = "PING"
	TypeValidateTask = "validateTask"
	TypeTaskReceived = "taskReceived"
	TypeTask         = "TASK"
)

var (
	ErrInvalidFormat = errors.New("invalid message format")
	ErrUnknownType   = errors.New("unknown message type")
)

// Message is the decoded form of one inbound frame.
type Message interface {
	MessageType() string
}

// TaskRequest asks the pool for the next task to execute. The connection is
// held open while the miner awaits dispatch.
type TaskRequest struct {
	Type          string `json:"type"`
	WalletAddress string `json:"wallet_address"`
}

func (m TaskRequest) MessageType() string { return m.Type }

// TaskResult submits a miner's output for an assigned task.
type TaskResult struct {
	Type          string `json:"type"`
	WalletAddress string `json:"wallet_address"`
	ID            string `json:"id"`
	Output        string `json:"output"`
}

func (m TaskResult) MessageType() string { return m.Type }

// Ping is the heartbeat on the miner and inode sockets. On the inode socket
// it carries the validator's reachable endpoint.
type Ping struct {
	Type            string `json:"type"`
	WalletAddress   string `json:"wallet_address,omitempty"`
	ValidatorWallet string `json:"validator_wallet,omitempty"`
	IP              string `json:"ip,omitempty"`
	Port            int    `json:"port,omitempty"`
}

func (m Ping) MessageType() string { return m.Type }

// BundleTask is one sub-task of a validation bundle as carried on the wire.
type BundleTask struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Seed        string    `json:"seed"`
	Time        time.Time `json:"time"`
	RetrieveID  string    `json:"retrieve_id"`
	Wallet      string    `json:"wallet"`
	Status      string    `json:"status"`
	Priority    string    `json:"type"`
	MessageType string    `json:"message_type"`
}

// ValidateTask fans a ready bundle out from the pool to a peer validator.
type ValidateTask struct {
	Type       string       `json:"type"`
	ValID      string       `json:"val_id"`
	PoolWallet string       `json:"pool_wallet"`
	TaskInfo   []BundleTask `json:"task_info"`
	PoolIP     string       `json:"pool_ip"`
	PoolPort   int          `json:"pool_port"`
}

func (m ValidateTask) MessageType() string { return m.Type }

// TaskReceived acknowledges receipt of a fanned-out bundle.
type TaskReceived struct {
	Type            string `json:"type"`
	ValID           string `json:"val_id"`
	ValidatorWallet string `json:"validator_wallet"`
}

func (m TaskReceived) MessageType() string { return m.Type }

// ScoreEntry carries a positive tp or np delta for one participant. Exactly
// one of TP and NP is expected to be set.
type ScoreEntry struct {
	WalletAddress string   `json:"wallet_address"`
	TP            *float64 `json:"tp,omitempty"`
	NP            *float64 `json:"np,omitempty"`
}

// ScoredResponse returns a validator's per-participant outcome list to the
// pool's validation socket.
type ScoredResponse struct {
	Type             string       `json:"type"`
	ValID            string       `json:"val_id"`
	ValidatorAddress string       `json:"validator_address,omitempty"`
	Tasks            []ScoreEntry `json:"tasks"`
}

func (m ScoredResponse) MessageType() string { return m.Type }

// InodeTask reports a completed validation to the inode for settlement of
// pool and validator scores.
type InodeTask struct {
	Type            string `json:"type"`
	PoolWallet      string `json:"pool_wallet"`
	ValidatorWallet string `json:"validator_wallet"`
	ValID           string `json:"val_id"`
}

func (m InodeTask) MessageType() string { return m.Type }

// TaskPayload is the JSON task document dispatched to a miner.
type TaskPayload struct {
	ID          string `json:"id"`
	Task        string `json:"task"`
	Seed        string `json:"seed"`
	MessageType string `json:"message_type"`
}

func decode(raw []byte, allowed map[string]func() Message) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrInvalidFormat
	}

	factory, ok := allowed[probe.Type]
	if !ok {
		return nil, ErrUnknownType
	}

	msg := factory()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, ErrInvalidFormat
	}

	return deref(msg), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *TaskRequest:
		return *m
	case *TaskResult:
		return *m
	case *Ping:
		return *m
	case *ValidateTask:
		return *m
	case *TaskReceived:
		return *m
	case *ScoredResponse:
		return *m
	case *InodeTask:
		return *m
	default:
		return msg
	}
}

// DecodeMiner decodes a frame arriving on the pool's miner-facing socket.
func DecodeMiner(raw []byte) (Message, error) {
	return decode(raw, map[string]func() Message{
		TypeRequest:  func() Message { return &TaskRequest{} },
		TypeResponse: func() Message { return &TaskResult{} },
		TypePing:     func() Message { return &Ping{} },
	})
}

// DecodePoolValidation decodes a frame arriving on the pool's validation
// socket (scored responses from peer validators).
func DecodePoolValidation(raw []byte) (Message, error) {
	return decode(raw, map[string]func() Message{
		TypeResponse: func() Message { return &ScoredResponse{} },
	})
}

// DecodeValidator decodes a frame arriving on a validator's socket.
func DecodeValidator(raw []byte) (Message, error) {
	return decode(raw, map[string]func() Message{
		TypeValidateTask: func() Message { return &ValidateTask{} },
		TypePing:         func() Message { return &Ping{} },
	})
}

// DecodeInode decodes a frame arriving on the inode's socket.
func DecodeInode(raw []byte) (Message, error) {
	return decode(raw, map[string]func() Message{
		TypeTask: func() Message { return &InodeTask{} },
		TypePing: func() Message { return &Ping{} },
	})
}

// Success formats a bare success status reply.
func Success(format string, args ...any) string {
	return "SUCCESS: " + fmt.Sprintf(format, args...)
}

// Error formats a bare error status reply.
func Error(format string, args ...any) string {
	return "ERROR: " + fmt.Sprintf(format, args...)
}
