package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/quorum"
	"github.com/upowai/poolnet/store"
)

var ErrDuplicate = errors.New("aggregator: bundle already processed")

// recentBundles sizes the in-memory duplicate cache sitting in front of the
// persistent history set.
const recentBundles = 1024

// Policy computes the per-participant outcome list for a received bundle:
// one entry per distinct wallet appearing in the bundle's sub-tasks, each
// carrying a tp or np delta.
type Policy interface {
	Score(bundle *store.ReceivedBundle) ([]protocol.ScoreEntry, error)
}

// SequentialPolicy assigns each distinct wallet an np delta equal to its
// order of appearance. It stands in until a real scoring policy is wired.
type SequentialPolicy struct{}

func (SequentialPolicy) Score(
	bundle *store.ReceivedBundle,
) ([]protocol.ScoreEntry, error) {
	seen := make(map[string]bool, len(bundle.TaskInfo))
	var entries []protocol.ScoreEntry
	for _, sub := range bundle.TaskInfo {
		if sub.Wallet == "" || seen[sub.Wallet] {
			continue
		}
		seen[sub.Wallet] = true
		delta := float64(len(entries) + 1)
		entries = append(entries, protocol.ScoreEntry{
			WalletAddress: sub.Wallet,
			NP:            &delta,
		})
	}
	return entries, nil
}

// Aggregator runs the validator's bundle pipeline: accept and deduplicate
// inbound bundles, score them, return the outcome to the pool, and relay
// the completed validation to the inode.
type Aggregator struct {
	pipeline *store.PipelineStore
	policy   Policy
	sender   quorum.Sender
	recent   *lru.Cache[string, struct{}]

	wallet   string
	publicIP string
	port     int
	inodeURL string

	logger *zap.Logger
}

func New(
	pipeline *store.PipelineStore,
	policy Policy,
	sender quorum.Sender,
	wallet string,
	publicIP string,
	port int,
	inodeURL string,
	logger *zap.Logger,
) (*Aggregator, error) {
	recent, err := lru.New[string, struct{}](recentBundles)
	if err != nil {
		return nil, errors.Wrap(err, "new aggregator")
	}
	return &Aggregator{
		pipeline: pipeline,
		policy:   policy,
		sender:   sender,
		recent:   recent,
		wallet:   wallet,
		publicIP: publicIP,
		port:     port,
		inodeURL: inodeURL,
		logger:   logger.Named("aggregator"),
	}, nil
}

// OnBundleReceived accepts a fanned-out bundle into the pipeline. Replays
// are rejected with ErrDuplicate, checked first against an in-memory cache
// and then against the persistent history set so a replay after completion
// is still refused.
func (a *Aggregator) OnBundleReceived(msg protocol.ValidateTask) error {
	if a.recent.Contains(msg.ValID) {
		return ErrDuplicate
	}

	seen, err := a.pipeline.Seen(msg.ValID)
	if err != nil {
		return errors.Wrap(err, "on bundle received")
	}
	if seen {
		a.recent.Add(msg.ValID, struct{}{})
		return ErrDuplicate
	}

	// Persist before marking seen: a failed persist must stay retryable,
	// not read as a processed bundle forever after.
	if err := a.pipeline.PutReceived(&store.ReceivedBundle{
		ValID:      msg.ValID,
		PoolWallet: msg.PoolWallet,
		PoolIP:     msg.PoolIP,
		PoolPort:   msg.PoolPort,
		TaskInfo:   msg.TaskInfo,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "on bundle received")
	}

	if _, err := a.pipeline.MarkSeen(msg.ValID); err != nil {
		return errors.Wrap(err, "on bundle received")
	}
	a.recent.Add(msg.ValID, struct{}{})

	a.logger.Info(
		"bundle accepted",
		zap.String("val_id", msg.ValID),
		zap.String("pool_wallet", msg.PoolWallet),
	)
	return nil
}

// Step scores every received bundle and moves it to the scored stage.
func (a *Aggregator) Step() error {
	received, err := a.pipeline.ListReceived()
	if err != nil {
		return errors.Wrap(err, "aggregator step")
	}

	for _, bundle := range received {
		entries, err := a.policy.Score(bundle)
		if err != nil {
			a.logger.Warn(
				"scoring policy failed",
				zap.String("val_id", bundle.ValID),
				zap.Error(err),
			)
			continue
		}
		if err := a.pipeline.PutScored(&store.ScoredBundle{
			ValID:      bundle.ValID,
			PoolWallet: bundle.PoolWallet,
			PoolIP:     bundle.PoolIP,
			PoolPort:   bundle.PoolPort,
			Tasks:      entries,
		}); err != nil {
			return errors.Wrap(err, "aggregator step")
		}
		if err := a.pipeline.DeleteReceived(bundle.ValID); err != nil {
			return errors.Wrap(err, "aggregator step")
		}
	}
	return nil
}

// ReturnToPool sends each scored outcome list back to its pool's validation
// socket. Delivered bundles advance to the relay stage; undeliverable ones
// stay for the next cycle.
func (a *Aggregator) ReturnToPool(ctx context.Context) error {
	scored, err := a.pipeline.ListScored()
	if err != nil {
		return errors.Wrap(err, "return to pool")
	}

	for _, bundle := range scored {
		payload, err := json.Marshal(protocol.ScoredResponse{
			Type:             protocol.TypeResponse,
			ValID:            bundle.ValID,
			ValidatorAddress: a.wallet,
			Tasks:            bundle.Tasks,
		})
		if err != nil {
			return errors.Wrap(err, "return to pool")
		}

		url := fmt.Sprintf("ws://%s:%d", bundle.PoolIP, bundle.PoolPort)
		reply, err := a.sender.Send(ctx, url, payload)
		if err != nil {
			a.logger.Warn(
				"pool unreachable",
				zap.String("val_id", bundle.ValID),
				zap.String("url", url),
				zap.Error(err),
			)
			continue
		}
		if !strings.HasPrefix(string(reply), "SUCCESS") {
			a.logger.Warn(
				"pool rejected scores",
				zap.String("val_id", bundle.ValID),
				zap.ByteString("reply", reply),
			)
			continue
		}

		if err := a.pipeline.PutRelay(&store.RelayTask{
			ValID:      bundle.ValID,
			PoolWallet: bundle.PoolWallet,
		}); err != nil {
			return errors.Wrap(err, "return to pool")
		}
		if err := a.pipeline.DeleteScored(bundle.ValID); err != nil {
			return errors.Wrap(err, "return to pool")
		}
	}
	return nil
}

// RelayToInode reports each completed validation to the inode so pool and
// validator scores settle.
func (a *Aggregator) RelayToInode(ctx context.Context) error {
	relay, err := a.pipeline.ListRelay()
	if err != nil {
		return errors.Wrap(err, "relay to inode")
	}

	for _, task := range relay {
		payload, err := json.Marshal(protocol.InodeTask{
			Type:            protocol.TypeTask,
			PoolWallet:      task.PoolWallet,
			ValidatorWallet: a.wallet,
			ValID:           task.ValID,
		})
		if err != nil {
			return errors.Wrap(err, "relay to inode")
		}

		reply, err := a.sender.Send(ctx, a.inodeURL, payload)
		if err != nil {
			a.logger.Warn(
				"inode unreachable",
				zap.String("val_id", task.ValID),
				zap.Error(err),
			)
			continue
		}
		if !strings.HasPrefix(string(reply), "SUCCESS") {
			a.logger.Warn(
				"inode rejected task",
				zap.String("val_id", task.ValID),
				zap.ByteString("reply", reply),
			)
			continue
		}

		if err := a.pipeline.DeleteRelay(task.ValID); err != nil {
			return errors.Wrap(err, "relay to inode")
		}
	}
	return nil
}

// Ping heartbeats the inode with this validator's reachable endpoint.
func (a *Aggregator) Ping(ctx context.Context) error {
	payload, err := json.Marshal(protocol.Ping{
		Type:            protocol.TypePing,
		ValidatorWallet: a.wallet,
		IP:              a.publicIP,
		Port:            a.port,
	})
	if err != nil {
		return errors.Wrap(err, "ping inode")
	}
	if _, err := a.sender.Send(ctx, a.inodeURL, payload); err != nil {
		return errors.Wrap(err, "ping inode")
	}
	return nil
}
