package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/aggregator"
	"github.com/upowai/poolnet/chain"
	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/quorum"
	"github.com/upowai/poolnet/reward"
	"github.com/upowai/poolnet/session"
	"github.com/upowai/poolnet/txpipe"
)

// Validator runs the scoring role: accept fanned-out bundles, score them,
// return outcomes to pools, relay completions to the inode, and settle its
// own revenue.
type Validator struct {
	cfg    *config.Config
	logger *zap.Logger

	stores      *Stores
	aggregator  *aggregator.Aggregator
	scanner     *reward.Scanner
	distributor *reward.Distributor
	pipeline    *txpipe.Pipeline
	split       reward.SplitConfig
}

func NewValidator(cfg *config.Config, logger *zap.Logger) (*Validator, error) {
	split, err := reward.ParseSplit(cfg.Validator.Award)
	if err != nil {
		return nil, errors.Wrap(err, "new validator")
	}

	stores, err := OpenStores(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new validator")
	}

	inodeURL := fmt.Sprintf(
		"ws://%s:%d", cfg.Validator.InodeIP, cfg.Validator.InodePort,
	)
	agg, err := aggregator.New(
		stores.Pipeline,
		aggregator.SequentialPolicy{},
		&quorum.WebsocketSender{},
		cfg.Validator.WalletAddress,
		cfg.Validator.PublicIP,
		cfg.Validator.Socket.Port,
		inodeURL,
		logger,
	)
	if err != nil {
		return nil, errors.Wrap(err, "new validator")
	}

	scanner, err := reward.NewScanner(
		chain.NewBlockClient(cfg.Chain.APIURL, logger),
		stores.Ledger,
		cfg.Validator.WalletAddress,
		cfg.Chain.GenesisHeight,
		cfg.Chain.BlockBatch,
		logger,
	)
	if err != nil {
		return nil, errors.Wrap(err, "new validator")
	}

	return &Validator{
		cfg:        cfg,
		logger:     logger.Named("validator"),
		stores:     stores,
		aggregator: agg,
		scanner:    scanner,
		distributor: reward.NewDistributor(
			stores.Miners,
			stores.Pools,
			stores.Validators,
			stores.Settlements,
			stores.Ledger,
			stores.Owner,
			logger,
		),
		pipeline: txpipe.NewPipeline(
			stores.Settlements,
			chain.NewSubmitter(cfg.Chain.NodeURL, cfg.Validator.PrivateKey, logger),
			logger,
		),
		split: split,
	}, nil
}

// HandleSocket serves the validator's socket: fanned-out bundles and pings.
// One exchange per connection.
func (v *Validator) HandleSocket(
	_ context.Context,
	msg protocol.Message,
) ([]byte, bool, error) {
	switch m := msg.(type) {
	case protocol.ValidateTask:
		if !protocol.IsValidAddress(m.PoolWallet) {
			return nil, false, errors.New("Invalid wallet address")
		}
		if err := v.aggregator.OnBundleReceived(m); err != nil {
			if errors.Is(err, aggregator.ErrDuplicate) {
				return nil, false, errors.New("Duplicate task")
			}
			v.logger.Warn("bundle rejected", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}
		reply, err := json.Marshal(protocol.TaskReceived{
			Type:            protocol.TypeTaskReceived,
			ValID:           m.ValID,
			ValidatorWallet: v.cfg.Validator.WalletAddress,
		})
		if err != nil {
			return nil, false, errors.New("Internal error")
		}
		return reply, false, nil

	case protocol.Ping:
		return []byte(protocol.Success("pong")), false, nil
	}
	return nil, false, errors.New("Unknown message type")
}

// Run serves the socket and the pipeline loops until ctx ends.
func (v *Validator) Run(ctx context.Context) error {
	defer v.stores.Close()

	sessions := session.NewManager(
		"validator",
		v.cfg.Validator.MaxPools,
		protocol.DecodeValidator,
		v.HandleSocket,
		v.logger,
	)

	var wg sync.WaitGroup
	serve(ctx, &wg, "validator", v.logger, func(ctx context.Context) error {
		addr := fmt.Sprintf(
			"%s:%d", v.cfg.Validator.Socket.IP, v.cfg.Validator.Socket.Port,
		)
		return sessions.Listen(ctx, addr)
	})

	intervals := v.cfg.Intervals
	runEvery(ctx, &wg, intervals.CheckInterval(), "pipeline-step", v.logger,
		func(context.Context) error { return v.aggregator.Step() })
	runEvery(ctx, &wg, intervals.CheckInterval(), "return-to-pool", v.logger,
		v.aggregator.ReturnToPool)
	runEvery(ctx, &wg, intervals.CheckInterval(), "relay-to-inode", v.logger,
		v.aggregator.RelayToInode)
	runEvery(ctx, &wg, intervals.PingTime(), "inode-ping", v.logger,
		v.aggregator.Ping)
	runEvery(ctx, &wg, intervals.CheckInterval(), "block-rewards", v.logger,
		v.scanRewards)
	runEvery(ctx, &wg, intervals.PushTx(), "settlement-flush", v.logger,
		v.pipeline.Flush)

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (v *Validator) scanRewards(ctx context.Context) error {
	total, blockRange, err := v.scanner.ScanOnce(ctx)
	if err != nil {
		return err
	}
	if !total.IsPositive() {
		return nil
	}
	return v.distributor.DistributeValidator(
		v.split,
		total,
		blockRange,
		v.cfg.Validator.WalletAddress,
		v.cfg.Validator.RewardAddress,
	)
}
