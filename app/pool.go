package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/chain"
	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/quorum"
	"github.com/upowai/poolnet/reward"
	"github.com/upowai/poolnet/scoring"
	"github.com/upowai/poolnet/session"
	"github.com/upowai/poolnet/store"
	"github.com/upowai/poolnet/task"
	"github.com/upowai/poolnet/txpipe"
)

// Pool runs the miner-facing dispatcher role: task lifecycle, validation
// quorum, revenue scan and distribution, and settlement flush.
type Pool struct {
	cfg    *config.Config
	logger *zap.Logger

	stores      *Stores
	engine      *scoring.Engine
	controller  *task.Controller
	coordinator *quorum.Coordinator
	fanout      *quorum.FanOut
	roster      *quorum.Roster
	rosterSrc   quorum.RosterSource
	scanner     *reward.Scanner
	distributor *reward.Distributor
	pipeline    *txpipe.Pipeline
	split       reward.SplitConfig
	whitelist   map[string]bool
}

func NewPool(cfg *config.Config, logger *zap.Logger) (*Pool, error) {
	split, err := reward.ParseSplit(cfg.Pool.Award)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}

	stores, err := OpenStores(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}

	engine := scoring.NewEngine(
		stores.Miners, stores.Pools, stores.Validators, logger,
	)
	controller := task.NewController(
		stores.Tasks, engine, task.RandomSource{}, logger,
	)
	coordinator := quorum.NewCoordinator(
		stores.Bundles, controller, task.RandomSource{}, engine, logger,
	)
	coordinator.SetTTL(cfg.Intervals.BundleTTL())
	controller.SetCompletionHook(coordinator.OnSubtaskCompleted)

	fanout := quorum.NewFanOut(
		coordinator,
		&quorum.WebsocketSender{},
		cfg.Pool.WalletAddress,
		cfg.Pool.PublicIP,
		cfg.Pool.ValidationSocket.Port,
		logger,
	)

	scanner, err := reward.NewScanner(
		chain.NewBlockClient(cfg.Chain.APIURL, logger),
		stores.Ledger,
		cfg.Pool.WalletAddress,
		cfg.Chain.GenesisHeight,
		cfg.Chain.BlockBatch,
		logger,
	)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}

	whitelist := make(map[string]bool, len(cfg.Pool.Whitelist))
	for _, wallet := range cfg.Pool.Whitelist {
		whitelist[wallet] = true
	}

	return &Pool{
		cfg:         cfg,
		logger:      logger.Named("pool"),
		stores:      stores,
		engine:      engine,
		controller:  controller,
		coordinator: coordinator,
		fanout:      fanout,
		roster:      quorum.NewRoster(cfg.PeersFile, logger),
		rosterSrc:   chain.NewInodeClient(cfg.Pool.InodeURL, logger),
		scanner:     scanner,
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
			chain.NewSubmitter(cfg.Chain.NodeURL, cfg.Pool.PrivateKey, logger),
			logger,
		),
		split:     split,
		whitelist: whitelist,
	}, nil
}

// minerGate enforces the order address validity, then whitelist, then ban.
func (p *Pool) minerGate(wallet string) error {
	if !protocol.IsValidAddress(wallet) {
		return errors.New("Invalid wallet address")
	}
	if p.cfg.Pool.WhitelistActive && !p.whitelist[wallet] {
		return errors.New("Wallet not whitelisted")
	}
	eligible, err := p.engine.IsEligibleMiner(wallet)
	if err != nil {
		return errors.New("Internal error")
	}
	if !eligible {
		return errors.New("Wallet address is banned")
	}
	return nil
}

// HandleMiner serves the miner-facing socket. Task requests (and their
// heartbeats) hold the connection open while the miner awaits dispatch;
// every other exchange closes after the reply.
func (p *Pool) HandleMiner(
	_ context.Context,
	msg protocol.Message,
) ([]byte, bool, error) {
	switch m := msg.(type) {
	case protocol.TaskRequest:
		if err := p.minerGate(m.WalletAddress); err != nil {
			return nil, false, err
		}
		assigned, err := p.controller.RequestTask(m.WalletAddress)
		if err != nil {
			p.logger.Warn("request task failed", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}
		reply, err := json.Marshal(assigned.Payload())
		if err != nil {
			return nil, false, errors.New("Internal error")
		}
		return reply, true, nil

	case protocol.TaskResult:
		if err := p.minerGate(m.WalletAddress); err != nil {
			return nil, false, err
		}
		err := p.controller.SubmitResult(m.ID, m.WalletAddress, m.Output)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, false, errors.New("No task found with the given id")
		case errors.Is(err, task.ErrForbidden):
			return nil, false, errors.New("Task not assigned to this wallet")
		case errors.Is(err, task.ErrInvalidState):
			return nil, false, errors.New("Task already completed or not sent")
		case err != nil:
			p.logger.Warn("submit result failed", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}
		return []byte(protocol.Success("Task result accepted")), false, nil

	case protocol.Ping:
		if err := p.minerGate(m.WalletAddress); err != nil {
			return nil, false, err
		}
		return []byte(protocol.Success("pong")), true, nil
	}
	return nil, false, errors.New("Unknown message type")
}

// HandleValidation serves the validation socket where peer validators return
// scored outcome lists. One exchange per connection.
func (p *Pool) HandleValidation(
	_ context.Context,
	msg protocol.Message,
) ([]byte, bool, error) {
	scored, ok := msg.(protocol.ScoredResponse)
	if !ok {
		return nil, false, errors.New("Unknown message type")
	}
	if scored.ValidatorAddress != "" &&
		!protocol.IsValidAddress(scored.ValidatorAddress) {
		return nil, false, errors.New("Invalid wallet address")
	}

	err := p.coordinator.OnScoredResponse(scored)
	switch {
	case errors.Is(err, quorum.ErrInvalidBundle):
		return nil, false, errors.New("task is invalid or expired")
	case errors.Is(err, scoring.ErrMissingScore):
		return nil, false, errors.New("Missing tp or np")
	case err != nil:
		p.logger.Warn("scored response failed", zap.Error(err))
		return nil, false, errors.New("Internal error")
	}
	return []byte(protocol.Success("scores recorded")), false, nil
}

// Run serves both sockets and the periodic loops until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	defer p.stores.Close()

	minerSessions := session.NewManager(
		"miner",
		p.cfg.Pool.MaxMiners,
		protocol.DecodeMiner,
		p.HandleMiner,
		p.logger,
	)
	validationSessions := session.NewManager(
		"pool-validation",
		p.cfg.Pool.MaxValidators,
		protocol.DecodePoolValidation,
		p.HandleValidation,
		p.logger,
	)

	var wg sync.WaitGroup
	serve(ctx, &wg, "miner", p.logger, func(ctx context.Context) error {
		addr := fmt.Sprintf(
			"%s:%d", p.cfg.Pool.MainSocket.IP, p.cfg.Pool.MainSocket.Port,
		)
		return minerSessions.Listen(ctx, addr)
	})
	serve(ctx, &wg, "pool-validation", p.logger, func(ctx context.Context) error {
		addr := fmt.Sprintf(
			"%s:%d",
			p.cfg.Pool.ValidationSocket.IP,
			p.cfg.Pool.ValidationSocket.Port,
		)
		return validationSessions.Listen(ctx, addr)
	})

	intervals := p.cfg.Intervals
	runEvery(ctx, &wg, intervals.CheckInterval(), "block-rewards", p.logger,
		p.scanRewards)
	runEvery(ctx, &wg, intervals.GenValidationTask(), "bundle-gen", p.logger,
		func(context.Context) error {
			_, err := p.coordinator.GenerateBundle()
			if errors.Is(err, store.ErrSlotOccupied) {
				return nil
			}
			return err
		})
	runEvery(ctx, &wg, intervals.FanOut(), "fan-out", p.logger, p.fanOutRound)
	runEvery(ctx, &wg, intervals.FetchValidators(), "roster-refresh", p.logger,
		func(ctx context.Context) error {
			return p.roster.Refresh(ctx, p.rosterSrc)
		})
	runEvery(ctx, &wg, intervals.PushTx(), "settlement-flush", p.logger,
		p.pipeline.Flush)

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (p *Pool) scanRewards(ctx context.Context) error {
	total, blockRange, err := p.scanner.ScanOnce(ctx)
	if err != nil {
		return err
	}
	if !total.IsPositive() {
		return nil
	}
	return p.distributor.DistributePool(
		p.split, total, blockRange, p.cfg.Pool.RewardAddress,
	)
}

func (p *Pool) fanOutRound(ctx context.Context) error {
	bundle, err := p.coordinator.SelectReadyBundle()
	if errors.Is(err, quorum.ErrNotReady) || errors.Is(err, quorum.ErrExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	peers, err := p.roster.Load()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}

	_, err = p.fanout.Round(ctx, bundle, peers)
	return err
}
