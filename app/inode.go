package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/chain"
	"github.com/upowai/poolnet/config"
	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/reward"
	"github.com/upowai/poolnet/scoring"
	"github.com/upowai/poolnet/session"
	"github.com/upowai/poolnet/txpipe"
)

// Inode runs the stake-registry role: validator roster from the staking
// registry, pool/validator score settlement, periodic decay, and cross-pool
// reward emission. It also serves the validator list pools read for their
// peer rosters.
type Inode struct {
	cfg    *config.Config
	logger *zap.Logger

	stores      *Stores
	engine      *scoring.Engine
	stake       *chain.StakeClient
	scanner     *reward.Scanner
	distributor *reward.Distributor
	pipeline    *txpipe.Pipeline
	split       reward.SplitConfig
}

func NewInode(cfg *config.Config, logger *zap.Logger) (*Inode, error) {
	split, err := reward.ParseSplit(cfg.Inode.Award)
	if err != nil {
		return nil, errors.Wrap(err, "new inode")
	}

	stores, err := OpenStores(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new inode")
	}

	// Pools must be registered before validators can credit them.
	for _, pool := range cfg.Inode.Pools {
		if err := stores.Pools.Register(pool); err != nil {
			stores.Close()
			return nil, errors.Wrap(err, "new inode")
		}
	}

	scanner, err := reward.NewScanner(
		chain.NewBlockClient(cfg.Chain.APIURL, logger),
		stores.Ledger,
		cfg.Inode.WalletAddress,
		cfg.Chain.GenesisHeight,
		cfg.Chain.BlockBatch,
		logger,
	)
	if err != nil {
		stores.Close()
		return nil, errors.Wrap(err, "new inode")
	}

	return &Inode{
		cfg:    cfg,
		logger: logger.Named("inode"),
		stores: stores,
		engine: scoring.NewEngine(
			stores.Miners, stores.Pools, stores.Validators, logger,
		),
		stake:   chain.NewStakeClient(cfg.Inode.StakingURL, logger),
		scanner: scanner,
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
			chain.NewSubmitter(cfg.Chain.NodeURL, cfg.Inode.PrivateKey, logger),
			logger,
		),
		split: split,
	}, nil
}

// HandleSocket serves the inode socket: completed-validation reports and
// validator heartbeats. One exchange per connection.
func (i *Inode) HandleSocket(
	_ context.Context,
	msg protocol.Message,
) ([]byte, bool, error) {
	switch m := msg.(type) {
	case protocol.InodeTask:
		if !protocol.IsValidAddress(m.PoolWallet) ||
			!protocol.IsValidAddress(m.ValidatorWallet) {
			return nil, false, errors.New("Invalid wallet address")
		}

		_, err := i.engine.CreditPoolScore(m.PoolWallet, m.ValidatorWallet)
		switch {
		case errors.Is(err, scoring.ErrUnknownPool):
			return nil, false, errors.New("Unknown pool")
		case errors.Is(err, scoring.ErrIneligibleValidator):
			return nil, false, errors.New("Validator not eligible")
		case err != nil:
			i.logger.Warn("credit pool score failed", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}

		if err := i.engine.SetValidatorEligible(m.ValidatorWallet); err != nil {
			i.logger.Warn("set validator eligible failed", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}
		return []byte(protocol.Success("%s", m.ValID)), false, nil

	case protocol.Ping:
		if !protocol.IsValidAddress(m.ValidatorWallet) {
			return nil, false, errors.New("Invalid wallet address")
		}
		if err := i.engine.UpdateValidatorEndpoint(
			m.ValidatorWallet, m.IP, m.Port,
		); err != nil {
			i.logger.Warn("heartbeat failed", zap.Error(err))
			return nil, false, errors.New("Internal error")
		}
		return []byte(protocol.Success("pong")), false, nil
	}
	return nil, false, errors.New("Unknown message type")
}

// validatorListHandler serves the roster pools poll for fan-out peers.
func (i *Inode) validatorListHandler(w http.ResponseWriter, _ *http.Request) {
	validators, err := i.stores.Validators.List()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type entry struct {
		Wallet     string    `json:"wallet_address"`
		IP         string    `json:"ip"`
		Port       int       `json:"port"`
		Percentage float64   `json:"percentage"`
		Ping       time.Time `json:"ping"`
	}
	entries := make([]entry, 0, len(validators))
	for _, validator := range validators {
		entries = append(entries, entry{
			Wallet:     validator.Wallet,
			IP:         validator.IP,
			Port:       validator.Port,
			Percentage: validator.Percentage,
			Ping:       validator.Ping,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (i *Inode) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/validators", i.validatorListHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d", i.cfg.Inode.HTTPSocket.IP, i.cfg.Inode.HTTPSocket.Port,
		),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, "serve http")
	}
}

// Run serves the socket, the HTTP surface, and the periodic loops until ctx
// ends.
func (i *Inode) Run(ctx context.Context) error {
	defer i.stores.Close()

	sessions := session.NewManager(
		"inode",
		i.cfg.Inode.MaxValidators,
		protocol.DecodeInode,
		i.HandleSocket,
		i.logger,
	)

	var wg sync.WaitGroup
	serve(ctx, &wg, "inode", i.logger, func(ctx context.Context) error {
		addr := fmt.Sprintf(
			"%s:%d", i.cfg.Inode.Socket.IP, i.cfg.Inode.Socket.Port,
		)
		return sessions.Listen(ctx, addr)
	})
	serve(ctx, &wg, "inode-http", i.logger, i.serveHTTP)

	intervals := i.cfg.Intervals
	runEvery(ctx, &wg, intervals.FetchValidators(), "stake-refresh", i.logger,
		i.refreshStake)
	runEvery(ctx, &wg, intervals.Decay(), "score-decay", i.logger,
		func(context.Context) error {
			if err := i.engine.DecayPools(); err != nil {
				return err
			}
			return i.engine.DecayValidators()
		})
	runEvery(ctx, &wg, intervals.CheckInterval(), "block-rewards", i.logger,
		i.scanRewards)
	runEvery(ctx, &wg, intervals.PushTx(), "settlement-flush", i.logger,
		i.pipeline.Flush)

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (i *Inode) refreshStake(ctx context.Context) error {
	entries, err := i.stake.FetchStake(ctx)
	if err != nil {
		return err
	}
	return i.engine.RefreshRoster(entries)
}

func (i *Inode) scanRewards(ctx context.Context) error {
	total, blockRange, err := i.scanner.ScanOnce(ctx)
	if err != nil {
		return err
	}
	if !total.IsPositive() {
		return nil
	}
	return i.distributor.DistributeInode(
		i.split, total, blockRange, i.cfg.Inode.RewardAddress,
	)
}
