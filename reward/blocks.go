package reward

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/chain"
	"github.com/upowai/poolnet/store"
)

// regularTransfer is the only transaction type counted as revenue.
const regularTransfer = "REGULAR"

// recentHashes sizes the in-memory dedup cache in front of the ledger's
// persistent tx-hash set.
const recentHashes = 4096

// BlockSource provides block ranges to scan.
type BlockSource interface {
	FetchBlocks(ctx context.Context, start int64, limit int) ([]chain.Block, error)
}

// Scanner accumulates revenue arriving at the node's receiving address by
// walking the chain in batches. Re-scanning a range never double-credits:
// transaction hashes gate crediting, while the ledger height always moves
// forward.
type Scanner struct {
	blocks  BlockSource
	ledger  *store.LedgerStore
	recent  *lru.Cache[string, struct{}]
	address string
	genesis int64
	batch   int
	logger  *zap.Logger
}

func NewScanner(
	blocks BlockSource,
	ledger *store.LedgerStore,
	address string,
	genesis int64,
	batch int,
	logger *zap.Logger,
) (*Scanner, error) {
	recent, err := lru.New[string, struct{}](recentHashes)
	if err != nil {
		return nil, errors.Wrap(err, "new scanner")
	}
	return &Scanner{
		blocks:  blocks,
		ledger:  ledger,
		recent:  recent,
		address: address,
		genesis: genesis,
		batch:   batch,
		logger:  logger.Named("scanner"),
	}, nil
}

// ScanOnce processes the next batch of blocks and returns the newly credited
// revenue and the scanned range label, first returned block id through last.
// A zero total with an empty label means no blocks were available.
func (s *Scanner) ScanOnce(ctx context.Context) (decimal.Decimal, string, error) {
	start := s.genesis
	if height, err := s.ledger.LastHeight(); err == nil {
		start = height + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, "", errors.Wrap(err, "scan blocks")
	}

	blocks, err := s.blocks.FetchBlocks(ctx, start, s.batch)
	if err != nil {
		return decimal.Zero, "", errors.Wrap(err, "scan blocks")
	}
	if len(blocks) == 0 {
		return decimal.Zero, "", nil
	}

	total := decimal.Zero
	for _, block := range blocks {
		for _, tx := range block.Transactions {
			amount, err := s.revenue(tx)
			if err != nil {
				s.logger.Warn(
					"skipping unparsable transaction",
					zap.String("hash", tx.Hash),
					zap.Error(err),
				)
				continue
			}
			if amount.IsZero() {
				continue
			}

			credited, err := s.credit(tx.Hash)
			if err != nil {
				return decimal.Zero, "", errors.Wrap(err, "scan blocks")
			}
			if credited {
				total = total.Add(amount)
			}
		}
	}

	last := blocks[len(blocks)-1].ID
	if err := s.ledger.SetLastHeight(last); err != nil {
		return decimal.Zero, "", errors.Wrap(err, "scan blocks")
	}
	blocksScannedTotal.Add(float64(len(blocks)))
	revenueCollectedTotal.Add(total.InexactFloat64())

	blockRange := fmt.Sprintf("%d-%d", blocks[0].ID, last)
	if total.IsPositive() {
		s.logger.Info(
			"revenue collected",
			zap.String("block_range", blockRange),
			zap.String("amount", total.String()),
		)
	}
	return total, blockRange, nil
}

// revenue sums the transaction's outputs to the receiving address. Non-plain
// transfers and self-transfers (receiving address also among the inputs)
// yield zero.
func (s *Scanner) revenue(tx chain.Transaction) (decimal.Decimal, error) {
	if tx.TransactionType != regularTransfer {
		return decimal.Zero, nil
	}
	for _, input := range tx.Inputs {
		if input.Address == s.address {
			return decimal.Zero, nil
		}
	}

	amount := decimal.Zero
	for _, output := range tx.Outputs {
		if output.Address != s.address {
			continue
		}
		value, err := decimal.NewFromString(output.Amount.String())
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "parse amount")
		}
		amount = amount.Add(value)
	}
	return amount, nil
}

// credit records the hash and reports whether it was new. Already-seen
// hashes are never credited again.
func (s *Scanner) credit(hash string) (bool, error) {
	if s.recent.Contains(hash) {
		return false, nil
	}
	inserted, err := s.ledger.RecordTxHash(hash)
	if err != nil {
		return false, err
	}
	s.recent.Add(hash, struct{}{})
	return inserted, nil
}
