package txpipe

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/chain"
	"github.com/upowai/poolnet/reward"
	"github.com/upowai/poolnet/store"
)

const (
	// BatchSize is how many settlements one flush submits at most.
	BatchSize = 15

	// SubmitTimeout bounds each individual submission.
	SubmitTimeout = 60 * time.Second

	// maxInputsPerTx is the settlement service's input-count limit, used to
	// size the splits after a too-many-inputs refusal.
	maxInputsPerTx = 255

	// Split and retry tags prefixed onto the original reward type.
	tagInputSplit  = "utxos_split_"
	tagSizeSplit   = "url_split_"
	tagForcedRetry = "CatchError_"
)

// Submitter is the external settlement service boundary.
type Submitter interface {
	Submit(ctx context.Context, destination, amount, memo string) (string, error)
}

// Pipeline drains the pending settlement queue against the settlement
// service, splitting adaptively when the service refuses on size or count
// limits. Queue total is conserved across every split.
type Pipeline struct {
	settlements *store.SettlementStore
	submitter   Submitter
	batchSize   int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewPipeline(
	settlements *store.SettlementStore,
	submitter Submitter,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		settlements: settlements,
		submitter:   submitter,
		batchSize:   BatchSize,
		timeout:     SubmitTimeout,
		logger:      logger.Named("txpipe"),
	}
}

// Flush submits one batch: queued settlements in creation order, at most one
// per destination, at most batchSize total.
func (p *Pipeline) Flush(ctx context.Context) error {
	pending, err := p.settlements.Pending()
	if err != nil {
		return errors.Wrap(err, "flush settlements")
	}

	seen := make(map[string]bool)
	batch := make([]*store.PendingSettlement, 0, p.batchSize)
	for _, settlement := range pending {
		if seen[settlement.Wallet] {
			continue
		}
		seen[settlement.Wallet] = true
		batch = append(batch, settlement)
		if len(batch) >= p.batchSize {
			break
		}
	}

	for _, settlement := range batch {
		if err := p.submitOne(ctx, settlement); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) submitOne(
	ctx context.Context,
	settlement *store.PendingSettlement,
) error {
	amount := settlement.Amount.StringFixed(8)

	submitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	hash, err := p.submitter.Submit(
		submitCtx, settlement.Wallet, amount, settlement.RewardType,
	)
	cancel()

	if err != nil {
		return p.handleFailure(settlement, amount, err)
	}

	if hash == "" {
		failedTotal.Inc()
		p.logger.Warn(
			"settlement returned no hash",
			zap.String("id", settlement.ID),
			zap.String("wallet", settlement.Wallet),
		)
		if err := p.settlements.LogFailed(&store.FailedSettlement{
			ID:       settlement.ID,
			Wallet:   settlement.Wallet,
			Error:    "no transaction hash returned",
			Amount:   amount,
			FailedAt: time.Now().UTC(),
		}); err != nil {
			return errors.Wrap(err, "flush settlements")
		}
		return errors.Wrap(p.settlements.Remove(settlement), "flush settlements")
	}

	submittedTotal.Inc()
	if err := p.settlements.LogSubmitted(&store.SubmittedSettlement{
		ID:          settlement.ID,
		Wallet:      settlement.Wallet,
		Hash:        hash,
		Amount:      amount,
		RewardType:  settlement.RewardType,
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "flush settlements")
	}
	p.logger.Info(
		"settlement submitted",
		zap.String("id", settlement.ID),
		zap.String("wallet", settlement.Wallet),
		zap.String("amount", amount),
		zap.String("hash", hash),
	)
	return errors.Wrap(p.settlements.Remove(settlement), "flush settlements")
}

// handleFailure resolves a refused submission: limit refusals split the
// amount into smaller settlements, anything else is audited and re-enqueued
// exactly once as a forced retry.
func (p *Pipeline) handleFailure(
	settlement *store.PendingSettlement,
	amount string,
	cause error,
) error {
	var tooMany *chain.TooManyInputsError
	if errors.As(cause, &tooMany) {
		splits := int(math.Ceil(float64(tooMany.Count) / maxInputsPerTx))
		if splits < 2 {
			splits = 2
		}
		return p.split(settlement, splits, tagInputSplit)
	}

	var tooLong *chain.URITooLongError
	if errors.As(cause, &tooLong) {
		return p.split(settlement, 2, tagSizeSplit)
	}

	p.logger.Warn(
		"settlement failed",
		zap.String("id", settlement.ID),
		zap.String("wallet", settlement.Wallet),
		zap.Error(cause),
	)
	if err := p.settlements.LogCaught(&store.FailedSettlement{
		ID:       settlement.ID,
		Wallet:   settlement.Wallet,
		Error:    cause.Error(),
		Amount:   amount,
		FailedAt: time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "flush settlements")
	}

	// One forced retry per settlement; a retry failing again is dropped
	// after its audit record.
	if !strings.HasPrefix(settlement.RewardType, tagForcedRetry) {
		retriedTotal.Inc()
		if err := p.settlements.Enqueue(&store.PendingSettlement{
			ID:         uuid.NewString(),
			Wallet:     settlement.Wallet,
			Amount:     settlement.Amount,
			RewardType: tagForcedRetry + settlement.ID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return errors.Wrap(err, "flush settlements")
		}
	}
	return errors.Wrap(p.settlements.Remove(settlement), "flush settlements")
}

// split replaces a settlement with count settlements of amount/count each,
// rounded up to settlement precision.
func (p *Pipeline) split(
	settlement *store.PendingSettlement,
	count int,
	tag string,
) error {
	splitTotal.Inc()
	part := reward.RoundUpSettlement(
		settlement.Amount.Div(decimal.NewFromInt(int64(count))),
	)

	for i := 0; i < count; i++ {
		if err := p.settlements.Enqueue(&store.PendingSettlement{
			ID:         uuid.NewString(),
			Wallet:     settlement.Wallet,
			Amount:     part,
			RewardType: tag + settlement.RewardType,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return errors.Wrap(err, "split settlement")
		}
	}

	p.logger.Info(
		"settlement split",
		zap.String("id", settlement.ID),
		zap.String("wallet", settlement.Wallet),
		zap.Int("parts", count),
		zap.String("part_amount", part.StringFixed(8)),
	)
	return errors.Wrap(p.settlements.Remove(settlement), "split settlement")
}
