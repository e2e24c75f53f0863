package reward

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/upowai/poolnet/config"
)

var ErrBadSplit = errors.New("reward: split percentages must total exactly 100")

// settlementScale is the fixed number of decimal places of every settled
// amount. Remainders below it always round up, never down.
const settlementScale = 8

var oneHundred = decimal.NewFromInt(100)

// SplitConfig is a validated three-way percentage split. A zero share is
// allowed, so a two-way split is a SplitConfig with Share2 = 0.
type SplitConfig struct {
	Fee    decimal.Decimal
	Share1 decimal.Decimal
	Share2 decimal.Decimal
}

// Shares is a block amount divided per the split.
type Shares struct {
	Fee    decimal.Decimal
	Share1 decimal.Decimal
	Share2 decimal.Decimal
}

// ParseSplit reads an award section ("18%", "41%", "41%") into a validated
// SplitConfig.
func ParseSplit(award config.AwardConfig) (SplitConfig, error) {
	fee, err := parsePercentage(award.Fee)
	if err != nil {
		return SplitConfig{}, err
	}
	share1, err := parsePercentage(award.Share1)
	if err != nil {
		return SplitConfig{}, err
	}
	share2, err := parsePercentage(award.Share2)
	if err != nil {
		return SplitConfig{}, err
	}

	if !fee.Add(share1).Add(share2).Equal(oneHundred) {
		return SplitConfig{}, ErrBadSplit
	}
	return SplitConfig{Fee: fee, Share1: share1, Share2: share2}, nil
}

func parsePercentage(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "%")
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse percentage %q", raw)
	}
	return value, nil
}

// RoundUpSettlement applies the settlement rounding contract.
func RoundUpSettlement(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundUp(settlementScale)
}

// Split divides total per the configured percentages, each share rounded up
// to settlement precision.
func (c SplitConfig) Split(total decimal.Decimal) Shares {
	return Shares{
		Fee:    RoundUpSettlement(total.Mul(c.Fee).Div(oneHundred)),
		Share1: RoundUpSettlement(total.Mul(c.Share1).Div(oneHundred)),
		Share2: RoundUpSettlement(total.Mul(c.Share2).Div(oneHundred)),
	}
}
