package reward

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upowai/poolnet/config"
)

func TestParseSplitValidation(t *testing.T) {
	_, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "41%", Share2: "40%"})
	assert.ErrorIs(t, err, ErrBadSplit)

	_, err = ParseSplit(config.AwardConfig{Fee: "x%", Share1: "41%", Share2: "41%"})
	assert.Error(t, err)

	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "41%", Share2: "41%"})
	require.NoError(t, err)
	assert.True(t, split.Fee.Equal(decimal.NewFromInt(18)))

	// A zero share makes a two-way split.
	split, err = ParseSplit(config.AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"})
	require.NoError(t, err)
	assert.True(t, split.Share2.IsZero())
}

func TestSplitExact(t *testing.T) {
	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "41%", Share2: "41%"})
	require.NoError(t, err)

	shares := split.Split(decimal.NewFromInt(1000))
	assert.Equal(t, "180.00000000", shares.Fee.StringFixed(8))
	assert.Equal(t, "410.00000000", shares.Share1.StringFixed(8))
	assert.Equal(t, "410.00000000", shares.Share2.StringFixed(8))

	total := shares.Fee.Add(shares.Share1).Add(shares.Share2)
	assert.True(t, total.Equal(decimal.NewFromInt(1000)))
}

func TestSplitRoundsUpNeverDown(t *testing.T) {
	split, err := ParseSplit(config.AwardConfig{Fee: "18%", Share1: "41%", Share2: "41%"})
	require.NoError(t, err)

	// 0.00000001 * 18% = 0.0000000018: below the 8th decimal, rounds up to
	// one minor unit rather than down to zero.
	shares := split.Split(decimal.RequireFromString("0.00000001"))
	assert.Equal(t, "0.00000001", shares.Fee.StringFixed(8))
	assert.Equal(t, "0.00000001", shares.Share1.StringFixed(8))
}

func TestRoundUpSettlement(t *testing.T) {
	assert.Equal(
		t,
		"0.33333334",
		RoundUpSettlement(decimal.NewFromInt(1).Div(decimal.NewFromInt(3))).StringFixed(8),
	)
	assert.Equal(
		t,
		"2.00000000",
		RoundUpSettlement(decimal.NewFromInt(2)).StringFixed(8),
	)
}
