package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMiner(t *testing.T) {
	msg, err := DecodeMiner([]byte(
		`{"type":"request","wallet_address":"w1"}`,
	))
	require.NoError(t, err)
	request, ok := msg.(TaskRequest)
	require.True(t, ok)
	assert.Equal(t, "w1", request.WalletAddress)

	msg, err = DecodeMiner([]byte(
		`{"type":"response","wallet_address":"w1","id":"t1","output":"42"}`,
	))
	require.NoError(t, err)
	result, ok := msg.(TaskResult)
	require.True(t, ok)
	assert.Equal(t, "t1", result.ID)
	assert.Equal(t, "42", result.Output)

	msg, err = DecodeMiner([]byte(`{"type":"PING","wallet_address":"w1"}`))
	require.NoError(t, err)
	_, ok = msg.(Ping)
	assert.True(t, ok)
}

func TestDecodeMinerRejectsForeignTypes(t *testing.T) {
	// validateTask is valid elsewhere but not on the miner socket.
	_, err := DecodeMiner([]byte(`{"type":"validateTask"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeMiner([]byte(`{"type":"TASK"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeInvalidFormat(t *testing.T) {
	_, err := DecodeMiner([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	// Well-formed envelope, malformed body.
	_, err = DecodeMiner([]byte(`{"type":"response","id":7}`))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodePoolValidation(t *testing.T) {
	msg, err := DecodePoolValidation([]byte(
		`{"type":"response","val_id":"v1","tasks":[` +
			`{"wallet_address":"w1","tp":80},` +
			`{"wallet_address":"w2","np":1}]}`,
	))
	require.NoError(t, err)
	scored, ok := msg.(ScoredResponse)
	require.True(t, ok)
	assert.Equal(t, "v1", scored.ValID)
	require.Len(t, scored.Tasks, 2)

	require.NotNil(t, scored.Tasks[0].TP)
	assert.Equal(t, 80.0, *scored.Tasks[0].TP)
	assert.Nil(t, scored.Tasks[0].NP)

	assert.Nil(t, scored.Tasks[1].TP)
	require.NotNil(t, scored.Tasks[1].NP)
	assert.Equal(t, 1.0, *scored.Tasks[1].NP)

	// The validation socket accepts only scored responses.
	_, err = DecodePoolValidation([]byte(`{"type":"request"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeValidator(t *testing.T) {
	msg, err := DecodeValidator([]byte(
		`{"type":"validateTask","val_id":"v1","pool_wallet":"p1",` +
			`"pool_ip":"10.0.0.1","pool_port":5502,"task_info":[` +
			`{"id":"t1","task":"payload","wallet":"w1","status":"completed"}]}`,
	))
	require.NoError(t, err)
	bundle, ok := msg.(ValidateTask)
	require.True(t, ok)
	assert.Equal(t, "v1", bundle.ValID)
	assert.Equal(t, "p1", bundle.PoolWallet)
	assert.Equal(t, 5502, bundle.PoolPort)
	require.Len(t, bundle.TaskInfo, 1)
	assert.Equal(t, "t1", bundle.TaskInfo[0].ID)
}

func TestDecodeInode(t *testing.T) {
	msg, err := DecodeInode([]byte(
		`{"type":"TASK","pool_wallet":"p1","validator_wallet":"v1","val_id":"b1"}`,
	))
	require.NoError(t, err)
	report, ok := msg.(InodeTask)
	require.True(t, ok)
	assert.Equal(t, "p1", report.PoolWallet)
	assert.Equal(t, "b1", report.ValID)

	msg, err = DecodeInode([]byte(
		`{"type":"PING","validator_wallet":"v1","ip":"10.0.0.2","port":5503}`,
	))
	require.NoError(t, err)
	ping, ok := msg.(Ping)
	require.True(t, ok)
	assert.Equal(t, "v1", ping.ValidatorWallet)
	assert.Equal(t, 5503, ping.Port)
}

func TestStatusFormatting(t *testing.T) {
	assert.Equal(t, "SUCCESS: pong", Success("pong"))
	assert.Equal(t, "SUCCESS: b1", Success("%s", "b1"))
	assert.Equal(t, "ERROR: Duplicate task", Error("Duplicate task"))
}
