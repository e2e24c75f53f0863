package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassifySubmitError(t *testing.T) {
	err := classifySubmitError("too many inputs: not 300")
	var tooMany *TooManyInputsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 300, tooMany.Count)

	err = classifySubmitError("Request-URI Too Large")
	var tooLong *URITooLongError
	assert.ErrorAs(t, err, &tooLong)

	err = classifySubmitError("insufficient balance")
	assert.NotErrorAs(t, err, &tooMany)
	assert.NotErrorAs(t, err, &tooLong)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestFetchBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "100", r.URL.Query().Get("start_block"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"result": []map[string]any{{
					"id": 100,
					"transactions": []map[string]any{{
						"hash":             "abc",
						"transaction_type": "REGULAR",
						"inputs":           []map[string]any{{"address": "sender"}},
						"outputs": []map[string]any{
							{"address": "pool", "amount": "12.5"},
						},
					}},
				}},
			})
		},
	))
	defer server.Close()

	client := NewBlockClient(server.URL, zap.NewNop())
	blocks, err := client.FetchBlocks(context.Background(), 100, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(100), blocks[0].ID)
	require.Len(t, blocks[0].Transactions, 1)
	assert.Equal(t, "abc", blocks[0].Transactions[0].Hash)
	assert.Equal(t, json.Number("12.5"), blocks[0].Transactions[0].Outputs[0].Amount)
}

func TestFetchStake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"result": []map[string]any{
					{"wallet_address": "val-1", "totalStake": "600", "vote": 3},
					{"wallet_address": "val-2", "totalStake": "bogus", "vote": 1},
				},
			})
		},
	))
	defer server.Close()

	client := NewStakeClient(server.URL, zap.NewNop())
	entries, err := client.FetchStake(context.Background())
	require.NoError(t, err)
	// The unparsable stake is skipped, not fatal.
	require.Len(t, entries, 1)
	assert.Equal(t, "val-1", entries[0].Wallet)
	assert.Equal(t, float64(600), entries[0].Stake)
	assert.Equal(t, int64(3), entries[0].Votes)
}

func TestValidatorList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/validators", r.URL.Path)
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"wallet_address": "val-1",
				"ip":             "10.0.0.1",
				"port":           5506,
				"percentage":     12.5,
				"ping":           "2026-08-28T10:00:00Z",
			}})
		},
	))
	defer server.Close()

	client := NewInodeClient(server.URL, zap.NewNop())
	validators, err := client.ValidatorList(context.Background())
	require.NoError(t, err)
	require.Len(t, validators, 1)
	assert.Equal(t, "val-1", validators[0].Wallet)
	assert.Equal(t, 12.5, validators[0].Percentage)
	assert.False(t, validators[0].Ping.IsZero())
}

func TestSubmitterSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "secret", req["private_key"])
			assert.Equal(t, "dest-wallet", req["recipient"])
			assert.Equal(t, "1.25000000", req["amount"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]string{"tx_hash": "deadbeef"},
			})
		},
	))
	defer server.Close()

	submitter := NewSubmitter(server.URL, "secret", zap.NewNop())
	hash, err := submitter.Submit(
		context.Background(), "dest-wallet", "1.25000000", "miners_reward",
	)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
}

func TestSubmitterTypedErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		check  func(t *testing.T, err error)
	}{
		{
			name:   "too many inputs",
			status: http.StatusOK,
			body:   map[string]any{"ok": false, "error": "too many inputs: not 300"},
			check: func(t *testing.T, err error) {
				var tooMany *TooManyInputsError
				require.ErrorAs(t, err, &tooMany)
				assert.Equal(t, 300, tooMany.Count)
			},
		},
		{
			name:   "uri too long status",
			status: http.StatusRequestURITooLong,
			body:   map[string]any{},
			check: func(t *testing.T, err error) {
				var tooLong *URITooLongError
				assert.ErrorAs(t, err, &tooLong)
			},
		},
		{
			name:   "other error",
			status: http.StatusOK,
			body:   map[string]any{"ok": false, "error": "insufficient balance"},
			check: func(t *testing.T, err error) {
				var tooMany *TooManyInputsError
				var tooLong *URITooLongError
				assert.False(t, errors.As(err, &tooMany))
				assert.False(t, errors.As(err, &tooLong))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					_ = json.NewEncoder(w).Encode(tt.body)
				},
			))
			defer server.Close()

			submitter := NewSubmitter(server.URL, "secret", zap.NewNop())
			_, err := submitter.Submit(context.Background(), "dest", "1", "memo")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}
