package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/quorum"
	"github.com/upowai/poolnet/scoring"
)

// RequestTimeout bounds every external HTTP call.
const RequestTimeout = 60 * time.Second

// TxInput is one spent input of an on-chain transaction.
type TxInput struct {
	Address string `json:"address"`
}

// TxOutput is one destination of an on-chain transaction.
type TxOutput struct {
	Address string      `json:"address"`
	Amount  json.Number `json:"amount"`
}

// Transaction is the scanned form of one on-chain transaction.
type Transaction struct {
	Hash            string     `json:"hash"`
	TransactionType string     `json:"transaction_type"`
	Inputs          []TxInput  `json:"inputs"`
	Outputs         []TxOutput `json:"outputs"`
}

// Block is one scanned block with its transactions.
type Block struct {
	ID           int64         `json:"id"`
	Transactions []Transaction `json:"transactions"`
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: RequestTimeout}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "http get")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("http get %s: status %d", url, resp.StatusCode)
	}
	return errors.Wrap(json.Unmarshal(body, out), "decode body")
}

// BlockClient scans block ranges from the chain API.
type BlockClient struct {
	apiURL string
	client *http.Client
	logger *zap.Logger
}

func NewBlockClient(apiURL string, logger *zap.Logger) *BlockClient {
	return &BlockClient{
		apiURL: apiURL,
		client: newHTTPClient(),
		logger: logger.Named("block_client"),
	}
}

type blocksResponse struct {
	OK     bool    `json:"ok"`
	Error  string  `json:"error"`
	Result []Block `json:"result"`
}

// FetchBlocks returns up to limit blocks starting at height start. An empty
// slice means the chain has no blocks at or past start yet.
func (c *BlockClient) FetchBlocks(
	ctx context.Context,
	start int64,
	limit int,
) ([]Block, error) {
	url := fmt.Sprintf(
		"%s/get_blocks_details?start_block=%d&limit=%d",
		c.apiURL, start, limit,
	)
	var decoded blocksResponse
	if err := getJSON(ctx, c.client, url, &decoded); err != nil {
		return nil, errors.Wrap(err, "fetch blocks")
	}
	if !decoded.OK {
		return nil, errors.Errorf("fetch blocks: %s", decoded.Error)
	}
	return decoded.Result, nil
}

// StakeClient reads validator stake snapshots from the staking registry.
type StakeClient struct {
	stakingURL string
	client     *http.Client
	logger     *zap.Logger
}

func NewStakeClient(stakingURL string, logger *zap.Logger) *StakeClient {
	return &StakeClient{
		stakingURL: stakingURL,
		client:     newHTTPClient(),
		logger:     logger.Named("stake_client"),
	}
}

type stakeEntry struct {
	Wallet string      `json:"wallet_address"`
	Stake  json.Number `json:"totalStake"`
	Votes  int64       `json:"vote"`
}

type stakeResponse struct {
	OK     bool         `json:"ok"`
	Error  string       `json:"error"`
	Result []stakeEntry `json:"result"`
}

// FetchStake returns the current stake snapshot per validator wallet.
func (c *StakeClient) FetchStake(ctx context.Context) ([]scoring.StakeEntry, error) {
	var decoded stakeResponse
	if err := getJSON(ctx, c.client, c.stakingURL, &decoded); err != nil {
		return nil, errors.Wrap(err, "fetch stake")
	}
	if !decoded.OK {
		return nil, errors.Errorf("fetch stake: %s", decoded.Error)
	}

	entries := make([]scoring.StakeEntry, 0, len(decoded.Result))
	for _, raw := range decoded.Result {
		stake, err := raw.Stake.Float64()
		if err != nil {
			c.logger.Warn(
				"skipping unparsable stake",
				zap.String("wallet", raw.Wallet),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, scoring.StakeEntry{
			Wallet: raw.Wallet,
			Stake:  stake,
			Votes:  raw.Votes,
		})
	}
	return entries, nil
}

// InodeClient reads the inode's validator list for the pool's peer roster.
type InodeClient struct {
	inodeURL string
	client   *http.Client
	logger   *zap.Logger
}

func NewInodeClient(inodeURL string, logger *zap.Logger) *InodeClient {
	return &InodeClient{
		inodeURL: inodeURL,
		client:   newHTTPClient(),
		logger:   logger.Named("inode_client"),
	}
}

type validatorEntry struct {
	Wallet     string    `json:"wallet_address"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	Percentage float64   `json:"percentage"`
	Ping       time.Time `json:"ping"`
}

// ValidatorList implements quorum.RosterSource against the inode's validator
// endpoint.
func (c *InodeClient) ValidatorList(
	ctx context.Context,
) ([]quorum.ValidatorInfo, error) {
	var decoded []validatorEntry
	url := c.inodeURL + "/validators"
	if err := getJSON(ctx, c.client, url, &decoded); err != nil {
		return nil, errors.Wrap(err, "validator list")
	}

	validators := make([]quorum.ValidatorInfo, 0, len(decoded))
	for _, entry := range decoded {
		validators = append(validators, quorum.ValidatorInfo{
			Wallet:     entry.Wallet,
			IP:         entry.IP,
			Port:       entry.Port,
			Percentage: entry.Percentage,
			Ping:       entry.Ping,
		})
	}
	return validators, nil
}

var _ quorum.RosterSource = (*InodeClient)(nil)

// Submitter posts settlements to the external settlement service.
type Submitter struct {
	nodeURL    string
	privateKey string
	client     *http.Client
	logger     *zap.Logger
}

func NewSubmitter(nodeURL string, privateKey string, logger *zap.Logger) *Submitter {
	return &Submitter{
		nodeURL:    nodeURL,
		privateKey: privateKey,
		client:     newHTTPClient(),
		logger:     logger.Named("submitter"),
	}
}

type submitRequest struct {
	PrivateKey string `json:"private_key"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Message    string `json:"message,omitempty"`
}

type submitResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Result struct {
		TxHash string `json:"tx_hash"`
	} `json:"result"`
}

// Submit sends one payout. Limit refusals come back as *TooManyInputsError
// or *URITooLongError; anything else is a plain error. An accepted payout
// with no hash returns an empty string, which callers treat as failed.
func (s *Submitter) Submit(
	ctx context.Context,
	destination string,
	amount string,
	memo string,
) (string, error) {
	body, err := json.Marshal(submitRequest{
		PrivateKey: s.privateKey,
		Recipient:  destination,
		Amount:     amount,
		Message:    memo,
	})
	if err != nil {
		return "", errors.Wrap(err, "submit settlement")
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.nodeURL+"/send_transaction",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", errors.Wrap(err, "submit settlement")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "submit settlement")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "submit settlement")
	}

	if resp.StatusCode == http.StatusRequestURITooLong {
		return "", &URITooLongError{}
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", classifySubmitError(string(raw))
	}
	if !decoded.OK {
		return "", classifySubmitError(decoded.Error)
	}
	return decoded.Result.TxHash, nil
}
