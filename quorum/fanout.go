package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
	"github.com/upowai/poolnet/store"
)

// SendTimeout bounds one fan-out exchange with a peer validator.
const SendTimeout = 60 * time.Second

// Sender performs one request/response exchange with a peer endpoint.
type Sender interface {
	Send(ctx context.Context, url string, payload []byte) ([]byte, error)
}

// WebsocketSender dials a peer, writes one frame, and reads one reply.
type WebsocketSender struct {
	Timeout time.Duration
}

func (s *WebsocketSender) Send(
	ctx context.Context,
	url string,
	payload []byte,
) ([]byte, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = SendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial peer")
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "send to peer")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, errors.Wrap(err, "send to peer")
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "read peer reply")
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read peer reply")
	}
	return reply, nil
}

// FanOut pushes ready bundles to peer validators, one at a time, skipping
// peers that already acknowledged. Rounds repeat from the caller's periodic
// loop until the bundle expires or every peer has responded.
type FanOut struct {
	coordinator *Coordinator
	sender      Sender
	poolWallet  string
	poolIP      string
	poolPort    int
	logger      *zap.Logger
}

func NewFanOut(
	coordinator *Coordinator,
	sender Sender,
	poolWallet string,
	poolIP string,
	poolPort int,
	logger *zap.Logger,
) *FanOut {
	return &FanOut{
		coordinator: coordinator,
		sender:      sender,
		poolWallet:  poolWallet,
		poolIP:      poolIP,
		poolPort:    poolPort,
		logger:      logger.Named("fanout"),
	}
}

// Round sends the bundle to every unresponded peer and records explicit
// acknowledgements. Transport errors and rejections leave the peer
// unresponded for the next round. Returns the number of new responders.
func (f *FanOut) Round(
	ctx context.Context,
	bundle *store.Bundle,
	peers map[string]Peer,
) (int, error) {
	responded := make(map[string]bool, len(bundle.Validators))
	for _, wallet := range bundle.Validators {
		responded[wallet] = true
	}

	wallets := make([]string, 0, len(peers))
	for wallet := range peers {
		if !responded[wallet] {
			wallets = append(wallets, wallet)
		}
	}
	sort.Strings(wallets)

	payload, err := json.Marshal(protocol.ValidateTask{
		Type:       protocol.TypeValidateTask,
		ValID:      bundle.ValID,
		PoolWallet: f.poolWallet,
		TaskInfo:   bundle.Tasks,
		PoolIP:     f.poolIP,
		PoolPort:   f.poolPort,
	})
	if err != nil {
		return 0, errors.Wrap(err, "fan out")
	}

	acked := 0
	for _, wallet := range wallets {
		peer := peers[wallet]
		url := fmt.Sprintf("ws://%s:%d", peer.IP, peer.Port)

		reply, err := f.sender.Send(ctx, url, payload)
		if err != nil {
			f.logger.Warn(
				"peer unreachable",
				zap.String("wallet", wallet),
				zap.String("url", url),
				zap.Error(err),
			)
			continue
		}

		var ack protocol.TaskReceived
		if err := json.Unmarshal(reply, &ack); err != nil ||
			ack.Type != protocol.TypeTaskReceived || ack.ValID != bundle.ValID {
			f.logger.Warn(
				"peer rejected bundle",
				zap.String("wallet", wallet),
				zap.ByteString("reply", reply),
			)
			continue
		}

		if err := f.coordinator.AddResponder(bundle.ValID, ack.ValidatorWallet); err != nil {
			f.logger.Warn(
				"record responder failed",
				zap.String("wallet", ack.ValidatorWallet),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	return acked, nil
}
