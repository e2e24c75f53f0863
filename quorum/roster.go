package quorum

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PeerFreshness is the maximum heartbeat age for a validator to stay on the
// peer roster.
const PeerFreshness = 4 * time.Hour

// Peer is one fan-out destination from the peers file.
type Peer struct {
	IP         string  `json:"IP"`
	Port       int     `json:"Port"`
	Percentage float64 `json:"Percentage"`
}

// ValidatorInfo is one entry of the inode's validator list.
type ValidatorInfo struct {
	Wallet     string
	IP         string
	Port       int
	Percentage float64
	Ping       time.Time
}

// RosterSource provides the current validator list, normally the inode.
type RosterSource interface {
	ValidatorList(ctx context.Context) ([]ValidatorInfo, error)
}

// Roster maintains the on-disk wallet → endpoint mapping the fan-out reads.
type Roster struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewRoster(path string, logger *zap.Logger) *Roster {
	return &Roster{
		path:   path,
		logger: logger.Named("roster"),
	}
}

// Load reads the peers file. A missing file is an empty roster.
func (r *Roster) Load() (map[string]Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[string]Peer{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load peers")
	}

	peers := map[string]Peer{}
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, errors.Wrap(err, "load peers")
	}
	return peers, nil
}

func (r *Roster) save(peers map[string]Peer) error {
	raw, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save peers")
	}
	return errors.Wrap(os.WriteFile(r.path, raw, 0o644), "save peers")
}

// Refresh replaces the peers file with the source's validator list, keeping
// only validators at or above the eligibility floor with a recent heartbeat.
func (r *Roster) Refresh(ctx context.Context, source RosterSource) error {
	validators, err := source.ValidatorList(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh peers")
	}

	now := time.Now().UTC()
	peers := make(map[string]Peer)
	for _, validator := range validators {
		if validator.Percentage < 1 {
			continue
		}
		if now.Sub(validator.Ping) > PeerFreshness {
			continue
		}
		peers[validator.Wallet] = Peer{
			IP:         validator.IP,
			Port:       validator.Port,
			Percentage: validator.Percentage,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.save(peers); err != nil {
		return err
	}
	r.logger.Info(
		"peer roster refreshed",
		zap.Int("eligible", len(peers)),
		zap.Int("total", len(validators)),
	)
	return nil
}
