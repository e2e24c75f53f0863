package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type DBConfig struct {
	Path string `yaml:"path"`
}

type SocketConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// AwardConfig holds the percentage split of collected block revenue. The
// three shares must total exactly 100; a share may be "0%".
type AwardConfig struct {
	Fee    string `yaml:"fee"`
	Share1 string `yaml:"share1"`
	Share2 string `yaml:"share2"`
}

type PoolConfig struct {
	MainSocket       SocketConfig `yaml:"mainSocket"`
	ValidationSocket SocketConfig `yaml:"validationSocket"`
	PublicIP         string       `yaml:"publicIp"`
	WalletAddress    string       `yaml:"walletAddress"`
	RewardAddress    string       `yaml:"rewardAddress"`
	PrivateKey       string       `yaml:"privateKey"`
	MaxMiners        int          `yaml:"maxMiners"`
	MaxValidators    int          `yaml:"maxValidators"`
	Award            AwardConfig  `yaml:"award"`
	WhitelistActive  bool         `yaml:"whitelistActive"`
	Whitelist        []string     `yaml:"whitelist"`
	InodeURL         string       `yaml:"inodeUrl"`
}

type ValidatorConfig struct {
	Socket        SocketConfig `yaml:"socket"`
	PublicIP      string       `yaml:"publicIp"`
	WalletAddress string       `yaml:"walletAddress"`
	RewardAddress string       `yaml:"rewardAddress"`
	PrivateKey    string       `yaml:"privateKey"`
	MaxPools      int          `yaml:"maxPools"`
	Award         AwardConfig  `yaml:"award"`
	InodeIP       string       `yaml:"inodeIp"`
	InodePort     int          `yaml:"inodePort"`
}

type InodeConfig struct {
	Socket        SocketConfig `yaml:"socket"`
	HTTPSocket    SocketConfig `yaml:"httpSocket"`
	WalletAddress string       `yaml:"walletAddress"`
	RewardAddress string       `yaml:"rewardAddress"`
	PrivateKey    string       `yaml:"privateKey"`
	MaxValidators int          `yaml:"maxValidators"`
	Award         AwardConfig  `yaml:"award"`
	StakingURL    string       `yaml:"stakingUrl"`
	Pools         []string     `yaml:"pools"`
}

type ChainConfig struct {
	APIURL        string `yaml:"apiUrl"`
	NodeURL       string `yaml:"nodeUrl"`
	GenesisHeight int64  `yaml:"genesisHeight"`
	BlockBatch    int    `yaml:"blockBatch"`
}

// IntervalsConfig holds the periods of the background loops, in seconds.
type IntervalsConfig struct {
	CheckIntervalSec      int `yaml:"checkInterval"`
	GenValidationTaskSec  int `yaml:"genValidationTask"`
	FanOutSec             int `yaml:"fanOut"`
	PushTxSec             int `yaml:"pushTx"`
	PingTimeSec           int `yaml:"pingTime"`
	FetchValidatorsSec    int `yaml:"fetchValidators"`
	DecaySec              int `yaml:"decay"`
	ValidationDeleteTimer int `yaml:"validationDeleteTimer"`
}

func (i IntervalsConfig) CheckInterval() time.Duration {
	return time.Duration(i.CheckIntervalSec) * time.Second
}

func (i IntervalsConfig) GenValidationTask() time.Duration {
	return time.Duration(i.GenValidationTaskSec) * time.Second
}

func (i IntervalsConfig) FanOut() time.Duration {
	return time.Duration(i.FanOutSec) * time.Second
}

func (i IntervalsConfig) PushTx() time.Duration {
	return time.Duration(i.PushTxSec) * time.Second
}

func (i IntervalsConfig) PingTime() time.Duration {
	return time.Duration(i.PingTimeSec) * time.Second
}

func (i IntervalsConfig) FetchValidators() time.Duration {
	return time.Duration(i.FetchValidatorsSec) * time.Second
}

func (i IntervalsConfig) Decay() time.Duration {
	return time.Duration(i.DecaySec) * time.Second
}

// BundleTTL is the window after which an unfinished validation bundle is
// deleted regardless of its condition.
func (i IntervalsConfig) BundleTTL() time.Duration {
	return time.Duration(i.ValidationDeleteTimer) * time.Minute
}

type Config struct {
	DB        DBConfig        `yaml:"db"`
	LogFile   string          `yaml:"logFile"`
	PeersFile string          `yaml:"peersFile"`
	Pool      PoolConfig      `yaml:"pool"`
	Validator ValidatorConfig `yaml:"validator"`
	Inode     InodeConfig     `yaml:"inode"`
	Chain     ChainConfig     `yaml:"chain"`
	Intervals IntervalsConfig `yaml:"intervals"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		DB:        DBConfig{Path: ".poolnet/db"},
		PeersFile: "peers.json",
		Pool: PoolConfig{
			MainSocket:       SocketConfig{IP: "0.0.0.0", Port: 5501},
			ValidationSocket: SocketConfig{IP: "0.0.0.0", Port: 5502},
			MaxMiners:        1000,
			MaxValidators:    60,
			Award:            AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"},
		},
		Validator: ValidatorConfig{
			Socket:   SocketConfig{IP: "0.0.0.0", Port: 5503},
			MaxPools: 100,
			Award:    AwardConfig{Fee: "18%", Share1: "82%", Share2: "0%"},
		},
		Inode: InodeConfig{
			Socket:        SocketConfig{IP: "0.0.0.0", Port: 5504},
			HTTPSocket:    SocketConfig{IP: "0.0.0.0", Port: 5505},
			MaxValidators: 60,
			Award:         AwardConfig{Fee: "18%", Share1: "41%", Share2: "41%"},
		},
		Chain: ChainConfig{
			BlockBatch: 10,
		},
		Intervals: IntervalsConfig{
			CheckIntervalSec:      60,
			GenValidationTaskSec:  60,
			FanOutSec:             120,
			PushTxSec:             60,
			PingTimeSec:           60,
			FetchValidatorsSec:    600,
			DecaySec:              86400,
			ValidationDeleteTimer: 3,
		},
	}
}
