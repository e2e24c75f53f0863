package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/app"
	"github.com/upowai/poolnet/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "poolnet",
	Short: "Task-mining coordination network",
	Long: `poolnet runs one of the three coordination roles: a pool dispatching
tasks to miners, a validator scoring completed work, or an inode settling
stake-weighted scores and relaying rewards.`,
	SilenceUsage: true,
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Run the miner-facing task dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(func(cfg *config.Config, logger *zap.Logger) (runner, error) {
			return app.NewPool(cfg, logger)
		})
	},
}

var validatorCmd = &cobra.Command{
	Use:   "validator",
	Short: "Run the bundle-scoring validator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(func(cfg *config.Config, logger *zap.Logger) (runner, error) {
			return app.NewValidator(cfg, logger)
		})
	},
}

var inodeCmd = &cobra.Command{
	Use:   "inode",
	Short: "Run the stake registry and settlement relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(func(cfg *config.Config, logger *zap.Logger) (runner, error) {
			return app.NewInode(cfg, logger)
		})
	},
}

type runner interface {
	Run(ctx context.Context) error
}

func runRole(build func(*config.Config, *zap.Logger) (runner, error)) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.CreateLogger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	role, err := build(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	return role.Run(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		"config.yml",
		"path to the configuration file",
	)
	rootCmd.PersistentFlags().BoolVar(
		&debug,
		"debug",
		false,
		"enable debug logging",
	)

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(validatorCmd)
	rootCmd.AddCommand(inodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
