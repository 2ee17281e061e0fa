package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/chain"
	"github.com/offchan/offchan/internal/config"
	"github.com/offchan/offchan/internal/keylock"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/manager"
	"github.com/offchan/offchan/internal/payment"
	"github.com/offchan/offchan/internal/signature"
	"github.com/offchan/offchan/internal/storage"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "offchand",
		Short:         "Unidirectional payment-channel hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a yaml config file")
	cmd.PersistentFlags().Bool("debug", false, "enable development logging")

	cmd.AddCommand(
		newServeCmd(),
		newOpenCmd(),
		newPayCmd(),
		newCloseCmd(),
		newChannelsCmd(),
		newKeygenCmd(),
	)
	return cmd
}

// runtime bundles everything a command needs after bootstrap.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    storage.Backend
	gateway  ledger.Gateway
	channels *manager.ChannelManager
}

func (r *runtime) close() {
	if r.store != nil {
		r.store.Close()
	}
	if r.logger != nil {
		r.logger.Sync()
	}
}

// bootstrap loads configuration and assembles the channel manager stack.
func bootstrap(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	gateway, err := ledger.Dial(cfg.LedgerURL, ledger.SimOptions{Logger: logger.Named("ledger")})
	if err != nil {
		store.Close()
		return nil, err
	}

	if cfg.PrivateKey != "" {
		key, err := signature.ParseKey(cfg.PrivateKey)
		if err != nil {
			store.Close()
			return nil, err
		}
		if sim, ok := gateway.(*ledger.Sim); ok {
			sim.RegisterKey(key)
		}
		if cfg.Account == "" {
			cfg.Account = signature.KeyAddress(key)
		}
	}

	contracts := chain.NewRouter(gateway, store.Channels(), cfg.TuplePeriod, logger.Named("chain"))
	channels := manager.New(manager.Options{
		Account:               cfg.Account,
		SettlementPeriod:      big.NewInt(cfg.SettlementPeriod),
		CloseOnInvalidPayment: cfg.CloseOnInvalidPayment,
		Locks:                 keylock.New(),
		Contracts:             contracts,
		Cache:                 chain.NewCache(cfg.CachePeriod),
		Store:                 store,
		Builder:               payment.NewBuilder(contracts, gateway, logger.Named("builder")),
		Validator:             payment.NewValidator(contracts, big.NewInt(cfg.MinSettlementPeriod), logger.Named("validator")),
		Logger:                logger.Named("manager"),
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		gateway:  gateway,
		channels: channels,
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseAmountFlag(cmd *cobra.Command, name string) (*big.Int, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid --%s value %q", name, raw)
	}
	return amount, nil
}
