package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/0xfoundry/gprelayer/params"
	"github.com/0xfoundry/gprelayer/pkg/amm"
	"github.com/0xfoundry/gprelayer/pkg/api"
	"github.com/0xfoundry/gprelayer/pkg/exchange"
	"github.com/0xfoundry/gprelayer/pkg/oracle"
	"github.com/0xfoundry/gprelayer/pkg/relayer"
	"github.com/0xfoundry/gprelayer/pkg/storage"
	"github.com/0xfoundry/gprelayer/pkg/util"
)

// Devnet fallbacks; real deployments set these through the environment.
var (
	devOwner         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	devWrappedNative = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	devFactory       = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	devToken         = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if cfg.Relayer.Owner == (common.Address{}) {
		cfg.Relayer.Owner = devOwner
		sugar.Warnw("owner_not_configured", "using", devOwner.Hex())
	}
	if cfg.Relayer.WrappedNative == (common.Address{}) {
		cfg.Relayer.WrappedNative = devWrappedNative
		sugar.Warnw("wrapped_native_not_configured", "using", devWrappedNative.Hex())
	}
	if len(cfg.Relayer.Factories) == 0 {
		cfg.Relayer.Factories = []common.Address{devFactory}
		sugar.Warnw("factory_whitelist_not_configured", "using", devFactory.Hex())
	}

	clock := util.RealClock{}

	// The daemon runs against the in-memory AMM world; the interfaces in
	// pkg/amm and pkg/exchange are where an on-chain binding would plug in.
	factories := make(map[common.Address]amm.Factory, len(cfg.Relayer.Factories))
	simFactories := make([]*amm.SimFactory, 0, len(cfg.Relayer.Factories))
	for _, addr := range cfg.Relayer.Factories {
		f := amm.NewSimFactory(addr, clock)
		factories[addr] = f
		simFactories = append(simFactories, f)
	}

	batch := exchange.NewBatchExchange(clock, uint64(cfg.Node.BatchEpoch.Seconds()))
	batch.AddToken(cfg.Relayer.WrappedNative)
	batch.AddToken(devToken)

	if os.Getenv("DEV_SEED") == "true" {
		seedDevPair(simFactories[0], cfg.Relayer.WrappedNative, sugar)
	}

	store, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	creator := oracle.NewCreator(clock,
		uint64(cfg.Oracle.MinWindow.Seconds()),
		uint64(cfg.Oracle.MaxWindow.Seconds()),
	)

	rel, err := relayer.New(relayer.Config{
		Owner:         cfg.Relayer.Owner,
		WrappedNative: cfg.Relayer.WrappedNative,
		Factories:     factories,
	}, clock, creator, batch, store, sugar, nil)
	if err != nil {
		sugar.Fatalw("relayer_init_failed", "err", err)
	}

	srv := api.NewServer(rel, sugar)
	rel.SetEventSink(srv.Hub())

	go func() {
		if err := srv.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("relayer_started",
		"owner", cfg.Relayer.Owner.Hex(),
		"factories", len(factories),
		"orders", rel.OrderCount(),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	sugar.Infow("shutting_down")
}

// seedDevPair gives the devnet a liquid wrapped-native/demo-token pool so
// orders can be exercised end to end without external setup.
func seedDevPair(f *amm.SimFactory, wrappedNative common.Address, sugar *zap.SugaredLogger) {
	pair, err := f.CreatePair(wrappedNative, devToken)
	if err != nil {
		return
	}
	amount := uint256.MustFromDecimal("1000000000000000000000") // 1000e18
	pair.Mint(amount, amount)
	sugar.Infow("dev_pair_seeded", "pair", pair.Address().Hex())
}
