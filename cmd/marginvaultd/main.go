package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"marginvault/config"
	"marginvault/native/conversion"
	"marginvault/native/ledger"
	"marginvault/observability/logging"
	"marginvault/storage"
	"marginvault/venue/sim"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("marginvaultd", cfg.Environment)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}
	state, err := storage.NewState(filepath.Join(cfg.DataDir, "state.db"), nil)
	if err != nil {
		logger.Error("open state store", "err", err)
		os.Exit(1)
	}
	defer state.Close()

	journalDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		logger.Error("open journal store", "err", err)
		os.Exit(1)
	}
	defer journalDB.Close()
	journal, err := storage.NewJournal(journalDB)
	if err != nil {
		logger.Error("open journal", "err", err)
		os.Exit(1)
	}

	owner, err := config.DecodeAddress(cfg.Owner)
	if err != nil {
		logger.Error("decode owner", "err", err)
		os.Exit(1)
	}
	prices, err := cfg.PriceTable()
	if err != nil {
		logger.Error("parse oracle prices", "err", err)
		os.Exit(1)
	}

	margin := ledger.NewEngine(owner, ledger.RiskParameters{
		MinCollateralizationBps: cfg.MinCollateralizationBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
	})
	margin.SetState(state)
	margin.SetOracle(ledger.NewFixedOracle(prices))
	margin.SetEmitter(journal)

	registry := conversion.NewHandlerRegistry(owner)
	registry.SetEmitter(journal)
	if err := registry.SetCallbackGasLimit(owner, cfg.CallbackGasLimit); err != nil {
		logger.Error("set callback gas limit", "err", err)
		os.Exit(1)
	}
	for _, raw := range cfg.Handlers {
		handler, err := config.DecodeAddress(raw)
		if err != nil {
			logger.Error("decode handler", "addr", raw, "err", err)
			os.Exit(1)
		}
		if err := registry.SetHandler(owner, handler, true); err != nil {
			logger.Error("grant handler", "addr", raw, "err", err)
			os.Exit(1)
		}
	}
	for _, raw := range cfg.Liquidators {
		liquidator, err := config.DecodeAddress(raw)
		if err != nil {
			logger.Error("decode liquidator", "addr", raw, "err", err)
			os.Exit(1)
		}
		if err := registry.SetLiquidator(owner, liquidator, true); err != nil {
			logger.Error("grant liquidator", "addr", raw, "err", err)
			os.Exit(1)
		}
	}

	// The in-process venue signs callbacks as a dedicated handler identity.
	venueHandler := deriveVenueHandler(owner)
	if err := registry.SetHandler(owner, venueHandler, true); err != nil {
		logger.Error("grant venue handler", "err", err)
		os.Exit(1)
	}

	feeCeiling, err := cfg.FeeCeiling()
	if err != nil {
		logger.Error("parse fee ceiling", "err", err)
		os.Exit(1)
	}

	// The clock is the height source CancelDelayBlocks counts against; without
	// it a nonzero delay would block cancellation forever.
	clock := &heightClock{}

	traders := make(map[string]*traderSet, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		market := conversion.Market{ID: mc.ID, MarketToken: mc.MarketToken, LongToken: mc.LongToken, ShortToken: mc.ShortToken}
		sanitized, err := conversion.SanitizeMarket(market)
		if err != nil {
			logger.Error("sanitize market", "market", mc.ID, "err", err)
			os.Exit(1)
		}
		if err := registry.RegisterMarket(owner, sanitized); err != nil {
			logger.Error("register market", "market", mc.ID, "err", err)
			os.Exit(1)
		}
		factory, err := config.DecodeAddress(mc.Factory)
		if err != nil {
			logger.Error("decode factory", "market", mc.ID, "err", err)
			os.Exit(1)
		}

		venue := sim.New(venueHandler)
		guard := conversion.NewTraderGuard()
		wrapper := conversion.NewWrapper(factory, sanitized, guard)
		unwrapper := conversion.NewUnwrapper(factory, sanitized, guard)
		wrapper.SetState(state)
		wrapper.SetLedger(margin)
		wrapper.SetVenue(venue)
		wrapper.SetRegistry(registry)
		wrapper.SetEmitter(journal)
		wrapper.SetExecutionFeeCeiling(feeCeiling)
		wrapper.SetCancelDelayBlocks(cfg.CancelDelayBlocks)
		wrapper.SetHeightSource(clock.Height)
		unwrapper.SetState(state)
		unwrapper.SetLedger(margin)
		unwrapper.SetVenue(venue)
		unwrapper.SetRegistry(registry)
		unwrapper.SetEmitter(journal)
		unwrapper.SetExecutionFeeCeiling(feeCeiling)
		unwrapper.SetCancelDelayBlocks(cfg.CancelDelayBlocks)
		unwrapper.SetHeightSource(clock.Height)
		adapter := conversion.NewLiquidationAdapter(unwrapper, guard)
		adapter.SetRegistry(registry)
		adapter.SetLedger(margin)
		venue.SetDepositResolver(wrapper)
		venue.SetWithdrawalResolver(unwrapper)

		binding := conversion.TraderBinding{
			Factory:   factory,
			Wrapper:   deriveTraderAddress(factory, sanitized.ID, "wrapper"),
			Unwrapper: deriveTraderAddress(factory, sanitized.ID, "unwrapper"),
		}
		if err := registry.BindFactory(owner, binding); err != nil {
			logger.Error("bind factory", "market", mc.ID, "err", err)
			os.Exit(1)
		}

		traders[sanitized.ID] = &traderSet{
			market:    sanitized,
			factory:   factory,
			wrapper:   wrapper,
			unwrapper: unwrapper,
			adapter:   adapter,
			venue:     venue,
		}
		logger.Info("market wired", "market", sanitized.ID, "factory", mc.Factory)
	}

	srv := newServer(logger, state, journal, margin, registry, traders, venueHandler)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go clock.run(ctx, time.Duration(cfg.BlockIntervalSeconds)*time.Second)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

// deriveVenueHandler builds a stable non-zero callback identity distinct from
// the owner.
func deriveVenueHandler(owner [20]byte) [20]byte {
	handler := owner
	handler[0] ^= 0xFF
	handler[19] ^= 0xFF
	return handler
}

// deriveTraderAddress builds a stable identity for one leg of a factory's
// trader pair, recorded in the registry binding.
func deriveTraderAddress(factory [20]byte, marketID, leg string) [20]byte {
	var addr [20]byte
	sum := ethcrypto.Keccak256(factory[:], []byte(marketID), []byte(leg))
	copy(addr[:], sum[12:])
	return addr
}

// heightClock is a monotonic block counter advanced on a fixed interval. The
// traders read it through SetHeightSource.
type heightClock struct {
	height atomic.Uint64
}

func (c *heightClock) Height() uint64 { return c.height.Load() }

func (c *heightClock) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.height.Add(1)
		}
	}
}
