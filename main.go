package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trailbot/config"
	"trailbot/daemon"
	"trailbot/engine"
	"trailbot/exchange"
	"trailbot/feed"
	"trailbot/ledger"
	"trailbot/logging"
	"trailbot/metrics"
	"trailbot/notify"
	"trailbot/status"
)

var (
	cfg    *config.Config
	logger *logging.Logger
)

func initLogging() error {
	logLevel := logging.LogLevel(cfg.LogLevel)
	if cfg.Debug {
		logLevel = logging.DEBUG
	}

	var err error
	logger, err = logging.NewLogger(
		cfg.LogFile,
		cfg.LogMaxSize,
		cfg.LogMaxBackups,
		cfg.LogMaxAge,
		cfg.LogCompress,
		logLevel,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// handleDaemonFlags processes the daemon commands. Returns true when
// the invocation was a daemon command and the process should exit.
func handleDaemonFlags(start, stop, restart bool) bool {
	if !start && !stop && !restart {
		return false
	}

	stripped := []string{}
	for _, arg := range os.Args[1:] {
		if arg != "-start-daemon" && arg != "-restart-daemon" {
			stripped = append(stripped, arg)
		}
	}

	switch {
	case start:
		logger.Info("Starting daemon...")
		if err := daemon.StartDaemon(stripped); err != nil {
			logger.Fatal("Failed to start daemon: %v", err)
		}
	case stop:
		logger.Info("Stopping daemon...")
		if err := daemon.StopDaemon(); err != nil {
			logger.Fatal("Failed to stop daemon: %v", err)
		}
	case restart:
		logger.Info("Restarting daemon...")
		if err := daemon.RestartDaemon(stripped); err != nil {
			logger.Fatal("Failed to restart daemon: %v", err)
		}
	}
	return true
}

func main() {
	var err error
	cfg, err = config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	daemonStart := flag.Bool("start-daemon", false, "Start the application as a daemon")
	daemonStop := flag.Bool("stop-daemon", false, "Stop the daemon process")
	daemonRestart := flag.Bool("restart-daemon", false, "Restart the daemon process")
	debugFlag := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()
	cfg.Debug = cfg.Debug || *debugFlag

	if err := initLogging(); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	if handleDaemonFlags(*daemonStart, *daemonStop, *daemonRestart) {
		return
	}

	logger.Info("Application starting...")
	logger.Info("Symbol %s, wiggle %s, distance %.2f%%, profit %.2f%%",
		cfg.Symbol, cfg.Wiggle, cfg.Distance, cfg.Profit)
	if daemon.IsDaemon() || cfg.DaemonMode {
		logger.Info("Running in daemon mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier engine.Notifier
	if cfg.NotifyEnabled {
		notifier = notify.New(cfg.NotifyURL, cfg.NotifyLevel, logger)
	}
	m := metrics.New()

	book := ledger.New(cfg.LedgerFile, logger)
	if err := book.Load(); err != nil {
		logger.Fatal("Ledger: %v", err)
	}

	// The halt callback fires from the rate limiter when the API quota
	// is exhausted; the engine may not exist yet at client build time.
	var eng *engine.Engine
	client := exchange.NewClient(cfg, logger, func(reason string) {
		if eng != nil {
			eng.Halt(reason)
		}
	})

	info, err := client.InstrumentInfo(ctx)
	if err != nil {
		logger.Fatal("Instrument info: %v", err)
	}
	logger.Info("Symbol %s: tick size %v, base precision %v, minimum buy %v %s",
		info.Symbol, info.TickSize, info.BasePrecision, info.MinBuyQuote, info.QuoteCoin)

	spot, err := client.LastPrice(ctx)
	if err != nil {
		logger.Fatal("Last price: %v", err)
	}
	logger.Info("Spot price is %v %s", spot, info.QuoteCoin)

	eng = engine.New(ctx, cfg, logger, client, book, notifier, m)
	eng.Info = *info
	eng.SetSpot(spot)

	// Verify the book against exchange history; a row the exchange has
	// no record of was edited by hand or belongs to another account.
	for _, row := range book.All() {
		if _, err := client.OrderByID(ctx, row.OrderID); err != nil {
			logger.Warning("Ledger order %s not found on the exchange: %v", row.OrderID, err)
		}
	}

	// Seed candle history and the price window before the stream
	// starts, so the distance strategies have data from tick one.
	for _, iv := range cfg.Intervals() {
		rows, err := client.Klines(ctx, iv, cfg.KlineLimit)
		if err != nil {
			logger.Fatal("Kline preload %dm: %v", iv, err)
		}
		eng.SeedKlines(iv, rows)
		if iv == cfg.Interval1 {
			times := make([]int64, len(rows))
			vals := make([]float64, len(rows))
			for i, k := range rows {
				times[i], vals[i] = k.Time, k.Close
			}
			eng.SeedPrices(times, vals)
		}
		logger.Info("Preloaded %d candles for the %dm interval", len(rows), iv)
	}

	// Adopt a trailing order that survived a restart instead of
	// stranding it on the exchange.
	open, err := client.OpenOrders(ctx)
	if err != nil {
		logger.Fatal("Open orders: %v", err)
	}
	for i, tx := range open {
		if i == 0 {
			eng.AdoptOrder(tx, spot)
			continue
		}
		logger.Warning("Ignoring extra open trigger order %s (%s), cancel it manually", tx.OrderID, tx.Side)
	}

	if cfg.RebalanceOnStart {
		eng.RebalanceLedger()
	}

	statusServer := status.StartServer(cfg, eng, m, logger)

	// Keep the quota gauge fresh even between API calls.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.QuotaRatio.Set(client.Quota().Ratio())
			}
		}
	}()

	hub := feed.NewHub(cfg, logger, eng)
	go hub.Run(ctx)

	logger.Info("Trailing engine is live, waiting for ticks...")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("Received signal %s, shutting down gracefully...", sig)

	cancel()
	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Error("Status server shutdown: %v", err)
		}
		shutdownCancel()
	}
	if err := logger.Sync(); err != nil {
		logger.Error("Error syncing logger: %v", err)
	}
}
