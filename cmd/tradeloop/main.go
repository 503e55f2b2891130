package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tradeloop/internal/api"
	"github.com/rewired-gh/tradeloop/internal/brain"
	"github.com/rewired-gh/tradeloop/internal/config"
	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/hand"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/oracle"
	"github.com/rewired-gh/tradeloop/internal/sensor"
	"github.com/rewired-gh/tradeloop/internal/soul"
	"github.com/rewired-gh/tradeloop/internal/storage"
	"github.com/rewired-gh/tradeloop/internal/stream"
	"github.com/rewired-gh/tradeloop/internal/synapse"
	"github.com/rewired-gh/tradeloop/internal/telegram"
	"github.com/rewired-gh/tradeloop/internal/vault"
	"github.com/rewired-gh/tradeloop/internal/venue"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envPath    = flag.String("env", ".env", "Path to an optional .env file")
)

// exchange is what the pipeline needs from a venue, live or paper.
type exchange interface {
	hand.Exchange
	sensor.Exchange
	soul.BalanceSource
}

func main() {
	flag.Parse()

	config.LoadDotEnv(*envPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Logger:          profilerLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Fatal("Failed to start profiler: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
		logger.Info("Profiling to %s as %s", cfg.Profiling.ServerAddress, cfg.Profiling.AppName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Service failed: %v", err)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	hub := stream.NewHub(cfg.Queue.StreamHistory, cfg.Queue.StreamBuffer)
	logger.SetSink(hub)
	defer logger.SetSink(nil)

	disp := dispatcher.New(store, dispatcher.Config{
		BufferSize:   cfg.Queue.ErrorBuffer,
		WriteTimeout: cfg.Queue.ErrorTimeout,
	})
	defer disp.Close()
	disp.SetPublisher(hub)

	v, err := vault.Open(ctx, store, disp, vault.Config{
		Principal:           config.Decimal(cfg.Vault.Principal),
		HardFloor:           config.Decimal(cfg.Vault.HardFloor),
		ProfitLockThreshold: config.Decimal(cfg.Vault.ProfitLockThreshold),
		Period:              cfg.Vault.Period,
	})
	if err != nil {
		return err
	}
	v.SetPublisher(hub)

	queue := synapse.New(store, disp)
	opps, sigs, err := queue.Recover(ctx)
	if err != nil {
		return err
	}
	if opps+sigs > 0 {
		logger.Warn("Recovered %d opportunities and %d signals left in flight by the last run", opps, sigs)
	}

	ex, err := newExchange(cfg)
	if err != nil {
		return err
	}

	estimator := oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Model, cfg.Oracle.Timeout)

	engine := brain.New(brain.Config{
		Iterations:      cfg.Brain.Iterations,
		EstimateTimeout: cfg.Brain.EstimateTimeout,
		Thresholds: brain.Thresholds{
			MinConfidence:    cfg.Brain.MinConfidence,
			MaxVariance:      cfg.Brain.MaxVariance,
			MinExpectedValue: cfg.Brain.MinExpectedValue,
		},
		KellyScale:      cfg.Brain.KellyScale,
		StakeUSD:        config.Decimal(cfg.Brain.StakeUSD),
		MinStakeUSD:     config.Decimal(cfg.Brain.MinStakeUSD),
		MaxStakeUSD:     config.Decimal(cfg.Brain.MaxStakeUSD),
		RecencyWindow:   cfg.Brain.RecencyWindow,
		RepeatThreshold: cfg.Brain.RepeatThreshold,
		PollInterval:    cfg.Brain.PollInterval,
		Seed:            cfg.Brain.Seed,
	}, estimator, queue, disp)
	engine.SetPublisher(hub)

	executor := hand.New(hand.Config{
		OrderTimeout: cfg.Hand.OrderTimeout,
		PollInterval: cfg.Hand.PollInterval,
	}, ex, queue, v, disp)
	executor.SetPublisher(hub)

	scanner := sensor.New(ctx, sensor.Config{
		Symbols:            cfg.Sensor.Symbols,
		Threshold:          cfg.Sensor.Threshold,
		Ceiling:            cfg.Sensor.Ceiling,
		MinSigma:           cfg.Sensor.MinSigma,
		OpportunityTTL:     cfg.Sensor.OpportunityTTL,
		TopK:               cfg.Sensor.TopK,
		Cooldown:           cfg.Sensor.Cooldown,
		CheckpointInterval: cfg.Sensor.CheckpointInterval,
	}, ex, queue, store, disp)

	windows, err := cfg.MaintenanceWindows()
	if err != nil {
		return err
	}
	orch := soul.New(soul.Config{
		Windows:       windows,
		CycleInterval: cfg.Soul.CycleInterval,
		DrainTimeout:  cfg.Soul.DrainTimeout,
		PollInterval:  cfg.Soul.PollInterval,
		AutoMode:      cfg.Soul.AutoMode,
	}, v, queue, disp, store, scanner, ex)
	orch.SetPublisher(hub)
	disp.OnCritical(orch.HaltOnCritical)

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return err
		}
		tg.Bind(orch, v, disp)
		disp.SetNotifier(tg)
		orch.SetNotifier(tg)
		tg.ListenForCommands(ctx)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(cfg.API.Addr, cfg.API.Token, api.Deps{
			Orchestrator: orch,
			Vault:        v,
			Errors:       disp,
			Queue:        queue,
			Stream:       hub,
		})
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	logger.Info("Starting trading loop (symbols: %d, auto: %v, interval: %v, floor: %s)",
		len(cfg.Sensor.Symbols), cfg.Soul.AutoMode, cfg.Soul.CycleInterval, cfg.Vault.HardFloor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx, orch) })
	g.Go(func() error { return executor.Run(gctx, orch) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, cleaning up...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scanner.Shutdown(shutdownCtx)
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("API shutdown: %v", err)
			}
		}
		return nil
	})

	err = g.Wait()
	disp.Flush()
	return err
}

func newExchange(cfg *config.Config) (exchange, error) {
	var signer *venue.Signer
	if cfg.Venue.PrivateKey != "" {
		s, err := venue.NewSigner(cfg.Venue.KeyID, cfg.Venue.PrivateKey, cfg.Venue.TokenTTL)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	var live *venue.Client
	if cfg.Venue.BaseURL != "" {
		live = venue.NewClient(cfg.Venue.BaseURL, signer, cfg.Venue.Timeout)
	}

	if cfg.Venue.Mode == "live" {
		logger.Info("Trading live against %s", cfg.Venue.BaseURL)
		return live, nil
	}

	// Paper trading prices against live books when a venue is configured.
	var source venue.BookSource
	if live != nil {
		source = live
	} else {
		logger.Warn("Paper venue has no book source; every scan will miss")
	}
	logger.Info("Paper trading with %s cash", cfg.Venue.PaperCash)
	return venue.NewPaper(config.Decimal(cfg.Venue.PaperCash), config.Decimal(cfg.Venue.PaperFee), source), nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logger.Debug(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logger.Debug(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logger.Error(format, args...) }
