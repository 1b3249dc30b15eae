package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stakelab/exitflow/internal/circuitbreaker"
	"github.com/stakelab/exitflow/internal/config"
	"github.com/stakelab/exitflow/internal/ethlogs"
	"github.com/stakelab/exitflow/internal/labels"
	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/report"
	"github.com/stakelab/exitflow/internal/retry"
	"github.com/stakelab/exitflow/internal/rpc"
	"github.com/stakelab/exitflow/internal/scan"
	"github.com/stakelab/exitflow/internal/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Optional .env for local runs; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, aborting run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, runID, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) error {
	labelSet, err := labels.Load(cfg.Input.LabelsPath)
	if err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	logger.Info("label dataset loaded", "entries", labelSet.Len())

	client := rpc.NewClient(cfg.RPC.URL, logger, rpc.WithTimeout(cfg.RPC.Timeout))
	callerOpts := []retry.CallerOption{
		retry.WithMaxAttempts(cfg.RPC.MaxAttempts),
		retry.WithBackoffCap(cfg.RPC.BackoffCap),
		retry.WithRateLimiter(cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst),
	}
	if cfg.RPC.BreakerFailLimit > 0 {
		callerOpts = append(callerOpts, retry.WithBreaker(circuitbreaker.New(circuitbreaker.Config{
			FailLimit:   cfg.RPC.BreakerFailLimit,
			OpenTimeout: cfg.RPC.BreakerOpenTimeout,
		})))
	}
	caller := retry.NewCaller(logger, callerOpts...)
	fetcher := ethlogs.New(client, caller, logger, ethlogs.WithMaxSplits(cfg.RPC.MaxRangeSplits))

	classifierOpts := []labels.ClassifierOption{}
	if cfg.Trace.ProbeCode {
		classifierOpts = append(classifierOpts, labels.WithCodeProbe(client))
	}
	classifier := labels.NewClassifier(labelSet, logger, classifierOpts...)

	windowBlocks := cfg.Trace.WindowBlocks
	if windowBlocks <= 0 {
		estimator := trace.NewWindowEstimator(client, logger)
		blockTime, err := estimator.AverageBlockTime(ctx)
		if err != nil {
			return fmt.Errorf("estimate block time: %w", err)
		}
		windowBlocks = trace.BlocksForDuration(time.Duration(cfg.Trace.WindowHours)*time.Hour, blockTime)
		logger.Info("window derived from block time",
			"window_hours", cfg.Trace.WindowHours,
			"avg_block_time", blockTime,
			"window_blocks", windowBlocks,
		)
	}

	tracer := trace.NewTracer(fetcher, classifier, trace.Config{
		TokenContract:    cfg.Trace.TokenContract,
		ProtocolContract: cfg.Trace.ProtocolContract,
		TransferTopic:    trace.EventTopic(cfg.Trace.TransferSignature),
		WindowBlocks:     windowBlocks,
		MaxHops:          cfg.Trace.MaxHops,
		BranchWidth:      cfg.Trace.BranchWidth,
		Threshold: trace.Threshold{
			MinAbsolute:    cfg.Trace.MinAbsolute,
			MinFractionBps: cfg.Trace.MinFractionBps,
		},
	}, logger)

	exits, err := collectExitEvents(ctx, cfg, fetcher, logger)
	if err != nil {
		return fmt.Errorf("collect exit events: %w", err)
	}
	if len(exits) == 0 {
		logger.Warn("no exit events to trace")
	}
	logger.Info("exit events collected", "count", len(exits))

	aggregator := trace.NewAggregator(trace.WithExemplarCap(cfg.Output.ExemplarCap))

	g, gCtx := errgroup.WithContext(ctx)

	serverDone := startMetricsServer(cfg.Server.MetricsPort, logger)

	jobs := make(chan model.ExitEvent)
	g.Go(func() error {
		defer close(jobs)
		for _, exit := range exits {
			select {
			case jobs <- exit:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return nil
	})
	for i := 0; i < cfg.Trace.Workers; i++ {
		g.Go(func() error {
			for exit := range jobs {
				result, err := tracer.Trace(gCtx, exit)
				if err != nil {
					return fmt.Errorf("trace exit %s: %w", exit.TxHash, err)
				}
				aggregator.Record(result)
			}
			return nil
		})
	}

	err = g.Wait()
	serverDone()
	if err := ignoreCanceled(err); err != nil {
		return err
	}

	rep := report.Build(runID, report.Params{
		RPCURL:           cfg.RPC.URL,
		TokenContract:    string(cfg.Trace.TokenContract),
		ProtocolContract: string(cfg.Trace.ProtocolContract),
		WindowBlocks:     windowBlocks,
		MaxHops:          cfg.Trace.MaxHops,
		BranchWidth:      cfg.Trace.BranchWidth,
		MinAbsolute:      cfg.Trace.MinAbsolute.String(),
		MinFractionBps:   cfg.Trace.MinFractionBps,
		ExitEventCount:   len(exits),
	}, aggregator.Summary())

	jsonPath, mdPath, err := report.Write(cfg.Output.Dir, rep)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logger.Info("report written",
		"json", jsonPath,
		"markdown", mdPath,
		"total", rep.TotalExits,
		"matched", rep.MatchedCount,
	)
	return nil
}

// ignoreCanceled drops cancellations, wrapped or not, so an interrupted run
// still writes its partial report.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// exitEventFile is the on-disk shape of pre-decoded exit events.
type exitEventFile struct {
	Address     string `json:"address"`
	BlockNumber int64  `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	Amount      string `json:"amount"`
}

func collectExitEvents(ctx context.Context, cfg *config.Config, fetcher *ethlogs.Fetcher, logger *slog.Logger) ([]model.ExitEvent, error) {
	if cfg.Input.ExitEventsPath != "" {
		return loadExitEvents(cfg.Input.ExitEventsPath)
	}

	opts := []scan.Option{
		scan.WithChunkBlocks(cfg.RPC.ChunkBlocks),
	}
	if cfg.Input.StateDBPath != "" {
		store, err := scan.OpenCursorStore(cfg.Input.StateDBPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		opts = append(opts, scan.WithCursorStore(store))
	}

	scanner := scan.New(fetcher, scan.DecodeIndexedAddressAmount, logger, opts...)
	return scanner.Scan(ctx,
		cfg.Input.ExitContract,
		trace.EventTopic(cfg.Input.ExitSignature),
		cfg.Input.ScanFromBlock,
		cfg.Input.ScanToBlock,
	)
}

func loadExitEvents(path string) ([]model.ExitEvent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exit events: %w", err)
	}
	var rows []exitEventFile
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse exit events: %w", err)
	}

	events := make([]model.ExitEvent, 0, len(rows))
	for i, row := range rows {
		addr := model.NormalizeAddress(row.Address)
		if !addr.IsValid() {
			return nil, fmt.Errorf("exit event %d: invalid address %q", i, row.Address)
		}
		amount, ok := new(big.Int).SetString(row.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("exit event %d: invalid amount %q", i, row.Amount)
		}
		events = append(events, model.ExitEvent{
			Address:     addr,
			BlockNumber: row.BlockNumber,
			TxHash:      row.TxHash,
			Amount:      amount,
			AmountRaw:   amount.String(),
		})
	}
	return events, nil
}

// startMetricsServer serves /metrics and /healthz for the life of the run
// when a port is configured. The returned func shuts the server down.
func startMetricsServer(port int, logger *slog.Logger) func() {
	if port <= 0 {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("metrics server started", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}
}
