// TradeForge — a multi-venue crypto trading engine.
//
// Architecture:
//
//	main.go              — CLI: run live/backtest/walk-forward, cancel-order, kill-switch
//	engine/engine.go     — supervisor: wires feeds → scanner → allocator → OMS, manages loops
//	scanner/scanner.go   — evaluates enabled strategies into ranked opportunities and intents
//	allocator/           — regime detection + performance-weighted capital allocation
//	edge/model.go        — expected-edge vs cost gate (fees, slippage, latency)
//	risk/engine.go       — kill switch, book status, intent/book/cluster caps
//	oms/oms.go           — single order writer: risk → cost → size → place → persist
//	planner/planner.go   — multi-leg execution with unwind-on-fail
//	recon/recon.go       — venue vs internal state reconciliation, escalation ladder
//	backtest/            — split backtests and walk-forward analysis
//	venue/               — paper and live (REST+WS) venue adapters
//	store/               — sqlite persistence for orders, books, audit, telemetry
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tradeforge/internal/backtest"
	"tradeforge/internal/config"
	"tradeforge/internal/engine"
	"tradeforge/internal/store"
	"tradeforge/pkg/types"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

// exitError carries the process exit code alongside the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig) // flag / usage errors
	}
	os.Exit(exitOK)
}

type cliState struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:           "tradeforge",
		Short:         "Multi-venue crypto trading engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(st.cfgPath)
			if err != nil {
				return configErr(fmt.Errorf("load config %s: %w", st.cfgPath, err))
			}
			if err := cfg.Validate(); err != nil {
				return configErr(fmt.Errorf("invalid config: %w", err))
			}
			st.cfg = cfg
			st.logger = newLogger(cfg.Logging)
			return nil
		},
	}

	defaultCfg := "configs/config.yaml"
	if p := os.Getenv("TRADEFORGE_CONFIG"); p != "" {
		defaultCfg = p
	}
	root.PersistentFlags().StringVarP(&st.cfgPath, "config", "c", defaultCfg, "path to config file")

	root.AddCommand(newRunCmd(st))
	root.AddCommand(newCancelOrderCmd(st))
	root.AddCommand(newKillSwitchCmd(st))
	return root
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ——————————————————————————————————————————————————————————————————————
// run live | backtest | walk-forward
// ——————————————————————————————————————————————————————————————————————

func newRunCmd(st *cliState) *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the engine or an offline simulation",
	}
	run.AddCommand(newRunLiveCmd(st))
	run.AddCommand(newRunBacktestCmd(st))
	run.AddCommand(newRunWalkForwardCmd(st))
	return run
}

func newRunLiveCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Start the live (or paper) trading engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engine.New(st.cfg, st.logger)
			if err != nil {
				return runtimeErr(fmt.Errorf("create engine: %w", err))
			}
			if err := eng.Start(); err != nil {
				return runtimeErr(fmt.Errorf("start engine: %w", err))
			}

			st.logger.Info("tradeforge started",
				"paper_mode", st.cfg.PaperMode,
				"venues", len(st.cfg.Venues),
				"total_capital", st.cfg.Allocator.TotalCapital,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			st.logger.Info("received shutdown signal", "signal", sig.String())

			eng.Stop()
			return nil
		},
	}
}

// backtestFlags are the per-run overrides over config.Backtest defaults.
type backtestFlags struct {
	dataDir     string
	instruments []string
	timeframe   string
	start       string
	end         string
	fastPeriod  int
	slowPeriod  int
	train       float64
	validate    float64
	test        float64
}

func (f *backtestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dataDir, "data", "data", "directory with <instrument>.csv bar files")
	cmd.Flags().StringSliceVar(&f.instruments, "instruments", []string{"BTC-USD"}, "instruments to simulate")
	cmd.Flags().StringVar(&f.timeframe, "timeframe", "1d", "bar timeframe label")
	cmd.Flags().StringVar(&f.start, "start", "", "start date (YYYY-MM-DD, default: first bar)")
	cmd.Flags().StringVar(&f.end, "end", "", "end date (YYYY-MM-DD, default: last bar)")
	cmd.Flags().IntVar(&f.fastPeriod, "fast", 10, "fast SMA period")
	cmd.Flags().IntVar(&f.slowPeriod, "slow", 30, "slow SMA period")
	cmd.Flags().Float64Var(&f.train, "train", 0.6, "in-sample split ratio")
	cmd.Flags().Float64Var(&f.validate, "validate", 0.2, "validation split ratio")
	cmd.Flags().Float64Var(&f.test, "test", 0.2, "out-of-sample split ratio")
}

func (f *backtestFlags) build(cfg *config.Config) (backtest.Config, map[string]backtest.Frame, *backtest.SMACrossStrategy, error) {
	frames := make(map[string]backtest.Frame, len(f.instruments))
	for _, inst := range f.instruments {
		path := filepath.Join(f.dataDir, inst+".csv")
		bars, err := loadCSVBars(path)
		if err != nil {
			return backtest.Config{}, nil, nil, err
		}
		frames[inst] = backtest.LoadBars(inst, bars)
	}

	start, end, err := dateRange(f.start, f.end, frames)
	if err != nil {
		return backtest.Config{}, nil, nil, err
	}

	bc := backtest.Config{
		StrategyName:   "sma_cross",
		Instruments:    f.instruments,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: cfg.Backtest.InitialCapital,
		Timeframe:      f.timeframe,
		SlippageBps:    cfg.Backtest.SlippageBps,
		CommissionBps:  cfg.Backtest.CommissionBps,
		TrainRatio:     f.train,
		ValidateRatio:  f.validate,
		TestRatio:      f.test,
		MaxPositionPct: cfg.Backtest.MaxPositionPct,
	}
	strat := backtest.NewSMACrossStrategy()
	strat.FastPeriod = f.fastPeriod
	strat.SlowPeriod = f.slowPeriod
	return bc, frames, strat, nil
}

func newRunBacktestCmd(st *cliState) *cobra.Command {
	flags := &backtestFlags{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a split backtest over historical bars",
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, frames, strat, err := flags.build(st.cfg)
			if err != nil {
				return configErr(err)
			}
			result, err := backtest.Run(bc, frames, strat)
			if err != nil {
				return runtimeErr(fmt.Errorf("backtest: %w", err))
			}

			saveRun(st, func(ctx context.Context, db *store.Store) error {
				return db.SaveBacktest(ctx, strat.Name(), bc, result)
			})

			printSplit("in-sample", result.InSample)
			printSplit("validation", result.Validation)
			printSplit("out-of-sample", result.OutSample)
			printMetrics("combined", result.Metrics, len(result.Trades))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunWalkForwardCmd(st *cliState) *cobra.Command {
	flags := &backtestFlags{}
	var trainWindow, testWindow, step int
	cmd := &cobra.Command{
		Use:   "walk-forward",
		Short: "Run a rolling walk-forward analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, frames, strat, err := flags.build(st.cfg)
			if err != nil {
				return configErr(err)
			}
			wfc := backtest.WalkForwardConfig{
				Backtest:    bc,
				TrainWindow: trainWindow,
				TestWindow:  testWindow,
				StepSize:    step,
			}
			result, err := backtest.WalkForward(wfc, frames, strat)
			if err != nil {
				return runtimeErr(fmt.Errorf("walk-forward: %w", err))
			}

			saveRun(st, func(ctx context.Context, db *store.Store) error {
				return db.SaveWalkForward(ctx, strat.Name(), wfc, result)
			})

			for _, w := range result.Windows {
				fmt.Printf("window %d  bars %d..%d  return %.2f%%  sharpe %.2f  trades %d\n",
					w.Index, w.StartBar, w.EndBar,
					w.Result.OutSample.Metrics.TotalReturn*100,
					w.Result.OutSample.Metrics.Sharpe,
					len(w.Result.OutSample.Trades),
				)
			}
			printMetrics("aggregate", result.Metrics, len(result.Trades))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&trainWindow, "train-window", 180, "training window in bars")
	cmd.Flags().IntVar(&testWindow, "test-window", 60, "test window in bars")
	cmd.Flags().IntVar(&step, "step", 0, "step size in bars (default: test window)")
	return cmd
}

// saveRun persists a simulation result best-effort: a broken store never
// discards an otherwise successful run.
func saveRun(st *cliState, save func(context.Context, *store.Store) error) {
	db, err := store.Open(st.cfg.Store.DSN, st.logger)
	if err != nil {
		st.logger.Warn("store unavailable, result not persisted", "error", err)
		return
	}
	defer db.Close()
	if err := save(context.Background(), db); err != nil {
		st.logger.Warn("failed to persist run", "error", err)
	}
}

func printSplit(name string, s backtest.SplitResult) {
	printMetrics(name, s.Metrics, len(s.Trades))
}

func printMetrics(name string, m types.PerformanceMetrics, trades int) {
	fmt.Printf("%-14s return %7.2f%%  sharpe %5.2f  sortino %5.2f  maxdd %6.2f%%  winrate %5.1f%%  trades %d\n",
		name, m.TotalReturn*100, m.Sharpe, m.Sortino,
		m.MaxDrawdown*100, m.WinRate*100, trades)
}

// ——————————————————————————————————————————————————————————————————————
// cancel-order / kill-switch
// ——————————————————————————————————————————————————————————————————————

func newCancelOrderCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-order <order-id>",
		Short: "Cancel an open order by internal ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return configErr(fmt.Errorf("invalid order id %q: %w", args[0], err))
			}
			eng, err := engine.New(st.cfg, st.logger)
			if err != nil {
				return runtimeErr(fmt.Errorf("create engine: %w", err))
			}
			defer eng.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.Services().OMS.CancelOrder(ctx, orderID); err != nil {
				return runtimeErr(fmt.Errorf("cancel order: %w", err))
			}
			fmt.Printf("order %s cancelled\n", orderID)
			return nil
		},
	}
}

func newKillSwitchCmd(st *cliState) *cobra.Command {
	var activate, deactivate bool
	var reason string
	cmd := &cobra.Command{
		Use:   "kill-switch <scope>",
		Short: "Activate or deactivate the kill switch for a scope (book ID or 'global')",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if activate == deactivate {
				return configErr(fmt.Errorf("exactly one of --activate or --deactivate is required"))
			}
			scope := args[0]

			db, err := store.Open(st.cfg.Store.DSN, st.logger)
			if err != nil {
				return runtimeErr(fmt.Errorf("open store: %w", err))
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := db.SetKillSwitch(ctx, scope, activate, reason); err != nil {
				return runtimeErr(fmt.Errorf("set kill switch: %w", err))
			}
			state := "deactivated"
			if activate {
				state = "activated"
			}
			fmt.Printf("kill switch %s for scope %s\n", state, scope)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "halt all order flow for the scope")
	cmd.Flags().BoolVar(&deactivate, "deactivate", false, "resume order flow for the scope")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the audit log")
	return cmd
}

// ——————————————————————————————————————————————————————————————————————
// CSV bar loading
// ——————————————————————————————————————————————————————————————————————

// loadCSVBars reads date,open,high,low,close,volume rows. A header row is
// detected and skipped. Dates accept RFC3339 or YYYY-MM-DD.
func loadCSVBars(path string) ([]types.OHLCVBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse bars %s: %w", path, err)
	}

	bars := make([]types.OHLCVBar, 0, len(rows))
	for i, row := range rows {
		date, err := parseBarDate(row[0])
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		var vals [5]float64
		for j := 1; j < 6; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d col %d: %w", path, i+1, j+1, err)
			}
			vals[j-1] = v
		}
		bars = append(bars, types.OHLCVBar{
			Date: date, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: no bars", path)
	}
	return bars, nil
}

func parseBarDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}

// dateRange resolves the simulation window: explicit flags win, otherwise
// the span of the loaded data.
func dateRange(startFlag, endFlag string, frames map[string]backtest.Frame) (time.Time, time.Time, error) {
	var start, end time.Time
	for _, f := range frames {
		if len(f.Bars) == 0 {
			continue
		}
		if start.IsZero() || f.Bars[0].Date.Before(start) {
			start = f.Bars[0].Date
		}
		if last := f.Bars[len(f.Bars)-1].Date; last.After(end) {
			end = last
		}
	}
	if startFlag != "" {
		t, err := parseBarDate(startFlag)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if endFlag != "" {
		t, err := parseBarDate(endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	if !start.Before(end) {
		// Equal timestamps happen with a single bar; pad so validation passes.
		end = start.Add(24 * time.Hour)
	}
	return start, end, nil
}
