// Command canvas-loadtest simulates painters against a running canvas
// server and checks that every painter converged on the server's pixels.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"place-canvas/internal/envelope"
)

// TestPlan is a named load level.
type TestPlan struct {
	Name     string
	Painters int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var testPlans = map[string]TestPlan{
	"light":  {Name: "Light Load", Painters: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
	"medium": {Name: "Medium Load", Painters: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
	"heavy":  {Name: "Heavy Load", Painters: 50, Duration: 3 * time.Minute, Scenario: "contested", RampUp: 30 * time.Second},
	"stress": {Name: "Stress Test", Painters: 100, Duration: 5 * time.Minute, Scenario: "aggressive", RampUp: time.Minute},
}

var planOrder = []string{"light", "medium", "heavy", "stress"}

// SimulationConfig holds one run's parameters.
type SimulationConfig struct {
	Server          *url.URL
	CanvasSize      int
	Plan            TestPlan
	MetricsInterval time.Duration
	// Settle is how long painters keep listening after the last stroke.
	Settle time.Duration
	Check  bool
}

// Report summarizes a run.
type Report struct {
	Plan       string
	Duration   time.Duration
	Painted    int64
	Received   int64
	Metas      int64
	Errors     int64
	Latency    time.Duration
	P99        time.Duration
	Mismatches []Mismatch
	Checked    int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server    string
		planName  string
		painters  int
		duration  time.Duration
		scenario  string
		rampUp    time.Duration
		interval  time.Duration
		settle    time.Duration
		size      int
		check     bool
		verbose   bool
		pauseNext time.Duration
	)
	fs := pflag.NewFlagSet("canvas-loadtest", pflag.ContinueOnError)
	fs.StringVar(&server, "server", "http://localhost:8080", "server base URL")
	fs.StringVar(&planName, "plan", "", "light, medium, heavy, stress or all; overrides the per-run flags")
	fs.IntVar(&painters, "painters", 10, "number of simulated painters")
	fs.DurationVar(&duration, "duration", 2*time.Minute, "painting time")
	fs.StringVar(&scenario, "scenario", "normal", "normal, aggressive or contested")
	fs.DurationVar(&rampUp, "rampup", 10*time.Second, "time to connect every painter")
	fs.DurationVar(&interval, "metrics", 5*time.Second, "progress report interval")
	fs.DurationVar(&settle, "settle", 2*time.Second, "listening time after painting stops")
	fs.IntVar(&size, "canvas-size", 0, "canvas size (default: read from /meta)")
	fs.BoolVar(&check, "check", true, "compare painters with the server after the run")
	fs.BoolVar(&verbose, "verbose", false, "debug logging")
	fs.DurationVar(&pauseNext, "pause", 30*time.Second, "pause between plans with --plan all")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	base, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if size == 0 {
		if size, err = fetchCanvasSize(ctx, base); err != nil {
			return err
		}
	}

	var plans []TestPlan
	switch planName {
	case "":
		plans = []TestPlan{{Name: "Custom", Painters: painters, Duration: duration, Scenario: scenario, RampUp: rampUp}}
	case "all":
		for _, name := range planOrder {
			plans = append(plans, testPlans[name])
		}
	default:
		p, ok := testPlans[planName]
		if !ok {
			return fmt.Errorf("unknown plan %q", planName)
		}
		plans = []TestPlan{p}
	}

	failed := false
	for i, plan := range plans {
		report, err := RunSimulation(ctx, SimulationConfig{
			Server:          base,
			CanvasSize:      size,
			Plan:            plan,
			MetricsInterval: interval,
			Settle:          settle,
			Check:           check,
		}, logger)
		if err != nil {
			return err
		}
		report.Print(os.Stdout)
		if len(report.Mismatches) > 0 {
			failed = true
		}

		if i < len(plans)-1 {
			logger.Info("pausing before next plan", "pause", pauseNext)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseNext):
			}
		}
	}
	if failed {
		return errors.New("painters diverged from the server")
	}
	return nil
}

func fetchCanvasSize(ctx context.Context, base *url.URL) (int, error) {
	u := *base
	u.Path = "/meta"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("read canvas size: %w", err)
	}
	defer resp.Body.Close()
	var meta envelope.Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return 0, fmt.Errorf("read canvas size: %w", err)
	}
	if meta.CanvasSize <= 0 {
		return 0, fmt.Errorf("server reported canvas size %d", meta.CanvasSize)
	}
	return meta.CanvasSize, nil
}

// RunSimulation connects the plan's painters gradually, lets them paint for
// the plan's duration, then optionally checks consistency.
func RunSimulation(ctx context.Context, cfg SimulationConfig, logger *slog.Logger) (*Report, error) {
	scenario, ok := scenarios[cfg.Plan.Scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", cfg.Plan.Scenario)
	}
	logger.Info("starting simulation", "plan", cfg.Plan.Name, "painters", cfg.Plan.Painters, "scenario", scenario.Name)

	metrics := &Metrics{Start: time.Now()}
	checker := NewConsistencyChecker(cfg.Server, nil)

	stopReports := make(chan struct{})
	go reportMetrics(logger, metrics, cfg.MetricsInterval, stopReports)

	paintCtx, cancel := context.WithTimeout(ctx, cfg.Plan.RampUp+cfg.Plan.Duration)
	defer cancel()

	var (
		mu       sync.Mutex
		painters []*Painter
		wg       sync.WaitGroup
	)
	step := time.Duration(0)
	if cfg.Plan.Painters > 1 {
		step = cfg.Plan.RampUp / time.Duration(cfg.Plan.Painters)
	}

ramp:
	for i := 0; i < cfg.Plan.Painters; i++ {
		p := NewPainter(cfg.Server, cfg.CanvasSize, metrics, checker, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			for attempt := 1; attempt <= 3; attempt++ {
				if err = p.Connect(paintCtx); err == nil {
					break
				}
				logger.Warn("connect failed", "painter", p.ID, "attempt", attempt, "error", err)
				time.Sleep(time.Second)
			}
			if err != nil {
				metrics.Errors.Add(1)
				return
			}
			mu.Lock()
			painters = append(painters, p)
			mu.Unlock()
			p.Simulate(paintCtx, scenario)
		}()

		select {
		case <-paintCtx.Done():
			break ramp
		case <-time.After(step):
		}
	}
	wg.Wait()

	// in-flight broadcasts still need to reach everyone
	select {
	case <-ctx.Done():
	case <-time.After(cfg.Settle):
	}
	close(stopReports)

	report := &Report{
		Plan:     cfg.Plan.Name,
		Duration: time.Since(metrics.Start),
		Painted:  metrics.Painted.Load(),
		Received: metrics.Received.Load(),
		Metas:    metrics.Metas.Load(),
		Errors:   metrics.Errors.Load(),
	}
	if cfg.Check {
		checkCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		mismatches, err := checker.Check(checkCtx, cfg.CanvasSize)
		cancel()
		if err != nil {
			logger.Error("consistency check failed", "error", err)
		}
		report.Mismatches = mismatches
		report.Checked = len(checker.Pixels())
	}

	var all []time.Duration
	for _, p := range painters {
		all = append(all, p.Latencies()...)
		p.Disconnect()
	}
	report.Latency, report.P99 = latencyStats(all)
	return report, nil
}

func latencyStats(ds []time.Duration) (avg, p99 time.Duration) {
	if len(ds) == 0 {
		return 0, 0
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds)), ds[(len(ds)*99)/100]
}

func reportMetrics(logger *slog.Logger, m *Metrics, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed := time.Since(m.Start)
			painted := m.Painted.Load()
			logger.Info("progress",
				"elapsed", elapsed.Round(time.Second),
				"connected", m.Connected.Load(),
				"painted", painted,
				"received", m.Received.Load(),
				"errors", m.Errors.Load(),
				"paints_per_sec", fmt.Sprintf("%.2f", float64(painted)/elapsed.Seconds()))
		}
	}
}

// Print writes the final report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\n=== %s ===\n", r.Plan)
	fmt.Fprintf(w, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Pixels painted: %d\n", r.Painted)
	fmt.Fprintf(w, "Pixel envelopes received: %d\n", r.Received)
	fmt.Fprintf(w, "Meta envelopes received: %d\n", r.Metas)
	fmt.Fprintf(w, "Errors: %d\n", r.Errors)
	if r.Latency > 0 {
		fmt.Fprintf(w, "Paint to echo latency: avg %v, p99 %v\n", r.Latency, r.P99)
	}
	if attempts := r.Painted + r.Errors; attempts > 0 {
		fmt.Fprintf(w, "Success rate: %.2f%%\n", float64(r.Painted)/float64(attempts)*100)
	}
	if r.Checked > 0 {
		fmt.Fprintf(w, "Consistency: %d pixels checked, %d mismatches\n", r.Checked, len(r.Mismatches))
		for i, m := range r.Mismatches {
			if i == 10 {
				fmt.Fprintf(w, "  ... %d more\n", len(r.Mismatches)-10)
				break
			}
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
}
