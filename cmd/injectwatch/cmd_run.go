package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/user/injectwatch/internal/config"
	"github.com/user/injectwatch/internal/delivery"
	"github.com/user/injectwatch/internal/gateway"
	"github.com/user/injectwatch/internal/httpapi"
	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/orchestrator"
	"github.com/user/injectwatch/internal/perception"
	"github.com/user/injectwatch/internal/scheduler"
	"github.com/user/injectwatch/internal/types"
)

func init() {
	rootCmd.AddCommand(runCmd, scenariosCmd)

	runCmd.Flags().String("profile", "", "stored profile to run with (defaults to the scenario's)")
	runCmd.Flags().Bool("realtime", false, "pace frames at the scenario frame rate through the gateway")
	runCmd.Flags().Bool("http", false, "serve the local status API while running")
	runCmd.Flags().Bool("hold", false, "keep serving after the session ends until interrupted")
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the built-in scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range perception.BuiltinScenarios() {
			sc, err := perception.LoadScenario(name)
			if err != nil {
				return err
			}
			fmt.Printf("%-14s %s\n", name, sc.Description)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run a simulated injection session",
	Long: "Run a scenario through the monitoring pipeline using the simulated\n" +
		"perception backends and feedback channels. <scenario> is a built-in\n" +
		"name (see 'injectwatch scenarios') or a path to a YAML file.",
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	sc, err := perception.LoadScenario(args[0])
	if err != nil {
		return err
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	profile := sc.Profile
	if name, _ := cmd.Flags().GetString("profile"); name != "" {
		p, err := st.profiles.Get(context.Background(), name)
		if err != nil {
			return err
		}
		profile = *p
	}
	if profile.Name == "" {
		profile.Name = sc.Name
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(reg)

	start := time.Now()
	sim := perception.NewSimulator(sc, start)
	sinks, _ := delivery.NewSimRegistry(cfg.Feedback.SinkLatency.Duration)
	slog.Debug("feedback sinks", "channels", sinks.Channels())

	o, err := orchestrator.New(orchestrator.Deps{
		Capabilities: sim.Capabilities(),
		Sinks:        sinks,
		Sessions:     st.sessions,
		Events:       st.events,
		Summaries:    st.summaries,
		Metrics:      m,
	}, cfg.Options())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serve, _ := cmd.Flags().GetBool("http")
	serve = serve || cfg.HTTP.Enabled
	var wg sync.WaitGroup
	srvCtx, stopSrv := context.WithCancel(ctx)
	defer func() {
		stopSrv()
		wg.Wait()
	}()
	if serve {
		srv := httpapi.NewServer(o, st.sessions, st.events, reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(srvCtx, cfg.HTTP.Listen); err != nil {
				slog.Error("status api stopped", "error", err)
			}
		}()
	}

	id, err := o.StartSession(ctx, profile)
	if err != nil {
		return err
	}
	slog.Info("session started",
		"session_id", string(id),
		"scenario", sc.Name,
		"profile", profile.Name,
		"storage", cfg.Storage.Driver,
	)

	realtime, _ := cmd.Flags().GetBool("realtime")
	frames := sc.Frames(start)
	if realtime {
		err = runRealtime(ctx, cfg, o, m, id, frames)
	} else {
		err = runFast(ctx, o, id, frames)
	}
	if err != nil && !errors.Is(err, orchestrator.ErrSessionClosed) && !errors.Is(err, orchestrator.ErrSessionNotFound) {
		slog.Error("scenario run failed", "error", err)
	}

	// A scenario can end before the pipeline reaches a terminal phase.
	if _, err := o.AbortSession(context.Background(), id, ""); err == nil {
		slog.Warn("scenario ended before the session finished", "session_id", string(id))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(closeCtx); err != nil {
		slog.Error("close pipeline", "error", err)
	}
	if n := o.StorageFailures(); n > 0 {
		slog.Warn("record writes failed", "count", n)
	}

	summary, err := st.summaries.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}
	if err := printSummary(summary); err != nil {
		return err
	}

	if hold, _ := cmd.Flags().GetBool("hold"); hold && serve {
		fmt.Fprintf(os.Stderr, "\nStatus API on http://%s, Ctrl-C to exit\n", cfg.HTTP.Listen)
		<-ctx.Done()
	}
	return nil
}

// runFast feeds frames back to back; frame timestamps still drive the
// pipeline clock.
func runFast(ctx context.Context, o *orchestrator.Orchestrator, id types.SessionID, frames []types.Frame) error {
	for _, frame := range frames {
		res, err := o.ProcessFrame(ctx, id, frame)
		if err != nil {
			return err
		}
		if res.Outcome != nil {
			return nil
		}
	}
	return nil
}

// runRealtime submits each frame at its wall-clock time through the gateway
// while the idle sweeper runs.
func runRealtime(ctx context.Context, cfg *config.Config, o *orchestrator.Orchestrator, m *metrics.Metrics, id types.SessionID, frames []types.Frame) error {
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	gw := gateway.New(func(ctx context.Context, sid types.SessionID, frame types.Frame) error {
		res, err := o.ProcessFrame(ctx, sid, frame)
		if err != nil {
			if errors.Is(err, orchestrator.ErrSessionClosed) || errors.Is(err, orchestrator.ErrSessionNotFound) {
				finish()
			}
			return err
		}
		if res.Outcome != nil {
			finish()
		}
		return nil
	}, m, int64(cfg.Pipeline.MaxConcurrent), cfg.Pipeline.LaneSize)
	gw.Start(ctx)
	defer gw.Stop()

	sched := scheduler.New(cfg.Pipeline.SweepSchedule, func(now time.Time) []types.SessionID {
		aborted := o.SweepIdle(now)
		for _, sid := range aborted {
			if sid == id {
				finish()
			}
		}
		return aborted
	})
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	var failed, dropped atomic.Int64
	onDone := gateway.WithOnDone(func(err error) {
		if err != nil && !errors.Is(err, orchestrator.ErrSessionClosed) && !errors.Is(err, orchestrator.ErrSessionNotFound) {
			failed.Add(1)
		}
	})
	defer func() {
		if n, d := failed.Load(), dropped.Load(); n > 0 || d > 0 {
			slog.Warn("frames lost", "session_id", string(id), "failed", n, "dropped", d)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for _, frame := range frames {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(frame.At))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			gw.Release(id)
			if !gw.Queue.WaitIdle(cfg.Pipeline.DrainTimeout.Duration) {
				slog.Warn("frames still running after session ended", "session_id", string(id))
			}
			return nil
		case <-timer.C:
		}
		err := gw.Submit(id, frame, onDone)
		switch {
		case errors.Is(err, gateway.ErrLaneFull):
			dropped.Add(1)
		case err != nil:
			return err
		}
	}
	gw.Release(id)
	// Stop drains the released lane before returning.
	gw.Stop()
	return nil
}
