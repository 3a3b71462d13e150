package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/injectwatch/internal/config"
	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "injectwatch",
	Short:         "Insulin injection monitoring pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// stores bundles the record stores selected by the config.
type stores struct {
	sessions  *state.SessionStore
	events    types.EventStore
	summaries *state.SummaryStore
	profiles  *state.ProfileStore
	closeFn   func() error
}

func openStores(cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	summaries, err := state.NewSummaryStore(cfg.DataDir, cfg.Storage.SummaryCache)
	if err != nil {
		return nil, err
	}
	st := &stores{
		sessions:  state.NewSessionStore(cfg.DataDir),
		summaries: summaries,
		profiles:  state.NewProfileStore(cfg.ProfilesPath()),
		closeFn:   func() error { return nil },
	}
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := state.NewSQLiteEventStore(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		st.events = db
		st.closeFn = db.Close
	default:
		st.events = state.NewEventStore(cfg.DataDir)
	}
	return st, nil
}

func (s *stores) Close() error { return s.closeFn() }
