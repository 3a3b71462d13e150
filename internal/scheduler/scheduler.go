// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/injectwatch/internal/types"
)

// SweepFunc aborts idle sessions as of now and returns their ids.
type SweepFunc func(now time.Time) []types.SessionID

// Scheduler runs the periodic maintenance jobs: currently the idle-session
// sweep, which catches sessions whose frame stream stopped altogether.
type Scheduler struct {
	schedule string
	sweep    SweepFunc
	clock    func() time.Time
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 10s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler that calls sweep on the given cron schedule.
func New(schedule string, sweep SweepFunc) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		sweep:    sweep,
		clock:    time.Now,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start validates the schedule, registers the sweep and starts the cron
// ticker.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("schedule idle sweep %q: %w", s.schedule, err)
	}
	slog.Info("scheduled idle sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

func (s *Scheduler) run() {
	aborted := s.sweep(s.clock())
	for _, id := range aborted {
		slog.Info("idle sweep aborted session", "session_id", string(id))
	}
}

// Stop stops the cron ticker and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
