package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Rotator resets the usage period of every tenant on a cron schedule. Period
// rotation is otherwise only triggered explicitly.
type Rotator struct {
	ledger   *Ledger
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRotator creates a rotator for a standard five-field cron expression,
// for example "0 0 1 * *" for midnight on the first of every month.
func NewRotator(ledger *Ledger, schedule string) (*Rotator, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", schedule, err)
	}
	return &Rotator{
		ledger:   ledger,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "usage.rotator"),
	}, nil
}

// Start schedules the rotation. It stops when ctx is cancelled or Stop is called.
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule period reset: %w", err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info("Usage period rotation scheduled", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Run resets every tenant once.
func (r *Rotator) Run(ctx context.Context) {
	r.logger.Info("Starting scheduled usage period reset")

	n, err := r.ledger.ResetAll(ctx)
	if err != nil {
		r.logger.Error("Scheduled usage period reset incomplete", "reset", n, "error", err)
		return
	}
	r.logger.Info("Scheduled usage period reset completed", "reset", n)
}

// Stop stops the schedule and waits for a running reset to finish.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("Usage period rotation stopped")
}
