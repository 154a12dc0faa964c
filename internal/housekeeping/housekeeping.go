// Package housekeeping runs periodic maintenance sweeps on a cron
// schedule: purging stale conflict sessions, flushing usage numbers, and
// whatever else callers register.
package housekeeping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Task is one registered sweep.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Keeper schedules the sweeps.
type Keeper struct {
	schedule string
	gron     *gronx.Gronx

	mu    sync.Mutex
	tasks []Task

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a keeper with a cron expression. An invalid expression
// falls back to the default schedule.
func New(schedule string) *Keeper {
	g := gronx.New()
	if schedule == "" || !g.IsValid(schedule) {
		if schedule != "" {
			slog.Warn("housekeeping: invalid cron expression, using default", "schedule", schedule)
		}
		schedule = DefaultSchedule
	}
	return &Keeper{schedule: schedule, gron: g, stop: make(chan struct{})}
}

// Register adds a sweep task.
func (k *Keeper) Register(name string, run func(ctx context.Context)) {
	k.mu.Lock()
	k.tasks = append(k.tasks, Task{Name: name, Run: run})
	k.mu.Unlock()
}

// Start begins checking the schedule once per minute, firing every
// registered task when the expression matches.
func (k *Keeper) Start(ctx context.Context) {
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-k.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			due, err := k.gron.IsDue(k.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			k.RunAll(ctx)
		}
	}()
}

// RunAll fires every task immediately. Shutdown uses this for a final
// sweep.
func (k *Keeper) RunAll(ctx context.Context) {
	k.mu.Lock()
	tasks := append([]Task{}, k.tasks...)
	k.mu.Unlock()

	for _, task := range tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("housekeeping: task panic", "task", task.Name, "panic", r)
				}
			}()
			task.Run(ctx)
		}()
		slog.Debug("housekeeping: swept", "task", task.Name)
	}
}

// Stop halts the schedule loop.
func (k *Keeper) Stop() {
	select {
	case <-k.stop:
	default:
		close(k.stop)
	}
	k.wg.Wait()
}
