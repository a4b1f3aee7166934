// Package schedule runs periodic maintenance jobs: challenge timeout
// sweeps and scheduled ward rotation.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic task. Run errors are logged and the job keeps its
// schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler ticks every registered job until its context ends.
type Scheduler struct {
	jobs []Job
	log  *zap.Logger
}

// New returns an empty Scheduler.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log.Named("schedule")}
}

// Add registers j. Jobs with a non-positive interval are disabled.
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 || j.Run == nil {
		s.log.Info("job disabled", zap.String("job", j.Name))
		return
	}
	s.jobs = append(s.jobs, j)
}

// Jobs returns the enabled job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Run blocks until ctx is done and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	<-ctx.Done()
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("job failed", zap.String("job", j.Name), zap.Error(err))
				continue
			}
			s.log.Debug("job ran", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
		}
	}
}
