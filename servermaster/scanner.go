package servermaster

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

const (
	scannerTriggering = "triggering"
	scannerWaiting    = "waiting"
	scannerRunning    = "running"
)

// ScannerConfig tunes the background scanners of the supervisor.
type ScannerConfig struct {
	TriggeringPeriod time.Duration `toml:"triggering-period" json:"triggering-period"`
	// TriggeringLookahead lets jobs due within the window trigger early,
	// workers hold the task until its trigger time.
	TriggeringLookahead time.Duration `toml:"triggering-lookahead" json:"triggering-lookahead"`
	WaitingPeriod       time.Duration `toml:"waiting-period" json:"waiting-period"`
	RunningPeriod       time.Duration `toml:"running-period" json:"running-period"`
	BatchSize           int           `toml:"batch-size" json:"batch-size"`
	// Rate caps the rows handled per second by each scanner.
	Rate float64 `toml:"rate" json:"rate"`
}

// DefaultScannerConfig returns the default scanner config.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		TriggeringPeriod:    time.Second,
		TriggeringLookahead: 3 * time.Second,
		WaitingPeriod:       15 * time.Second,
		RunningPeriod:       30 * time.Second,
		BatchSize:           200,
		Rate:                100,
	}
}

// Adjust validates the config.
func (c *ScannerConfig) Adjust() error {
	if c.TriggeringPeriod <= 0 || c.WaitingPeriod <= 0 || c.RunningPeriod <= 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("scanner periods must be positive")
	}
	if c.BatchSize <= 0 || c.Rate <= 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("scanner batch-size and rate must be positive")
	}
	if c.TriggeringLookahead < 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("triggering-lookahead must not be negative")
	}
	return nil
}

// Scanners fire due jobs and recover instances whose progress stalled,
// e.g. because their worker died or a delivery was lost.
type Scanners struct {
	cfg ScannerConfig
	jm  *JobManager
	// one limiter per scanner, they run concurrently
	limiters map[string]*rate.Limiter
}

// NewScanners creates the scanners driving jm.
func NewScanners(cfg ScannerConfig, jm *JobManager) *Scanners {
	s := &Scanners{cfg: cfg, jm: jm, limiters: make(map[string]*rate.Limiter)}
	for _, name := range []string{scannerTriggering, scannerWaiting, scannerRunning} {
		s.limiters[name] = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.BatchSize)
	}
	return s
}

// Run runs every scanner until ctx is done.
func (s *Scanners) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, scannerTriggering, s.cfg.TriggeringPeriod, s.ScanTriggeringJobs)
	})
	g.Go(func() error {
		return s.loop(ctx, scannerWaiting, s.cfg.WaitingPeriod, s.ScanWaitingInstances)
	})
	g.Go(func() error {
		return s.loop(ctx, scannerRunning, s.cfg.RunningPeriod, s.ScanRunningInstances)
	})
	return g.Wait()
}

func (s *Scanners) loop(ctx context.Context, name string, period time.Duration, scan func(context.Context) (int, error)) error {
	ticker := s.jm.clk.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			n, err := scan(ctx)
			if err != nil {
				if errors.Cause(err) == context.Canceled {
					return errors.Trace(err)
				}
				scanCounter.WithLabelValues(name, "error").Inc()
				log.L().Warn("scan failed", zap.String("scanner", name), zap.Error(err))
				continue
			}
			if n > 0 {
				scanCounter.WithLabelValues(name, "ok").Add(float64(n))
			}
		}
	}
}

// ScanTriggeringJobs fires the jobs due within the lookahead window.
func (s *Scanners) ScanTriggeringJobs(ctx context.Context) (int, error) {
	maxNext := s.jm.now().Add(s.cfg.TriggeringLookahead).UnixMilli()
	jobs, err := s.jm.store.FindBeTriggeringJobs(ctx, maxNext, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := s.limiters[scannerTriggering].Wait(ctx); err != nil {
			return n, errors.Trace(err)
		}
		ok, err := s.jm.ScheduleJob(ctx, job)
		if err != nil {
			log.L().Warn("schedule job failed", zap.Int64("job-id", job.JobID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ScanWaitingInstances redelivers the WAITING tasks of instances that did
// not start in time and purges the ones that have no WAITING task left.
func (s *Scanners) ScanWaitingInstances(ctx context.Context) (int, error) {
	return s.scanExpired(ctx, scannerWaiting, model.RunStateWaiting, func(inst *model.Instance, tasks []*model.Task) error {
		waiting := waitingTasks(tasks)
		if len(waiting) > 0 {
			return s.jm.redispatch(ctx, inst, waiting)
		}
		_, err := s.jm.PurgeInstance(ctx, inst.InstanceID)
		return err
	})
}

// ScanRunningInstances purges RUNNING instances none of whose tasks runs
// on a live worker, WAITING tasks of such instances are redelivered first.
func (s *Scanners) ScanRunningInstances(ctx context.Context) (int, error) {
	return s.scanExpired(ctx, scannerRunning, model.RunStateRunning, func(inst *model.Instance, tasks []*model.Task) error {
		for _, task := range tasks {
			if task.IsExecuting() && s.jm.isAliveWorker(task.Worker) {
				return nil
			}
		}
		waiting := waitingTasks(tasks)
		if len(waiting) > 0 {
			return s.jm.redispatch(ctx, inst, waiting)
		}
		_, err := s.jm.PurgeInstance(ctx, inst.InstanceID)
		return err
	})
}

func (s *Scanners) scanExpired(
	ctx context.Context, name string, state model.RunState,
	handle func(inst *model.Instance, tasks []*model.Task) error,
) (int, error) {
	now := s.jm.now()
	instances, err := s.jm.store.FindExpireInstances(ctx, state, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range instances {
		if err := s.limiters[name].Wait(ctx); err != nil {
			return n, errors.Trace(err)
		}
		// the version check makes one supervisor handle the instance per round
		ok, err := s.jm.store.UpdateNextScanTime(ctx, inst.InstanceID, s.jm.nextScanTime(now.UnixMilli()), inst.Version)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		tasks, err := s.jm.store.FindTasks(ctx, inst.InstanceID)
		if err != nil {
			return n, err
		}
		if err := handle(inst, tasks); err != nil {
			log.L().Warn("recover instance failed",
				zap.String("scanner", name), zap.Int64("instance-id", inst.InstanceID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func waitingTasks(tasks []*model.Task) []*model.Task {
	var waiting []*model.Task
	for _, task := range tasks {
		if task.IsWaiting() {
			waiting = append(waiting, task)
		}
	}
	return waiting
}

// redispatch delivers tasks of inst again.
func (jm *JobManager) redispatch(ctx context.Context, inst *model.Instance, tasks []*model.Task) error {
	job, err := jm.store.GetJob(ctx, inst.JobID)
	if err != nil {
		return err
	}
	log.L().Info("redispatch tasks", zap.Int64("instance-id", inst.InstanceID), zap.Int("count", len(tasks)))
	jm.dispatch(ctx, job, inst, tasks)
	return nil
}
