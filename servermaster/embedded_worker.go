package servermaster

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/executor"
	"github.com/hanfei1991/dagsched/executor/worker"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

const (
	defaultEmbeddedWorkerID              = "embedded"
	defaultEmbeddedWorkerShutdownTimeout = 30 * time.Second
)

// EmbeddedWorkerConfig runs a worker inside the supervisor. Tasks routed to
// it are delivered in process, other supervisors reach it on the
// supervisor address.
type EmbeddedWorkerConfig struct {
	Enable          bool          `toml:"enable" json:"enable"`
	Group           string        `toml:"group" json:"group"`
	WorkerID        string        `toml:"worker-id" json:"worker-id"`
	WorkerToken     string        `toml:"worker-token" json:"-"`
	Concurrency     int           `toml:"concurrency" json:"concurrency"`
	ShutdownTimeout time.Duration `toml:"shutdown-timeout" json:"shutdown-timeout"`
}

// Adjust validates the config.
func (c *EmbeddedWorkerConfig) Adjust() error {
	if !c.Enable {
		return nil
	}
	if c.Group == "" {
		return errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker group is empty")
	}
	if c.WorkerID == "" {
		c.WorkerID = defaultEmbeddedWorkerID
	}
	if strings.Contains(c.Group, ":") || strings.Contains(c.WorkerID, ":") {
		return errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker group and id must not contain ':'")
	}
	if c.Concurrency < 0 {
		return errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker concurrency is negative")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultEmbeddedWorkerShutdownTimeout
	}
	return nil
}

// worker returns the embedded worker announced at addr.
func (c *EmbeddedWorkerConfig) worker(addr string) (model.Worker, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker addr: " + err.Error())
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker addr port " + port)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return model.Worker{}, errors.ErrInvalidConfig.GenWithStackByArgs("embedded worker needs a dialable supervisor addr")
	}
	return model.Worker{Group: c.Group, WorkerID: c.WorkerID, Host: host, Port: p}, nil
}

// localSupervisor answers the embedded worker from the job manager of the
// same process.
type localSupervisor struct {
	jm *JobManager
}

func (s *localSupervisor) StartTask(ctx context.Context, param *model.StartTaskParam) (*model.StartTaskResult, error) {
	return s.jm.StartTask(ctx, param)
}

func (s *localSupervisor) StopTask(ctx context.Context, param *model.StopTaskParam) (bool, error) {
	return s.jm.StopTask(ctx, param)
}

func (s *localSupervisor) UpdateTaskWorker(ctx context.Context, taskID int64, worker string) (bool, error) {
	return s.jm.UpdateTaskWorker(ctx, taskID, worker)
}

func (s *localSupervisor) Checkpoint(ctx context.Context, taskID int64, snapshot string) error {
	_, err := s.jm.Checkpoint(ctx, taskID, snapshot)
	return err
}

func (s *localSupervisor) UpdateTaskErrorMsg(ctx context.Context, taskID int64, errorMsg string) error {
	_, err := s.jm.UpdateTaskErrorMsg(ctx, taskID, errorMsg)
	return err
}

func (s *localSupervisor) Close() {}

type embeddedWorker struct {
	cfg        EmbeddedWorkerConfig
	worker     model.Worker
	supervisor *localSupervisor
	runner     *worker.TaskRunner
	service    *executor.WorkerService
}

// newEmbeddedWorker creates the embedded worker listening on addr. It
// answers nothing until bind gives it the job manager.
func newEmbeddedWorker(cfg EmbeddedWorkerConfig, addr string, handlers *handler.Registry, opts ...worker.TaskRunnerOption) (*embeddedWorker, error) {
	w, err := cfg.worker(addr)
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = runtime.NumCPU()
	}
	supervisor := &localSupervisor{}
	runner := worker.NewTaskRunner(w, concurrency, supervisor, handlers, opts...)
	return &embeddedWorker{
		cfg:        cfg,
		worker:     w,
		supervisor: supervisor,
		runner:     runner,
		service:    executor.NewWorkerService(w.Group, cfg.WorkerToken, runner, handlers),
	}, nil
}

func (w *embeddedWorker) bind(jm *JobManager) {
	w.supervisor.jm = jm
}

func (w *embeddedWorker) register(ctx context.Context, registry srvdiscovery.Registry) error {
	if err := registry.Register(ctx, w.worker); err != nil {
		return err
	}
	log.L().Info("embedded worker registered",
		zap.Stringer("worker", w.worker),
		zap.Int("concurrency", w.cfg.Concurrency))
	return nil
}

// shutdown withdraws the worker and hands its running tasks back to the
// job manager.
func (w *embeddedWorker) shutdown(registry srvdiscovery.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if err := registry.Deregister(ctx, w.worker); err != nil {
		log.L().Warn("deregister embedded worker failed", zap.Stringer("worker", w.worker), zap.Error(err))
	}
	if err := w.runner.Shutdown(ctx); err != nil {
		log.L().Warn("embedded worker shutdown failed",
			zap.Int("workload", w.runner.Workload()),
			zap.Int("pending-reports", w.runner.PendingReports()),
			zap.Error(err))
	}
}
