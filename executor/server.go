package executor

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/executor/worker"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/handler"
	"github.com/hanfei1991/dagsched/pkg/promutil"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

// Server is the worker process. It serves pb.WorkerServer through the
// embedded WorkerService, announces itself in the registry and runs the
// delivered tasks.
type Server struct {
	cfg      *Config
	handlers *handler.Registry

	worker     model.Worker
	supervisor client.SupervisorClient
	registry   srvdiscovery.WorkerRegistry
	runner     *worker.TaskRunner

	*WorkerService
}

// NewServer creates a worker from cfg. Run opens its resources.
func NewServer(cfg *Config) *Server {
	return &Server{cfg: cfg, handlers: handler.NewRegistry()}
}

// Handlers returns the handlers the worker runs. Register custom handlers
// before Run.
func (s *Server) Handlers() *handler.Registry {
	return s.handlers
}

func (s *Server) init(ctx context.Context, metric hostMetric) error {
	w, err := s.cfg.advertisedWorker()
	if err != nil {
		return err
	}
	if w.WorkerID == "" {
		w.WorkerID = metric.Hostname
	}
	if w.WorkerID == "" {
		w.WorkerID = strconv.Itoa(w.Port)
	}
	s.worker = w

	concurrency := s.cfg.Concurrency
	if concurrency == 0 {
		concurrency = metric.CPUProcessors
	}

	s.supervisor, err = client.NewSupervisorClient(ctx, s.cfg.SupervisorAddrs, s.cfg.RPCTimeout)
	if err != nil {
		return err
	}
	s.registry, err = srvdiscovery.NewWorkerRegistry(ctx, s.cfg.Registry)
	if err != nil {
		return err
	}
	s.runner = worker.NewTaskRunner(s.worker, concurrency, s.supervisor, s.handlers)
	s.WorkerService = NewWorkerService(s.worker.Group, s.cfg.WorkerToken, s.runner, s.handlers)
	return nil
}

// Run starts the worker and blocks until ctx is done or a component fails.
// Running tasks are handed back to the supervisor before it returns.
func (s *Server) Run(ctx context.Context) error {
	metric := collectHostMetric(ctx)
	if err := s.init(ctx, metric); err != nil {
		s.close()
		return err
	}
	defer s.close()

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Trace(err)
	}
	defer lis.Close()
	if err := s.registry.Register(ctx, s.worker); err != nil {
		return err
	}
	log.L().Info("worker registered", append(metric.fields(), zap.Stringer("worker", s.worker))...)

	grpcServer := grpc.NewServer(rpcutil.ServerOptions()...)
	pb.RegisterWorkerServer(grpcServer, s)

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promutil.HTTPHandlerForMetric())
		metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.L().Info("worker serving", zap.String("addr", s.cfg.Addr), zap.Stringer("worker", s.worker))
		return errors.Trace(grpcServer.Serve(lis))
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Trace(err)
			}
			return nil
		})
	}
	// keeps the registration alive
	g.Go(func() error { return s.registry.Run(gctx) })
	g.Go(func() error { return s.runner.Run(gctx) })
	g.Go(func() error { return s.observe(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// shutdown withdraws the worker, so no task is routed here, then hands the
// running tasks back.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.registry.Deregister(ctx, s.worker); err != nil {
		log.L().Warn("deregister worker failed", zap.Stringer("worker", s.worker), zap.Error(err))
	}
	if err := s.runner.Shutdown(ctx); err != nil {
		log.L().Warn("task runner shutdown failed",
			zap.Int("workload", s.runner.Workload()),
			zap.Int("pending-reports", s.runner.PendingReports()),
			zap.Error(err))
	}
}

func (s *Server) observe(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			collectHostMetric(ctx).observe()
			workloadGauge.Set(float64(s.runner.Workload()))
		}
	}
}

func (s *Server) close() {
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			log.L().Warn("close registry failed", zap.Error(err))
		}
	}
	if s.supervisor != nil {
		s.supervisor.Close()
	}
}
