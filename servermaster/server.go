package servermaster

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/autoid"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
	"github.com/hanfei1991/dagsched/pkg/notifier"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/promutil"
	"github.com/hanfei1991/dagsched/pkg/route"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
	"github.com/hanfei1991/dagsched/pkg/sqlutil"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

const idBizTag = "dagsched"

// Server is the supervisor process. It serves pb.SupervisorServer and runs
// the scanners and the task dispatcher. With an embedded worker it also
// serves pb.WorkerServer.
type Server struct {
	cfg      *Config
	handlers *handler.Registry

	store      *orm.Client
	registry   srvdiscovery.WorkerRegistry
	workers    client.WorkerClient
	events     *notifier.Notifier[model.DispatchFailedEvent]
	dispatcher *client.TaskDispatcher
	groups     *GroupCache
	jm         *JobManager
	scanners   *Scanners
	embedded   *embeddedWorker
}

// NewServer creates a supervisor from cfg. Run opens its resources.
func NewServer(cfg *Config) *Server {
	return &Server{cfg: cfg, handlers: handler.NewRegistry()}
}

// Handlers returns the handlers used to split jobs and to run the tasks of
// the embedded worker. Register custom handlers before Run.
func (s *Server) Handlers() *handler.Registry {
	return s.handlers
}

func (s *Server) init(ctx context.Context) error {
	db, err := sqlutil.NewGormDB(ctx, s.cfg.DB)
	if err != nil {
		return err
	}
	s.store = orm.NewClient(db)
	if err := s.store.Initialize(ctx); err != nil {
		return err
	}
	for i := range s.cfg.Groups {
		if err := s.store.UpsertGroup(ctx, s.cfg.Groups[i].toModel()); err != nil {
			return err
		}
	}

	s.registry, err = srvdiscovery.NewWorkerRegistry(ctx, s.cfg.Registry)
	if err != nil {
		return err
	}
	if err := s.registry.Refresh(ctx); err != nil {
		log.L().Warn("load workers failed", zap.Error(err))
	}

	s.groups = NewGroupCache(s.store, s.cfg.GroupRefreshPeriod, clock.New())
	if err := s.groups.Start(ctx); err != nil {
		return err
	}

	var (
		local       *model.Worker
		dispatchOpt []client.DispatcherOption
	)
	if s.cfg.EmbeddedWorker.Enable {
		s.embedded, err = newEmbeddedWorker(s.cfg.EmbeddedWorker, s.cfg.Addr, s.handlers)
		if err != nil {
			return err
		}
		local = &s.embedded.worker
		dispatchOpt = append(dispatchOpt, client.WithLocalReceiver(s.embedded.worker, s.embedded.service))
	}

	s.workers = client.NewWorkerClient(s.cfg.RPCTimeout)
	s.events = notifier.NewNotifier[model.DispatchFailedEvent]()
	s.dispatcher = client.NewTaskDispatcher(s.registry, route.NewRouters(local), s.workers, s.cfg.Dispatch, s.events, dispatchOpt...)
	s.jm = NewJobManager(
		s.cfg.JobManager,
		s.store,
		autoid.NewBlockAllocator(s.store, idBizTag, s.cfg.IDStep),
		s.registry,
		s.dispatcher,
		s.workers,
		s.handlers,
		s.groups,
	)
	if s.embedded != nil {
		s.embedded.bind(s.jm)
	}
	s.scanners = NewScanners(s.cfg.Scanner, s.jm)
	return nil
}

// Run starts the supervisor and blocks until ctx is done or a component
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		s.close()
		return err
	}
	defer s.close()

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Trace(err)
	}
	grpcServer := grpc.NewServer(rpcutil.ServerOptions()...)
	pb.RegisterSupervisorServer(grpcServer, s)
	if s.embedded != nil {
		pb.RegisterWorkerServer(grpcServer, s.embedded.service)
		if err := s.embedded.register(ctx, s.registry); err != nil {
			_ = lis.Close()
			return err
		}
	}

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promutil.HTTPHandlerForMetric())
		metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.L().Info("supervisor serving", zap.String("addr", s.cfg.Addr))
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
	g.Go(func() error { return s.registry.Run(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.scanners.Run(gctx) })
	if s.embedded != nil {
		g.Go(func() error { return s.embedded.runner.Run(gctx) })
	}
	g.Go(func() error {
		wait := s.events.Subscribe(gctx, func(event model.DispatchFailedEvent) {
			s.jm.OnDispatchFailed(gctx, event)
		})
		wait()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if s.embedded != nil {
			s.embedded.shutdown(s.registry)
		}
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

func (s *Server) close() {
	if s.groups != nil {
		s.groups.Close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.workers != nil {
		if err := s.workers.Close(); err != nil {
			log.L().Warn("close worker clients failed", zap.Error(err))
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			log.L().Warn("close registry failed", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.L().Warn("close store failed", zap.Error(err))
		}
	}
}

// StartTask implements pb.SupervisorServer.
func (s *Server) StartTask(ctx context.Context, req *model.StartTaskParam) (*model.StartTaskResult, error) {
	return s.jm.StartTask(ctx, req)
}

// StopTask implements pb.SupervisorServer.
func (s *Server) StopTask(ctx context.Context, req *model.StopTaskParam) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.StopTask(ctx, req))
}

// UpdateTaskWorker implements pb.SupervisorServer.
func (s *Server) UpdateTaskWorker(ctx context.Context, req *pb.UpdateTaskWorkerRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.UpdateTaskWorker(ctx, req.TaskID, req.Worker))
}

// Checkpoint implements pb.SupervisorServer.
func (s *Server) Checkpoint(ctx context.Context, req *pb.CheckpointRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.Checkpoint(ctx, req.TaskID, req.Snapshot))
}

// UpdateTaskErrorMsg implements pb.SupervisorServer.
func (s *Server) UpdateTaskErrorMsg(ctx context.Context, req *pb.TaskErrorMsgRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.UpdateTaskErrorMsg(ctx, req.TaskID, req.ErrorMsg))
}

// AddJob implements pb.SupervisorServer.
func (s *Server) AddJob(ctx context.Context, req *pb.AddJobRequest) (*pb.AddJobResponse, error) {
	if req.Job == nil {
		return nil, derrors.ErrInvalidArgument.GenWithStackByArgs("job is nil")
	}
	job := req.Job
	if job.TriggerType == model.TriggerTypeDepend && job.TriggerValue == "" {
		parents := make([]string, 0, len(req.ParentJobIDs))
		for _, id := range req.ParentJobIDs {
			parents = append(parents, strconv.FormatInt(id, 10))
		}
		job.TriggerValue = strings.Join(parents, ",")
	}
	id, err := s.jm.AddJob(ctx, job)
	if err != nil {
		return nil, err
	}
	return &pb.AddJobResponse{JobID: id}, nil
}

// DisableJob implements pb.SupervisorServer.
func (s *Server) DisableJob(ctx context.Context, req *pb.JobIDRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.DisableJob(ctx, req.JobID))
}

// TriggerJob implements pb.SupervisorServer.
func (s *Server) TriggerJob(ctx context.Context, req *pb.JobIDRequest) (*pb.BoolResponse, error) {
	if _, err := s.jm.ManualTriggerJob(ctx, req.JobID); err != nil {
		return nil, err
	}
	return &pb.BoolResponse{Success: true}, nil
}

// GetInstance implements pb.SupervisorServer.
func (s *Server) GetInstance(ctx context.Context, req *pb.InstanceRequest) (*pb.InstanceResponse, error) {
	inst, tasks, err := s.jm.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	return &pb.InstanceResponse{Instance: inst, Tasks: tasks}, nil
}

// PauseInstance implements pb.SupervisorServer.
func (s *Server) PauseInstance(ctx context.Context, req *pb.InstanceRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.PauseInstance(ctx, req.InstanceID))
}

// CancelInstance implements pb.SupervisorServer.
func (s *Server) CancelInstance(ctx context.Context, req *pb.InstanceRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.CancelInstance(ctx, req.InstanceID, model.OperationManualCancel))
}

// ResumeInstance implements pb.SupervisorServer.
func (s *Server) ResumeInstance(ctx context.Context, req *pb.InstanceRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.ResumeInstance(ctx, req.InstanceID))
}

// DeleteInstance implements pb.SupervisorServer.
func (s *Server) DeleteInstance(ctx context.Context, req *pb.InstanceRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.DeleteInstance(ctx, req.InstanceID))
}

// ChangeInstanceState implements pb.SupervisorServer.
func (s *Server) ChangeInstanceState(ctx context.Context, req *pb.ChangeInstanceStateRequest) (*pb.BoolResponse, error) {
	return boolResponse(s.jm.ChangeInstanceState(ctx, req.InstanceID, req.ToState))
}

func boolResponse(ok bool, err error) (*pb.BoolResponse, error) {
	if err != nil {
		return nil, err
	}
	return &pb.BoolResponse{Success: ok}, nil
}
