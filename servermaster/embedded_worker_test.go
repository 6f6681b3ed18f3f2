package servermaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/autoid"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
	"github.com/hanfei1991/dagsched/pkg/notifier"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/route"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

func TestEmbeddedWorkerConfig(t *testing.T) {
	t.Parallel()

	cfg := EmbeddedWorkerConfig{}
	require.NoError(t, cfg.Adjust())

	cfg = EmbeddedWorkerConfig{Enable: true}
	require.True(t, errors.ErrInvalidConfig.Equal(cfg.Adjust()))

	cfg = EmbeddedWorkerConfig{Enable: true, Group: "g:1"}
	require.True(t, errors.ErrInvalidConfig.Equal(cfg.Adjust()))

	cfg = EmbeddedWorkerConfig{Enable: true, Group: "g", Concurrency: -1}
	require.True(t, errors.ErrInvalidConfig.Equal(cfg.Adjust()))

	cfg = EmbeddedWorkerConfig{Enable: true, Group: "g"}
	require.NoError(t, cfg.Adjust())
	require.Equal(t, defaultEmbeddedWorkerID, cfg.WorkerID)
	require.Equal(t, defaultEmbeddedWorkerShutdownTimeout, cfg.ShutdownTimeout)

	w, err := cfg.worker("127.0.0.1:10240")
	require.NoError(t, err)
	require.Equal(t, "g:embedded:127.0.0.1:10240", w.String())
	_, err = cfg.worker("0.0.0.0:10240")
	require.True(t, errors.ErrInvalidConfig.Equal(err))
}

func TestConfigEmbeddedWorkerFlags(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--embedded-worker", "--embedded-worker-group", "g"}))
	require.True(t, cfg.EmbeddedWorker.Enable)
	require.Equal(t, "g", cfg.EmbeddedWorker.Group)

	cfg = NewConfig()
	require.Error(t, cfg.Parse([]string{"--embedded-worker"}))
}

func TestEmbeddedWorkerRunsLocalTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := orm.NewMockClient()
	require.NoError(t, err)
	defer store.Close()

	handlers := handler.NewRegistry()
	ew, err := newEmbeddedWorker(EmbeddedWorkerConfig{
		Enable:          true,
		Group:           testWorker.Group,
		WorkerID:        "embedded",
		Concurrency:     2,
		ShutdownTimeout: 5 * time.Second,
	}, "127.0.0.1:10240", handlers)
	require.NoError(t, err)

	registry := srvdiscovery.NewStaticRegistry()
	require.NoError(t, ew.register(ctx, registry))
	events := notifier.NewNotifier[model.DispatchFailedEvent]()
	defer events.Close()
	workers := client.NewWorkerClient(time.Second)
	defer workers.Close()
	dispatcher := client.NewTaskDispatcher(registry, route.NewRouters(&ew.worker), workers,
		client.DefaultRetryConfig(), events, client.WithLocalReceiver(ew.worker, ew.service))

	jm := NewJobManager(DefaultJobManagerConfig(), store, autoid.NewIDAllocator(1), registry, dispatcher, workers, handlers, nil)
	ew.bind(jm)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = dispatcher.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		_ = ew.runner.Run(runCtx)
	}()
	defer func() {
		ew.shutdown(registry)
		cancel()
		wg.Wait()
	}()

	job := newGeneralJob()
	job.RouteStrategy = model.RouteLocalPriority
	jobID, err := jm.AddJob(ctx, job)
	require.NoError(t, err)
	instanceID, err := jm.ManualTriggerJob(ctx, jobID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := store.GetInstance(ctx, instanceID)
		return err == nil && inst.RunState == model.RunStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	tasks, err := store.FindTasks(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, model.ExecuteStateCompleted, tasks[0].ExecuteState)
	require.Equal(t, ew.worker.String(), tasks[0].Worker)
	require.Eventually(t, func() bool {
		return ew.runner.Workload() == 0
	}, time.Second, 10*time.Millisecond)
}
