package handler

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.Equal(t, []string{NoopHandlerName, PrimeCountHandlerName}, r.Names())

	h, err := r.Get(NoopHandlerName)
	require.NoError(t, err)
	tasks, err := h.Split(context.Background(), "param")
	require.NoError(t, err)
	require.Equal(t, []model.SplitTask{{TaskParam: "param"}}, tasks)

	_, err = r.Get("unknown")
	require.True(t, errors.Is(err, errors.ErrHandlerNotFound))
	require.False(t, r.Has("unknown"))
}

func TestStopFlag(t *testing.T) {
	t.Parallel()

	var f StopFlag
	require.False(t, f.IsStopped())
	require.True(t, f.Stop(model.OperationPause))
	require.False(t, f.Stop(model.OperationManualCancel))
	require.True(t, f.IsStopped())
	require.Equal(t, model.OperationPause, f.Operation())
}

func TestStopFlagConcurrent(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		var (
			f   StopFlag
			wg  sync.WaitGroup
			won atomic.Int32
		)
		ops := []model.Operation{model.OperationPause, model.OperationManualCancel, model.OperationShutdownResume}
		for _, op := range ops {
			op := op
			wg.Add(1)
			go func() {
				defer wg.Done()
				if f.Stop(op) {
					won.Inc()
				}
			}()
		}
		for !f.IsStopped() {
			runtime.Gosched()
		}
		// the operation is visible as soon as the flag is
		require.Contains(t, ops, f.Operation())
		wg.Wait()
		require.Equal(t, int32(1), won.Load())
	}
}

func TestPrimeCountSplit(t *testing.T) {
	t.Parallel()

	h := &PrimeCountHandler{}
	ctx := context.Background()
	require.Error(t, h.Verify(ctx, `{"max": 1, "parallel": 2}`))
	require.Error(t, h.Verify(ctx, `not json`))

	tasks, err := h.Split(ctx, `{"max": 100, "parallel": 3}`)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	var first, last primeCountTask
	require.NoError(t, json.Unmarshal([]byte(tasks[0].TaskParam), &first))
	require.NoError(t, json.Unmarshal([]byte(tasks[2].TaskParam), &last))
	require.Equal(t, int64(2), first.From)
	require.Equal(t, int64(100), last.To)
}

func TestPrimeCountExecute(t *testing.T) {
	t.Parallel()

	h := &PrimeCountHandler{}
	ctx := context.Background()
	tasks, err := h.Split(ctx, `{"max": 100, "parallel": 4}`)
	require.NoError(t, err)

	var total int64
	for i, st := range tasks {
		task := model.NewTask(st.TaskParam, int64(i+1), 1, i+1, len(tasks), "")
		var saved []string
		ec := &ExecuteContext{
			Task: task,
			Stop: &StopFlag{},
			Checkpoint: CheckpointFunc(func(_ context.Context, taskID int64, snapshot string) error {
				require.Equal(t, task.TaskID, taskID)
				saved = append(saved, snapshot)
				return nil
			}),
		}
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		require.True(t, res.IsSuccess())
		require.NotEmpty(t, saved)
		n, err := strconv.ParseInt(res.Msg, 10, 64)
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, int64(25), total)
}

func TestPrimeCountStopAndResume(t *testing.T) {
	t.Parallel()

	h := &PrimeCountHandler{}
	ctx := context.Background()
	task := model.NewTask(`{"from": 2, "to": 50000}`, 1, 1, 1, 1, "")
	stop := &StopFlag{}
	stop.Stop(model.OperationPause)
	ec := &ExecuteContext{
		Task: task,
		Stop: stop,
		Checkpoint: CheckpointFunc(func(context.Context, int64, string) error {
			return nil
		}),
	}
	res, err := h.Execute(ctx, ec)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.False(t, res.IsSuccess())

	var snapshot primeCountSnapshot
	require.NoError(t, json.Unmarshal([]byte(task.ExecuteSnapshot), &snapshot))
	require.Equal(t, int64(checkpointEvery+2), snapshot.Next)

	// resuming from the snapshot finishes the range
	ec.Stop = &StopFlag{}
	res, err = h.Execute(ctx, ec)
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	require.Equal(t, "5133", res.Msg)
}
