package handler

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// Builtin handler names.
const (
	NoopHandlerName       = "noop"
	PrimeCountHandlerName = "prime-count"
)

// NoopHandler completes every task immediately.
type NoopHandler struct {
	Base
}

// Execute implements JobHandler.
func (*NoopHandler) Execute(context.Context, *ExecuteContext) (*Result, error) {
	return Success(), nil
}

// primeCountParam is the job param of PrimeCountHandler.
type primeCountParam struct {
	// Max counts the primes in [2, Max].
	Max int64 `json:"max"`
	// Parallel is the number of tasks.
	Parallel int `json:"parallel"`
}

type primeCountTask struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type primeCountSnapshot struct {
	Next  int64 `json:"next"`
	Count int64 `json:"count"`
}

// checkpointEvery is the number of candidates between checkpoints.
const checkpointEvery = 10000

// PrimeCountHandler counts primes. The range is split across tasks, and
// every task checkpoints its progress and honours the stop flag.
type PrimeCountHandler struct{}

func parsePrimeCountParam(jobParam string) (*primeCountParam, error) {
	var p primeCountParam
	if err := json.Unmarshal([]byte(jobParam), &p); err != nil {
		return nil, derrors.ErrInvalidArgument.Wrap(err).GenWithStackByArgs("prime count param")
	}
	if p.Max < 2 || p.Parallel <= 0 {
		return nil, derrors.ErrInvalidArgument.GenWithStackByArgs("prime count needs max >= 2 and parallel > 0")
	}
	return &p, nil
}

// Verify implements JobHandler.
func (*PrimeCountHandler) Verify(_ context.Context, jobParam string) error {
	_, err := parsePrimeCountParam(jobParam)
	return err
}

// Split implements JobHandler.
func (*PrimeCountHandler) Split(_ context.Context, jobParam string) ([]model.SplitTask, error) {
	p, err := parsePrimeCountParam(jobParam)
	if err != nil {
		return nil, err
	}
	total := p.Max - 1
	parallel := int64(p.Parallel)
	if parallel > total {
		parallel = total
	}
	step := (total + parallel - 1) / parallel

	var tasks []model.SplitTask
	for from := int64(2); from <= p.Max; from += step {
		to := from + step - 1
		if to > p.Max {
			to = p.Max
		}
		data, err := json.Marshal(primeCountTask{From: from, To: to})
		if err != nil {
			return nil, errors.Trace(err)
		}
		tasks = append(tasks, model.SplitTask{TaskParam: string(data)})
	}
	return tasks, nil
}

// Execute implements JobHandler.
func (*PrimeCountHandler) Execute(ctx context.Context, ec *ExecuteContext) (*Result, error) {
	var task primeCountTask
	if err := json.Unmarshal([]byte(ec.Task.TaskParam), &task); err != nil {
		return Failure("invalid task param: " + err.Error()), nil
	}
	snapshot := primeCountSnapshot{Next: task.From}
	if ec.Task.ExecuteSnapshot != "" {
		if err := json.Unmarshal([]byte(ec.Task.ExecuteSnapshot), &snapshot); err != nil {
			return Failure("invalid snapshot: " + err.Error()), nil
		}
	}

	save := func() error {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return errors.Trace(err)
		}
		return ec.SaveCheckpoint(ctx, string(data))
	}

	for ; snapshot.Next <= task.To; snapshot.Next++ {
		if isPrime(snapshot.Next) {
			snapshot.Count++
		}
		if (snapshot.Next-task.From+1)%checkpointEvery == 0 {
			if ec.Stop != nil && ec.Stop.IsStopped() {
				snapshot.Next++
				if err := save(); err != nil {
					return nil, err
				}
				return Stopped(), nil
			}
			if err := save(); err != nil {
				return nil, err
			}
		}
	}
	if err := save(); err != nil {
		return nil, err
	}
	return &Result{Code: CodeSuccess, Msg: strconv.FormatInt(snapshot.Count, 10)}, nil
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	for i := int64(2); i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
