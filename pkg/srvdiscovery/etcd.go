package srvdiscovery

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

const (
	defaultEtcdPrefix = "/dagsched/workers"
	defaultTTL        = 10 * time.Second
	revokeTimeout     = 3 * time.Second
)

// EtcdRegistry keeps every worker under a leased key, so a crashed worker
// disappears once its lease expires.
type EtcdRegistry struct {
	*workerCache

	cli    *clientv3.Client
	prefix string
	ttl    time.Duration
	rl     *rate.Limiter

	mu      sync.Mutex
	leases  map[string]clientv3.LeaseID
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEtcdRegistry creates a registry on cli. Empty prefix and zero ttl
// take the defaults.
func NewEtcdRegistry(cli *clientv3.Client, prefix string, ttl time.Duration) *EtcdRegistry {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &EtcdRegistry{
		workerCache: newWorkerCache(),
		cli:         cli,
		prefix:      prefix,
		ttl:         ttl,
		rl:          rate.NewLimiter(rate.Every(time.Second), 1 /* burst */),
		leases:      make(map[string]clientv3.LeaseID),
		cancels:     make(map[string]context.CancelFunc),
	}
}

func (r *EtcdRegistry) workerKey(w model.Worker) string {
	return path.Join(r.prefix, w.Group, w.String())
}

// Register implements Registry.
func (r *EtcdRegistry) Register(ctx context.Context, w model.Worker) error {
	value, err := w.ToJSON()
	if err != nil {
		return errors.Trace(err)
	}
	lease, err := r.cli.Grant(ctx, int64(r.ttl.Seconds()))
	if err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	if _, err := r.cli.Put(ctx, r.workerKey(w), value, clientv3.WithLease(lease.ID)); err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}

	r.mu.Lock()
	key := w.String()
	if old, ok := r.cancels[key]; ok {
		old()
	}
	r.leases[key] = lease.ID
	r.cancels[key] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// the channel is closed when keepCtx is canceled or the lease is lost
		for range ch {
		}
		log.L().Info("worker keepalive stopped", zap.String("worker", key))
	}()

	log.L().Info("worker registered",
		zap.String("worker", key), zap.Int64("lease", int64(lease.ID)))
	return nil
}

// Deregister implements Registry.
func (r *EtcdRegistry) Deregister(ctx context.Context, w model.Worker) error {
	key := w.String()
	r.mu.Lock()
	lease, ok := r.leases[key]
	cancel := r.cancels[key]
	delete(r.leases, key)
	delete(r.cancels, key)
	r.mu.Unlock()

	if ok {
		cancel()
		if _, err := r.cli.Revoke(ctx, lease); err != nil {
			return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
		return nil
	}
	if _, err := r.cli.Delete(ctx, r.workerKey(w)); err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Refresh implements Discovery.
func (r *EtcdRegistry) Refresh(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

func (r *EtcdRegistry) refresh(ctx context.Context) (int64, error) {
	resp, err := r.cli.Get(ctx, r.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	workers := make([]model.Worker, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var w model.Worker
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			log.L().Warn("skip malformed worker entry",
				zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		workers = append(workers, w)
	}
	r.reset(workers)
	return resp.Header.Revision, nil
}

// Run implements WorkerRegistry. A full snapshot is reloaded on every
// change under the prefix.
func (r *EtcdRegistry) Run(ctx context.Context) error {
	for {
		if err := r.rl.Wait(ctx); err != nil {
			return errors.Trace(ctx.Err())
		}
		rev, err := r.refresh(ctx)
		if err != nil {
			log.L().Warn("refresh workers failed", zap.Error(err))
			continue
		}

		watchCtx, cancel := context.WithCancel(ctx)
		wch := r.cli.Watch(watchCtx, r.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		err = r.watch(ctx, wch)
		cancel()
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		log.L().Warn("worker watch interrupted, reload", zap.Error(err))
	}
}

func (r *EtcdRegistry) watch(ctx context.Context, wch clientv3.WatchChan) error {
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return errors.Trace(err)
		}
		if len(resp.Events) == 0 {
			continue
		}
		if _, err := r.refresh(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.New("watch channel closed")
}

// Close implements WorkerRegistry. Every registered worker is revoked.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	cancels := r.cancels
	r.leases = make(map[string]clientv3.LeaseID)
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	var firstErr error
	for key, lease := range leases {
		cancels[key]()
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		_, err := r.cli.Revoke(ctx, lease)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
	}
	r.wg.Wait()
	return firstErr
}
