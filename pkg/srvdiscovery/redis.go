package srvdiscovery

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

const (
	defaultRedisPrefix = "dagsched:workers"
	groupsKeySuffix    = ":groups"
)

// RedisRegistry stores the heartbeat time of every worker in a sorted set
// per group. A worker whose heartbeat is older than the ttl is dead.
type RedisRegistry struct {
	*workerCache

	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock

	mu         sync.Mutex
	registered map[string]model.Worker
}

// NewRedisRegistry creates a registry on client.
func NewRedisRegistry(client goredis.UniversalClient, prefix string, ttl time.Duration, clk clock.Clock) *RedisRegistry {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisRegistry{
		workerCache: newWorkerCache(),
		client:      client,
		prefix:      prefix,
		ttl:         ttl,
		clock:       clk,
		registered:  make(map[string]model.Worker),
	}
}

func (r *RedisRegistry) groupKey(group string) string {
	return r.prefix + ":" + group
}

func (r *RedisRegistry) groupsKey() string {
	return r.prefix + groupsKeySuffix
}

func (r *RedisRegistry) heartbeat(ctx context.Context, workers ...model.Worker) error {
	if len(workers) == 0 {
		return nil
	}
	now := float64(r.clock.Now().UnixMilli())
	pipe := r.client.TxPipeline()
	for _, w := range workers {
		pipe.ZAdd(ctx, r.groupKey(w.Group), goredis.Z{Score: now, Member: w.String()})
		pipe.SAdd(ctx, r.groupsKey(), w.Group)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, w model.Worker) error {
	if err := r.heartbeat(ctx, w); err != nil {
		return err
	}
	r.mu.Lock()
	r.registered[w.String()] = w
	r.mu.Unlock()
	log.L().Info("worker registered", zap.String("worker", w.String()))
	return nil
}

// Deregister implements Registry.
func (r *RedisRegistry) Deregister(ctx context.Context, w model.Worker) error {
	r.mu.Lock()
	delete(r.registered, w.String())
	r.mu.Unlock()

	if err := r.client.ZRem(ctx, r.groupKey(w.Group), w.String()).Err(); err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Refresh implements Discovery. Expired members are purged on the way.
func (r *RedisRegistry) Refresh(ctx context.Context) error {
	groups, err := r.client.SMembers(ctx, r.groupsKey()).Result()
	if err != nil {
		return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
	}
	expire := strconv.FormatInt(r.clock.Now().Add(-r.ttl).UnixMilli(), 10)

	var workers []model.Worker
	for _, group := range groups {
		key := r.groupKey(group)
		if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+expire).Err(); err != nil {
			return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
		members, err := r.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: expire, Max: "+inf"}).Result()
		if err != nil {
			return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
		for _, m := range members {
			w, err := model.ParseWorker(m)
			if err != nil {
				log.L().Warn("skip malformed worker entry", zap.String("member", m), zap.Error(err))
				continue
			}
			workers = append(workers, w)
		}
	}
	r.reset(workers)
	return nil
}

// Run implements WorkerRegistry. The registered workers heartbeat and the
// live workers are reloaded every third of the ttl.
func (r *RedisRegistry) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.ttl / 3)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		workers := make([]model.Worker, 0, len(r.registered))
		for _, w := range r.registered {
			workers = append(workers, w)
		}
		r.mu.Unlock()

		if err := r.heartbeat(ctx, workers...); err != nil {
			log.L().Warn("worker heartbeat failed", zap.Error(err))
		}
		if err := r.Refresh(ctx); err != nil {
			log.L().Warn("refresh workers failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close implements WorkerRegistry. Registered workers are removed.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	workers := r.registered
	r.registered = make(map[string]model.Worker)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	for _, w := range workers {
		if err := r.client.ZRem(ctx, r.groupKey(w.Group), w.String()).Err(); err != nil {
			return derrors.ErrDiscoveryFail.Wrap(err).GenWithStackByArgs()
		}
	}
	return nil
}
