package srvdiscovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

func TestStaticRegistry(t *testing.T) {
	t.Parallel()

	w1 := model.Worker{Group: "g1", WorkerID: "b", Host: "127.0.0.1", Port: 1}
	w2 := model.Worker{Group: "g1", WorkerID: "a", Host: "127.0.0.1", Port: 2}
	w3 := model.Worker{Group: "g2", WorkerID: "c", Host: "127.0.0.1", Port: 3}
	r := NewStaticRegistry(w1, w2)

	require.Equal(t, []model.Worker{w2, w1}, r.DiscoveredWorkers("g1"))
	require.Empty(t, r.DiscoveredWorkers("g2"))
	require.True(t, r.IsAlive(w1))
	require.False(t, r.IsAlive(w3))

	ctx := context.Background()
	require.NoError(t, r.Register(ctx, w3))
	require.True(t, r.IsAlive(w3))
	require.NoError(t, r.Deregister(ctx, w1))
	require.False(t, r.IsAlive(w1))
	require.Equal(t, []model.Worker{w2}, r.DiscoveredWorkers("g1"))
	require.NoError(t, r.Refresh(ctx))
	require.NoError(t, r.Close())
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.Adjust())
	require.Equal(t, TypeStatic, cfg.Type)
	require.Equal(t, 10, cfg.TTLSeconds)

	cfg = &Config{Type: TypeEtcd}
	require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidConfig))

	cfg = &Config{Type: "zookeeper"}
	require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidConfig))

	cfg = &Config{Workers: []string{"bad"}}
	require.Error(t, cfg.Adjust())

	cfg = &Config{Workers: []string{"default:w1:127.0.0.1:8081"}}
	require.NoError(t, cfg.Adjust())
	r, err := NewWorkerRegistry(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, r.DiscoveredWorkers("default"), 1)
}
