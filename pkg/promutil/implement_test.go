package promutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWrapCounterOpts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix      string
		constLabels prometheus.Labels
		inputOpts   *prometheus.CounterOpts
		outputOpts  *prometheus.CounterOpts
	}{
		{
			prefix: "",
			inputOpts: &prometheus.CounterOpts{
				Name: "test",
			},
			outputOpts: &prometheus.CounterOpts{
				Name: "test",
			},
		},
		{
			prefix: "dagsched",
			inputOpts: &prometheus.CounterOpts{
				Namespace: "ns",
				Name:      "test",
			},
			outputOpts: &prometheus.CounterOpts{
				Namespace: "dagsched_ns",
				Name:      "test",
			},
		},
		{
			constLabels: prometheus.Labels{
				"k2": "v2",
			},
			inputOpts: &prometheus.CounterOpts{
				ConstLabels: prometheus.Labels{
					"k0": "v0",
					"k1": "v1",
				},
			},
			outputOpts: &prometheus.CounterOpts{
				ConstLabels: prometheus.Labels{
					"k0": "v0",
					"k1": "v1",
					"k2": "v2",
				},
			},
		},
		{
			constLabels: prometheus.Labels{
				"component": "supervisor",
			},
			inputOpts: &prometheus.CounterOpts{
				Name: "test",
			},
			outputOpts: &prometheus.CounterOpts{
				Name: "test",
				ConstLabels: prometheus.Labels{
					"component": "supervisor",
				},
			},
		},
	}

	for _, c := range cases {
		output := wrapCounterOpts(c.prefix, c.constLabels, c.inputOpts)
		require.Equal(t, c.outputOpts, output)
	}
}

func TestWrapCounterOptsLabelDuplicate(t *testing.T) {
	t.Parallel()

	constLabels := prometheus.Labels{
		"k0": "v0",
	}
	inputOpts := &prometheus.CounterOpts{
		ConstLabels: prometheus.Labels{
			"k0": "v0",
			"k1": "v1",
		},
	}
	require.PanicsWithValue(t, "duplicate label name", func() {
		_ = wrapCounterOpts("", constLabels, inputOpts)
	})
}

func TestFactoryRegisterAndUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	f := newFactory(r, "worker")
	counter := f.NewCounter(prometheus.CounterOpts{
		Namespace: "executor",
		Name:      "task_total",
	})
	counter.Add(2)
	f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "executor",
		Name:      "task_duration_seconds",
	}, []string{"state"}).WithLabelValues("COMPLETED").Observe(0.1)

	mfs, err := r.Gather()
	require.NoError(t, err)
	names := make(map[string]struct{})
	for _, mf := range mfs {
		names[mf.GetName()] = struct{}{}
		if mf.GetName() == "dagsched_executor_task_total" {
			require.Equal(t, float64(2), mf.GetMetric()[0].GetCounter().GetValue())
			require.Equal(t, "component", mf.GetMetric()[0].GetLabel()[0].GetName())
		}
	}
	require.Contains(t, names, "dagsched_executor_task_total")
	require.Contains(t, names, "dagsched_executor_task_duration_seconds")

	r.Unregister("worker")
	mfs, err = r.Gather()
	require.NoError(t, err)
	require.Empty(t, mfs)

	// registering again succeeds once the old collectors are gone
	f.NewCounter(prometheus.CounterOpts{
		Namespace: "executor",
		Name:      "task_total",
	})
}
