package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hanfei1991/dagsched/pkg/promutil"
)

var (
	dispatcherFactory = promutil.NewFactory("dispatcher")

	dispatchCounter = dispatcherFactory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "dispatch_total",
		Help:      "Task deliveries by operation and result.",
	}, []string{"operation", "result"})

	dispatchDuration = dispatcherFactory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Name:      "dispatch_duration_seconds",
		Help:      "Latency of a single task delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	dispatchFailedCounter = dispatcherFactory.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "dispatch_failed_total",
		Help:      "Tasks abandoned after the maximal number of retries.",
	})
)
