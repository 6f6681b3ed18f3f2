package servermaster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hanfei1991/dagsched/pkg/promutil"
)

var (
	supervisorFactory = promutil.NewFactory("supervisor")

	instanceTriggeredCounter = supervisorFactory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "instance_triggered_total",
		Help:      "Instances created by run type.",
	}, []string{"run_type"})

	instanceTerminatedCounter = supervisorFactory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "instance_terminated_total",
		Help:      "Instances reaching a terminal state.",
	}, []string{"state"})

	instanceRetriedCounter = supervisorFactory.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "instance_retried_total",
		Help:      "Retry instances created for canceled instances.",
	})

	taskDispatchFailedCounter = supervisorFactory.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "task_dispatch_failed_total",
		Help:      "Tasks terminated because they could not be delivered.",
	})

	scanCounter = supervisorFactory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "scan_total",
		Help:      "Rows processed by the scanners.",
	}, []string{"scanner", "result"})
)
