package executor

import (
	"context"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/pkg/promutil"
)

const gb = 1024 * 1024 * 1024

var (
	workerFactory = promutil.NewFactory("worker")

	workloadGauge = workerFactory.NewGauge(prometheus.GaugeOpts{
		Namespace: "worker",
		Name:      "workload",
		Help:      "Tasks held by the worker.",
	})

	hostGauge = workerFactory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "worker",
		Name:      "host",
		Help:      "Host resources seen by the worker.",
	}, []string{"kind"})
)

// hostMetric is a sample of the resources of the worker host.
type hostMetric struct {
	Hostname      string
	Platform      string
	CPUProcessors int
	CPULoad       float64
	MemTotalGB    float64
	DiskTotalGB   float64
	DiskUsedRatio float64
	ProcRSSGB     float64
}

// collectHostMetric samples the host. Values that cannot be read stay zero.
func collectHostMetric(ctx context.Context) hostMetric {
	out := hostMetric{CPUProcessors: runtime.NumCPU()}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out.Hostname = info.Hostname
		out.Platform = info.Platform + " " + info.PlatformVersion
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemTotalGB = float64(vm.Total) / gb
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil && du.Total > 0 {
		out.DiskTotalGB = float64(du.Total) / gb
		out.DiskUsedRatio = du.UsedPercent / 100.0
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcRSSGB = float64(pm.RSS) / gb
		}
	}
	return out
}

func (m hostMetric) observe() {
	hostGauge.WithLabelValues("cpu_load").Set(m.CPULoad)
	hostGauge.WithLabelValues("mem_total_gb").Set(m.MemTotalGB)
	hostGauge.WithLabelValues("disk_used_ratio").Set(m.DiskUsedRatio)
	hostGauge.WithLabelValues("proc_rss_gb").Set(m.ProcRSSGB)
}

func (m hostMetric) fields() []zap.Field {
	return []zap.Field{
		zap.String("hostname", m.Hostname),
		zap.String("platform", m.Platform),
		zap.Int("cpu-processors", m.CPUProcessors),
		zap.Float64("cpu-load", m.CPULoad),
		zap.Float64("mem-total-gb", m.MemTotalGB),
		zap.Float64("disk-total-gb", m.DiskTotalGB),
		zap.Float64("disk-used-ratio", m.DiskUsedRatio),
	}
}
