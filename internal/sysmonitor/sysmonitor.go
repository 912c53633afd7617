// Package sysmonitor periodically samples process CPU and RSS, exporting
// them as gauges and debug logs. Grounded on
// go-server-2/server.go's process.NewProcess/CPUPercent/MemoryInfo
// polling loop (the same pattern repeated across go-server, ws, and
// go-server-2 in the pack).
package sysmonitor

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/metrics"
)

// Monitor periodically samples the running process's resource usage.
type Monitor struct {
	interval time.Duration
	metrics  *metrics.Registry
	logger   *zap.Logger
	proc     *process.Process
}

// New creates a Monitor for the current process.
func New(interval time.Duration, m *metrics.Registry, logger *zap.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{interval: interval, metrics: m, logger: logger, proc: proc}, nil
}

// Run samples on a timer until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		m.logger.Debug("sysmonitor: cpu sample failed", zap.Error(err))
		cpuPercent = 0
	}

	var rssMB float64
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		rssMB = float64(memInfo.RSS) / 1024 / 1024
	} else {
		m.logger.Debug("sysmonitor: memory sample failed", zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.ProcessCPUPercent.Set(cpuPercent)
		m.metrics.ProcessRSSBytes.Set(rssMB * 1024 * 1024)
	}
	m.logger.Debug("sysmonitor sample", zap.Float64("cpu_percent", cpuPercent), zap.Float64("rss_mb", rssMB))
}
