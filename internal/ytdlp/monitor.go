package ytdlp

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// MonitorInterval is how often the child's resource usage is sampled.
const MonitorInterval = time.Second

// MonitorProcess samples a downloader child's CPU and memory once per
// interval and logs them at debug level. It returns when the context is
// cancelled or the process disappears.
func MonitorProcess(ctx context.Context, pid int, key string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		logger.Debug("downloader monitor could not attach",
			slog.String("key", key), slog.Int("pid", pid),
			slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return
		}

		cpu, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		var rssMB float64
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			rssMB = float64(mem.RSS) / (1024 * 1024)
		}

		logger.Debug("downloader resource usage",
			slog.String("key", key),
			slog.Int("pid", pid),
			slog.Float64("cpu_percent", cpu),
			slog.Float64("rss_mb", rssMB),
		)
	}
}
