package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// RunSystemSampler periodically refreshes goroutine/CPU/memory gauges,
// the same exponential-smoothing CPU read pattern as the teacher's
// go-server/internal/metrics/system.go, generalized to drive this
// package's promauto gauges directly instead of a bespoke accessor type.
func RunSystemSampler(ctx context.Context, reg *Registry, interval time.Duration) {
	proc, _ := process.NewProcess(int32(ProcessPID()))
	var smoothedCPU float64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Goroutines.Set(float64(runtime.NumGoroutine()))

			if proc != nil {
				if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
					reg.MemoryRSS.Set(float64(rss.RSS))
				}
			}

			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				if smoothedCPU == 0 {
					smoothedCPU = pct[0]
				} else {
					const alpha = 0.3
					smoothedCPU = alpha*pct[0] + (1-alpha)*smoothedCPU
				}
				reg.CPUPercent.Set(smoothedCPU)
			}
		}
	}
}
