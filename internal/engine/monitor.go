package engine

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// PerfSample is one process and host resource snapshot taken by the
// performance loop.
type PerfSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	SampledAt     time.Time `json:"sampled_at"`
}

// tickInterval guards the sweep tickers against unset configuration;
// time.NewTicker panics on non-positive durations.
func tickInterval(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// timeoutLoop periodically enforces workflow deadlines and backstops node
// deadlines. Node deadlines normally fire in-line through the node's
// context; the sweep catches runs whose clock was advanced out from under
// the real timers.
func (e *Engine) timeoutLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval(e.cfg.MonitorInterval, 30*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.sweepDeadlines()
		}
	}
}

func (e *Engine) sweepDeadlines() {
	now := e.clock.Now()
	for _, entry := range e.snapshotActive() {
		exec := entry.exec
		if exec.Status() != model.ExecutionStatusRunning {
			continue
		}
		def := exec.Definition()

		if def.Timeout > 0 && now.Sub(exec.StartedAt()) > def.Timeout {
			e.finishFromSweep(entry, model.ExecutionStatusTimeout, "Workflow timeout")
			continue
		}

		for _, nodeID := range exec.RunningNodes() {
			node := def.Nodes[nodeID]
			if node == nil || node.TimeoutSeconds <= 0 {
				continue
			}
			started, ok := exec.NodeRunningSince(nodeID)
			if !ok {
				continue
			}
			if now.Sub(started) > time.Duration(node.TimeoutSeconds)*time.Second {
				if entry.cancelNode(nodeID) {
					e.log.Warn("node exceeded its timeout, cancelling",
						"execution_id", exec.ID(),
						"node_id", nodeID,
						"timeout_seconds", node.TimeoutSeconds,
					)
				}
			}
		}
	}
}

// cleanupLoop reaps executions that have been RUNNING far past any sane
// duration, usually a sign of a wedged agent or an unreachable graph.
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval(e.cfg.CleanupInterval, time.Hour))
	defer ticker.Stop()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.reapStuck()
		}
	}
}

func (e *Engine) reapStuck() {
	if e.cfg.StuckThreshold <= 0 {
		return
	}
	now := e.clock.Now()
	for _, entry := range e.snapshotActive() {
		exec := entry.exec
		if exec.Status() != model.ExecutionStatusRunning {
			continue
		}
		if now.Sub(exec.StartedAt()) > e.cfg.StuckThreshold {
			e.log.Error("reaping stuck execution",
				"execution_id", exec.ID(),
				"workflow_id", exec.Definition().WorkflowID,
				"running_for", now.Sub(exec.StartedAt()),
			)
			e.finishFromSweep(entry, model.ExecutionStatusFailed, "Execution appears stuck")
		}
	}
}

// finishFromSweep moves an execution to a terminal state from a background
// sweep. If a dispatch round is in flight the round finalizes, so the
// aborting nodes land in the history snapshot.
func (e *Engine) finishFromSweep(entry *activeExecution, status model.ExecutionStatus, msg string) {
	if entry.exec.Finish(status, msg, e.clock.Now()) {
		e.log.Warn("execution finished by sweep",
			"execution_id", entry.exec.ID(),
			"status", status,
			"reason", msg,
		)
	}
	entry.cancel()
	if !entry.inRound.Load() {
		e.completeExecution(entry)
	}
}

// performanceLoop samples process and host resource usage for the status
// API and the system gauges. A non-positive interval disables sampling;
// each sample blocks about a second measuring CPU load.
func (e *Engine) performanceLoop() {
	defer e.wg.Done()
	if e.cfg.PerfSampleInterval <= 0 {
		<-e.rootCtx.Done()
		return
	}
	e.samplePerformance()
	ticker := time.NewTicker(e.cfg.PerfSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.samplePerformance()
		}
	}
}

func (e *Engine) samplePerformance() {
	sample := PerfSample{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  e.clock.Now(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.HeapAllocMB = float64(ms.HeapAlloc) / (1024 * 1024)

	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	if du, err := disk.Usage("/"); err == nil {
		sample.DiskPercent = du.UsedPercent
	}

	e.perfMu.Lock()
	e.perf = sample
	e.perfMu.Unlock()

	if e.metrics != nil {
		e.metrics.SystemCPUUsage.Set(sample.CPUPercent)
		e.metrics.SystemMemoryUsage.Set(sample.MemoryPercent)
		e.metrics.SystemDiskUsage.Set(sample.DiskPercent)
		e.metrics.SystemGoroutines.Set(float64(sample.Goroutines))
		e.metrics.SystemHeapBytes.Set(float64(ms.HeapAlloc))
	}
}
