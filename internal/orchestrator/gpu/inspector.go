// Package gpu polls the NVIDIA management tool and serves immutable GPU
// snapshots. A host without the tool degrades to an empty sample instead of
// failing, so the rest of the control plane keeps working on CPU-only dev
// boxes.
package gpu

import (
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mind-ai/mind/pkg/logging"
)

// GPU is one device in a snapshot.
type GPU struct {
	Index              int     `json:"index"`
	Name               string  `json:"name"`
	MemoryUsedMB       float64 `json:"memory_used_mb"`
	MemoryTotalMB      float64 `json:"memory_total_mb"`
	MemoryFreeMB       float64 `json:"memory_free_mb"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
	MemoryUsedPercent  float64 `json:"memory_used_percent"`
}

// Process is one compute process on a device.
type Process struct {
	PID      int     `json:"pid"`
	Name     string  `json:"name"`
	MemoryMB float64 `json:"memory_mb"`
}

type snapshot struct {
	gpus      []GPU
	processes map[int][]Process
	degraded  bool
	takenAt   time.Time
}

// Inspector owns the poll loop and the latest snapshot. Readers never block
// the poller.
type Inspector struct {
	logger   logging.Interface
	interval time.Duration
	current  atomic.Pointer[snapshot]

	// query invokes the vendor tool; tests substitute canned CSV.
	query func(ctx context.Context, args ...string) (string, error)
}

// New builds an inspector. Call Start to begin polling.
func New(config *Config) *Inspector {
	i := &Inspector{
		logger:   config.Logger,
		interval: config.PollInterval,
		query:    runNvidiaSMI,
	}
	i.current.Store(&snapshot{degraded: true, processes: map[int][]Process{}})
	return i
}

func runNvidiaSMI(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	return string(out), err
}

// Start launches the poll loop and takes the first sample synchronously.
func (i *Inspector) Start(ctx context.Context) {
	i.poll(ctx)
	go func() {
		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.poll(ctx)
			}
		}
	}()
}

// Sample returns the devices from the most recent poll.
func (i *Inspector) Sample() []GPU {
	return i.current.Load().gpus
}

// Processes returns the compute processes per device index from the most
// recent poll.
func (i *Inspector) Processes() map[int][]Process {
	return i.current.Load().processes
}

// Degraded reports whether the vendor tool was unavailable at the last poll.
func (i *Inspector) Degraded() bool {
	return i.current.Load().degraded
}

// Device returns the sampled device with the given index.
func (i *Inspector) Device(index int) (GPU, bool) {
	for _, g := range i.Sample() {
		if g.Index == index {
			return g, true
		}
	}
	return GPU{}, false
}

func (i *Inspector) poll(ctx context.Context) {
	out, err := i.query(ctx,
		"--query-gpu=index,name,memory.used,memory.total,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		if !i.current.Load().degraded {
			i.logger.WithError(err).Warn("GPU query tool unavailable, sampling degraded")
		}
		i.current.Store(&snapshot{degraded: true, processes: map[int][]Process{}, takenAt: time.Now()})
		return
	}

	gpus := parseGPUCSV(out)
	processes := i.pollProcesses(ctx)

	i.current.Store(&snapshot{
		gpus:      gpus,
		processes: processes,
		takenAt:   time.Now(),
	})
}

func (i *Inspector) pollProcesses(ctx context.Context) map[int][]Process {
	processes := map[int][]Process{}

	uuidOut, err := i.query(ctx, "--query-gpu=index,uuid", "--format=csv,noheader,nounits")
	if err != nil {
		return processes
	}
	uuidToIndex := map[string]int{}
	for _, line := range csvLines(uuidOut) {
		parts := splitCSV(line)
		if len(parts) < 2 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		uuidToIndex[parts[1]] = idx
	}

	appsOut, err := i.query(ctx, "--query-compute-apps=gpu_uuid,pid,process_name,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return processes
	}
	for _, line := range csvLines(appsOut) {
		parts := splitCSV(line)
		if len(parts) < 4 {
			continue
		}
		idx, ok := uuidToIndex[parts[0]]
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		processes[idx] = append(processes[idx], Process{
			PID:      pid,
			Name:     parts[2],
			MemoryMB: parseFloatNA(parts[3], 0),
		})
	}
	return processes
}

func parseGPUCSV(out string) []GPU {
	var gpus []GPU
	for _, line := range csvLines(out) {
		parts := splitCSV(line)
		if len(parts) < 7 {
			continue
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		used := parseFloatNA(parts[2], 0)
		total := parseFloatNA(parts[3], 0)
		free := parseFloatNA(parts[4], total-used)

		g := GPU{
			Index:              index,
			Name:               parts[1],
			MemoryUsedMB:       used,
			MemoryTotalMB:      total,
			MemoryFreeMB:       free,
			UtilizationPercent: parseFloatNA(parts[5], 0),
			TemperatureCelsius: parseFloatNA(parts[6], 0),
		}
		if total > 0 {
			g.MemoryUsedPercent = math.Round(used/total*1000) / 10
		}
		gpus = append(gpus, g)
	}
	return gpus
}

// Pick scores each sampled device as memory_used_mb + 10000 per assigned
// model and returns the lowest-scoring index. An empty sample yields device 0.
func Pick(sample []GPU, assignedModels map[int]int) int {
	best := 0
	minScore := math.Inf(1)
	for _, g := range sample {
		score := g.MemoryUsedMB + 10000*float64(assignedModels[g.Index])
		if score < minScore {
			minScore = score
			best = g.Index
		}
	}
	return best
}

func csvLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloatNA(s string, fallback float64) float64 {
	if s == "" || s == "[N/A]" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}
