package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds CPU and memory figures for the daemon process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for daemon resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector periodically samples the daemon's own process so operators
// can see what the hosted p2p stacks cost.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int
	pid        int32

	mu      sync.RWMutex
	history []ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
	goroutines prometheus.Gauge
}

func NewResourceCollector(config ResourceConfig) *ResourceCollector {
	maxHistory := config.MaxHistory
	if maxHistory == 0 {
		maxHistory = 100 // default
	}
	interval := config.Interval
	if interval == 0 {
		interval = 5 * time.Second // default
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lunarpod",
			Subsystem: "daemon",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		pid:        int32(os.Getpid()),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the daemon."),
		memoryMB:   gauge("memory_mb", "Resident memory of the daemon in MB."),
		numThreads: gauge("num_threads", "Number of OS threads of the daemon."),
		numFDs:     gauge("num_fds", "Number of open file descriptors (Unix only)."),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lunarpod",
			Subsystem: "daemon",
			Name:      "goroutines",
			Help:      "Number of goroutines in the daemon.",
		}),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads, c.goroutines}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Collect(); err != nil {
					slog.Debug("Failed to sample daemon resources", "pid", c.pid, "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop stops the sampling loop.
func (c *ResourceCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample, updates the gauges and appends it to the history.
func (c *ResourceCollector) Collect() (ResourceSample, error) {
	proc, err := process.NewProcess(c.pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := ResourceSample{
		PID:        c.pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}

	pid := fmt.Sprint(c.pid)
	c.cpuPercent.WithLabelValues(pid).Set(s.CPUPercent)
	c.memoryMB.WithLabelValues(pid).Set(s.MemoryMB)
	c.numThreads.WithLabelValues(pid).Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.WithLabelValues(pid).Set(float64(s.NumFDs))
	}
	c.goroutines.Set(float64(s.Goroutines))

	c.mu.Lock()
	c.history = append(c.history, s)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append([]ResourceSample(nil), c.history[over:]...)
	}
	c.mu.Unlock()
	return s, nil
}

// Latest returns the most recent sample.
func (c *ResourceCollector) Latest() (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return ResourceSample{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (c *ResourceCollector) History() []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceSample(nil), c.history...)
}

func (c *ResourceCollector) IsEnabled() bool { return c.enabled }
