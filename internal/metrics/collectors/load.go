// Package collectors samples hardware state into Prometheus gauges.
package collectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/metrics"
)

// DefaultLoadPath is where Rockchip kernels report codec core load.
const DefaultLoadPath = "/proc/mpp_service/load"

// DefaultLoadInterval is the polling period used when none is given.
const DefaultLoadInterval = 5 * time.Second

// CoreLoad is one line of a driver load report.
type CoreLoad struct {
	Core        string
	Load        float64
	Utilization float64
}

// LoadCollector polls a driver load file and exports it per core. A
// missing file is logged once and the collector keeps polling.
type LoadCollector struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	missing bool
	seen    map[string]bool
}

// NewLoadCollector creates a collector for path, or DefaultLoadPath.
func NewLoadCollector(path string, interval time.Duration) *LoadCollector {
	if path == "" {
		path = DefaultLoadPath
	}
	if interval <= 0 {
		interval = DefaultLoadInterval
	}
	return &LoadCollector{
		path:     path,
		interval: interval,
		logger:   logging.GetLogger("collectors"),
		seen:     make(map[string]bool),
	}
}

// Start begins polling until ctx is done or Stop is called.
func (c *LoadCollector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends polling and removes the exported gauges.
func (c *LoadCollector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()

	for core := range c.seen {
		metrics.DeleteEngineLoad(core)
	}
	clear(c.seen)
}

func (c *LoadCollector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Debug("Polling codec load", "path", c.path, "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *LoadCollector) collect() {
	f, err := os.Open(c.path)
	if err != nil {
		if !c.missing {
			c.logger.Info("Codec load not available", "path", c.path, "error", err)
			c.missing = true
		}
		return
	}
	defer f.Close()
	c.missing = false

	cores, err := ParseLoad(f)
	if err != nil {
		c.logger.Warn("Failed to parse codec load", "error", err)
		return
	}
	for _, cl := range cores {
		metrics.SetEngineLoad(cl.Core, cl.Load, cl.Utilization)
		c.seen[cl.Core] = true
	}
}

// ParseLoad reads lines of the form "<core>: load: 45% utilization: 78%".
// Lines without both values are skipped.
func ParseLoad(r io.Reader) ([]CoreLoad, error) {
	var cores []CoreLoad
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if cl, err := parseLoadLine(scanner.Text()); err == nil {
			cores = append(cores, cl)
		}
	}
	return cores, scanner.Err()
}

func parseLoadLine(line string) (CoreLoad, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return CoreLoad{}, fmt.Errorf("short line %q", line)
	}

	cl := CoreLoad{Core: strings.TrimSuffix(fields[0], ":")}
	var haveLoad, haveUtil bool
	for i := 1; i+1 < len(fields); i++ {
		var dst *float64
		switch fields[i] {
		case "load:":
			dst, haveLoad = &cl.Load, true
		case "utilization:":
			dst, haveUtil = &cl.Utilization, true
		default:
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[i+1], "%"), 64)
		if err != nil {
			return CoreLoad{}, fmt.Errorf("%s %w", fields[i], err)
		}
		*dst = v
		i++
	}
	if !haveLoad || !haveUtil {
		return CoreLoad{}, fmt.Errorf("missing load or utilization in %q", line)
	}
	return cl, nil
}
