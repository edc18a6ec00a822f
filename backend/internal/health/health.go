// Package health reports process and host statistics for the /api/health
// endpoint.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// Report is one health snapshot.
type Report struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	Uptime     float64   `json:"uptime"` // seconds
	Goroutines int       `json:"goroutines"`
	Process    Process   `json:"process"`
	Host       *Host     `json:"host,omitempty"`
	Session    any       `json:"session,omitempty"`
	Clients    int       `json:"clients"`
}

type Process struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumFDs     int32   `json:"num_fds,omitempty"`
}

type Host struct {
	Hostname string  `json:"hostname"`
	Uptime   uint64  `json:"uptime"`
	Load1    float64 `json:"load1"`
	Load5    float64 `json:"load5"`
}

// Checker collects reports. Host statistics are cached for hostTTL since
// reading them touches several /proc files.
type Checker struct {
	version string
	started time.Time
	proc    *process.Process

	mu       sync.Mutex
	host     *Host
	hostAt   time.Time
	hostTTL  time.Duration
	hostFunc func(ctx context.Context) (*Host, error)
}

func NewChecker(version string) *Checker {
	c := &Checker{
		version:  version,
		started:  time.Now(),
		hostTTL:  10 * time.Second,
		hostFunc: readHost,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// Check returns a report. Failures reading individual statistics leave
// those fields zero rather than failing the check.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Status:     "ok",
		Version:    c.version,
		StartedAt:  c.started,
		Uptime:     time.Since(c.started).Seconds(),
		Goroutines: runtime.NumGoroutine(),
		Process:    Process{PID: int32(os.Getpid())},
	}

	if c.proc != nil {
		if cpu, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			r.Process.CPUPercent = cpu
		}
		if mem, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			r.Process.RSSBytes = mem.RSS
		}
		if fds, err := c.proc.NumFDsWithContext(ctx); err == nil {
			r.Process.NumFDs = fds
		}
	}

	r.Host = c.hostStats(ctx)
	return r
}

func (c *Checker) hostStats(ctx context.Context) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host != nil && time.Since(c.hostAt) < c.hostTTL {
		return c.host
	}
	h, err := c.hostFunc(ctx)
	if err != nil {
		return c.host
	}
	c.host, c.hostAt = h, time.Now()
	return h
}

func readHost(ctx context.Context) (*Host, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	h := &Host{Hostname: info.Hostname, Uptime: info.Uptime}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.Load1, h.Load5 = avg.Load1, avg.Load5
	}
	return h, nil
}
