package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/hosts"
)

// statsLoop samples host CPU, memory, and root filesystem usage on a
// fixed cadence and pushes the result to the controller. This measures
// the host itself, which a remote Docker API connection cannot do.
func (s *session) statsLoop(ctx context.Context, every time.Duration) {
	prevIdle, prevTotal, ok := readCPUTicks()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample := hosts.StatsSample{SampledAt: time.Now().UTC()}

		if idle, total, haveNow := readCPUTicks(); haveNow && ok && total > prevTotal {
			busy := float64((total - prevTotal) - (idle - prevIdle))
			sample.CPUPercent = 100 * busy / float64(total-prevTotal)
			prevIdle, prevTotal = idle, total
		} else if haveNow {
			prevIdle, prevTotal, ok = idle, total, true
		}

		if total, avail, haveMem := readMemInfo(); haveMem && total > 0 {
			sample.MemoryPercent = 100 * float64(total-avail) / float64(total)
		}

		var fs syscall.Statfs_t
		if err := syscall.Statfs("/", &fs); err == nil && fs.Blocks > 0 {
			used := fs.Blocks - fs.Bavail
			sample.DiskPercent = 100 * float64(used) / float64(fs.Blocks)
		}

		payload, _ := json.Marshal(sample)
		if err := s.send(agentchan.Frame{Type: frameStats, Payload: payload}); err != nil {
			s.log.Debug("stats push failed", "error", err)
			return
		}
	}
}

// readCPUTicks parses the aggregate cpu line of /proc/stat. Returns the
// idle and total tick counts.
func readCPUTicks() (idle, total uint64, ok bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return idle, total, true
}

// readMemInfo parses MemTotal and MemAvailable from /proc/meminfo, in kB.
func readMemInfo() (total, avail uint64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	return total, avail, total > 0 && avail > 0
}
