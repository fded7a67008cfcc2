package monitor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Probe supplies raw resource readings. The system probe reads /proc and the
// filesystem; tests substitute a fake.
type Probe interface {
	// Memory returns used/free/total bytes.
	Memory() (used, free, total uint64, err error)
	// Disk returns used/free/total bytes for the filesystem containing path.
	Disk(path string) (used, free, total uint64, err error)
	// ProcessCount returns the number of running processes.
	ProcessCount() (int, error)
	// LoadAverage returns the 1-minute load average.
	LoadAverage() (float64, error)
}

// SystemProbe reads resource usage from the host. Linux only; sampling errors
// on other platforms surface through the monitor's stale-snapshot path.
type SystemProbe struct{}

func (SystemProbe) Memory() (uint64, uint64, uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, 0, err
	}

	var total, available uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, err = parseKB(fields[1])
		case "MemAvailable:":
			available, err = parseKB(fields[1])
		}
		if err != nil {
			return 0, 0, 0, err
		}
	}
	if total == 0 {
		return 0, 0, 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	if available > total {
		available = total
	}
	return total - available, available, total, nil
}

func (SystemProbe) Disk(path string) (uint64, uint64, uint64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	blockSize := uint64(fs.Bsize)
	total := uint64(fs.Blocks) * blockSize
	// Bavail counts blocks available to unprivileged users, matching what
	// generation output writes can actually use.
	free := uint64(fs.Bavail) * blockSize
	if free > total {
		free = total
	}
	return total - free, free, total, nil
}

func (SystemProbe) ProcessCount() (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(entry.Name()); err == nil {
			count++
		}
	}
	return count, nil
}

func (SystemProbe) LoadAverage() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func parseKB(s string) (uint64, error) {
	kb, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse meminfo value %q: %w", s, err)
	}
	return kb * 1024, nil
}
