package device

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
)

// CPU is always online and reports host RAM via /proc/meminfo. No library
// in the retrieval pack offers host-metrics collection, so this one plugin
// reads the kernel interface directly rather than reaching for a dependency
// that doesn't exist in the corpus.
type CPU struct {
	name string
}

func NewCPU(name string) *CPU {
	if name == "" {
		name = "cpu"
	}
	return &CPU{name: name}
}

func (c *CPU) Name() string { return c.name }

func (c *CPU) IsOnline(ctx context.Context) bool { return true }

func (c *CPU) MemoryInfo(ctx context.Context) (totalMB, availableMB, usedMB int64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, 0
	}
	defer f.Close()

	var totalKB, availKB int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoKB(line)
		}
	}
	totalMB = totalKB / 1024
	availableMB = availKB / 1024
	usedMB = totalMB - availableMB
	if usedMB < 0 {
		usedMB = 0
	}
	return totalMB, availableMB, usedMB
}

func parseMeminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
