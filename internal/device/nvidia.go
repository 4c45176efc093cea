package device

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// NVIDIA shells out to nvidia-smi and matches by case-insensitive substring
// against the configured card name (e.g. "v100", "4060"), the same collapsing of the
// original's one-file-per-card-model plugins into a single parameterized
// implementation — the card name is data, not a Go type.
type NVIDIA struct {
	name       string
	matchToken string
	probeTO    time.Duration
}

func NewNVIDIA(name, matchToken string) *NVIDIA {
	return &NVIDIA{name: name, matchToken: matchToken, probeTO: 3 * time.Second}
}

func (n *NVIDIA) Name() string { return n.name }

func (n *NVIDIA) IsOnline(ctx context.Context) bool {
	_, ok := n.matchingGPU(ctx)
	return ok
}

func (n *NVIDIA) MemoryInfo(ctx context.Context) (totalMB, availableMB, usedMB int64) {
	row, ok := n.matchingGPU(ctx)
	if !ok {
		return 0, 0, 0
	}
	return row.totalMB, row.freeMB, row.usedMB
}

type gpuRow struct {
	name              string
	totalMB, freeMB, usedMB int64
}

func (n *NVIDIA) matchingGPU(ctx context.Context) (gpuRow, bool) {
	cctx, cancel := context.WithTimeout(ctx, n.probeTO)
	defer cancel()

	out, err := exec.CommandContext(cctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.free,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return gpuRow{}, false
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}
		gname := strings.TrimSpace(fields[0])
		if n.matchToken != "" && !strings.Contains(strings.ToLower(gname), strings.ToLower(n.matchToken)) {
			continue
		}
		total, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		free, _ := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		used, _ := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		return gpuRow{name: gname, totalMB: total, freeMB: free, usedMB: used}, true
	}
	return gpuRow{}, false
}
