// Package resource reads memory state for the engine's pre-spawn guard
// and the pool manager's per-process governor.
package resource

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MinAvailableBytes is the hard floor below which the engine refuses to
// spawn (512 MiB).
const MinAvailableBytes = 512 << 20

// CommandRunner executes a command and returns its combined output.
// This is the seam for testing the Darwin vm_stat path.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommandRunner runs a real command via os/exec.
func ExecCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// AvailableMemory returns the bytes of memory the OS could hand to a new
// process. On Darwin this sums free+inactive+purgeable+speculative pages
// from vm_stat, because pure "free" pages undercount what the kernel will
// reclaim on demand. Everywhere else the OS available counter is used.
func AvailableMemory(ctx context.Context, runner CommandRunner) (uint64, error) {
	if runner == nil {
		runner = ExecCommandRunner
	}
	if runtime.GOOS == "darwin" {
		return darwinAvailableMemory(ctx, runner)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory: %w", err)
	}
	return vm.Available, nil
}

func darwinAvailableMemory(ctx context.Context, runner CommandRunner) (uint64, error) {
	output, err := runner(ctx, "vm_stat")
	if err != nil {
		return 0, fmt.Errorf("vm_stat: %w (output: %s)", err, string(output))
	}
	return ParseVMStat(string(output))
}

// pageSizeRe extracts the page size from the vm_stat header:
// "Mach Virtual Memory Statistics: (page size of 16384 bytes)".
var pageSizeRe = regexp.MustCompile(`page size of (\d+) bytes`)

// reclaimableCounters are the vm_stat lines summed into "available".
var reclaimableCounters = []string{
	"Pages free",
	"Pages inactive",
	"Pages purgeable",
	"Pages speculative",
}

// ParseVMStat computes available memory from vm_stat output.
func ParseVMStat(output string) (uint64, error) {
	m := pageSizeRe.FindStringSubmatch(output)
	if m == nil {
		return 0, fmt.Errorf("vm_stat output missing page size header")
	}
	pageSize, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing page size %q: %w", m[1], err)
	}

	counters := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "."))
		pages, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		counters[name] = pages
	}

	var totalPages uint64
	for _, counter := range reclaimableCounters {
		pages, ok := counters[counter]
		if !ok {
			return 0, fmt.Errorf("vm_stat output missing counter %q", counter)
		}
		totalPages += pages
	}

	return totalPages * pageSize, nil
}

// ProcessRSS returns the resident set size of a process in bytes.
func ProcessRSS(ctx context.Context, pid int) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, fmt.Errorf("process %d: %w", pid, err)
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	return info.RSS, nil
}

// RSSSampler reads a process's resident memory. Seam for testing the
// resource governor without real processes.
type RSSSampler func(ctx context.Context, pid int) (uint64, error)
