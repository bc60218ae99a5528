//go:build linux

package native

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

func (m *Metrics) read() (Reading, error) {
	var r Reading

	loadavg, err := os.ReadFile(filepath.Join(m.ProcDir, "loadavg"))
	if err != nil {
		return r, fmt.Errorf("read loadavg: %w", err)
	}
	if r.CPUPercent, err = parseLoadAvg(string(loadavg), runtime.NumCPU()); err != nil {
		return r, err
	}

	f, err := os.Open(filepath.Join(m.ProcDir, "meminfo"))
	if err != nil {
		return r, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()
	if r.MemoryPercent, err = parseMemInfo(f); err != nil {
		return r, err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(m.DiskPath, &st); err != nil {
		return r, fmt.Errorf("statfs %s: %w", m.DiskPath, err)
	}
	if st.Blocks > 0 {
		used := st.Blocks - st.Bfree
		r.DiskPercent = float64(used) / float64(used+st.Bavail) * 100
	}
	return r, nil
}
