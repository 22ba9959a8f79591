//go:build linux

package termio

import (
	"fmt"
	"os"
)

// ProcessCwd resolves the live working directory of a process from procfs.
func ProcessCwd(pid int) (string, error) {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return "", fmt.Errorf("readlink cwd for pid %d: %w", pid, err)
	}
	return cwd, nil
}
