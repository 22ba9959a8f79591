//go:build darwin

package termio

import (
	"fmt"
	"os/exec"
	"strings"
)

// ProcessCwd resolves the live working directory of a process via lsof;
// macOS has no procfs.
func ProcessCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-d", "cwd", "-p", fmt.Sprint(pid), "-Fn").Output()
	if err != nil {
		return "", fmt.Errorf("lsof cwd for pid %d: %w", pid, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("no cwd entry in lsof output for pid %d", pid)
}
