//go:build !linux && !darwin

package termio

import "errors"

// ProcessCwd is unavailable on this platform; the stored working directory
// is used as-is.
func ProcessCwd(pid int) (string, error) {
	return "", errors.New("working directory probe not supported on this platform")
}
