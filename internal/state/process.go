package state

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// IsAlive reports whether pid refers to a live process. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// IsZombie reports whether the process is in zombie (Z) state. A hypervisor
// that crashed but has not been reaped responds to signal 0 yet runs nothing.
func IsZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesized comm, which may itself
	// contain spaces.
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return false
	}
	fields := strings.Fields(string(data[end+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

// CmdlineContains reports whether /proc/<pid>/cmdline contains pattern.
// The cmdline file is NUL-separated; a substring match against the raw bytes
// is enough to recognize the hypervisor binary path.
func CmdlineContains(pid int, pattern string) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), pattern)
}
