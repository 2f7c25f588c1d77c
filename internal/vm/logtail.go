package vm

import (
	"fmt"
	"os"
	"strings"

	"github.com/containerd/log"
)

// maxLogTailBytes bounds how much of an instance log is read back when a
// launch fails. Console output can be arbitrarily large; only the end of it
// explains the failure.
const maxLogTailBytes = 4096

// TailLog returns up to maxLines of the end of the log at path. A missing
// log is not an error: the hypervisor may have died before writing anything.
func TailLog(path string, maxLines int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open instance log: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat instance log: %w", err)
	}

	offset := fi.Size() - maxLogTailBytes
	if offset < 0 {
		offset = 0
	}

	buf := make([]byte, fi.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read instance log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	// A mid-file offset usually lands inside a line; drop the fragment.
	if offset > 0 && len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// logTail is the best-effort variant used on failure paths, where a tail
// read error must not mask the launch error itself.
func logTail(path string) []string {
	lines, err := TailLog(path, 20)
	if err != nil {
		log.L.WithError(err).WithField("path", path).Debug("could not read instance log tail")
		return nil
	}
	return lines
}
