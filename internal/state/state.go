// Package state persists one record per running instance and rediscovers the
// fleet from disk. Records are the only state carried across controller
// invocations; everything else is recomputed from the plan or probed from the
// OS. Enumeration works by listing the record directory, so a fleet started
// by one invocation is fully visible to the next regardless of the count it
// was started with.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// ErrCorrupt marks a record file whose content could not be decoded. Callers
// treat it as prunable rather than fatal: one damaged record must not hide
// the rest of the fleet.
var ErrCorrupt = errors.New("corrupt instance record")

const (
	recordPrefix = "vm"
	recordSuffix = ".json"
)

// Record describes one launched instance. Written only after the launcher
// confirmed a live process; replaced wholesale on restart; deleted when the
// supervisor confirms the process is gone.
type Record struct {
	Index      int    `json:"index"`
	PID        int    `json:"pid"`
	SocketPath string `json:"socket_path"`

	// Binary is the hypervisor path the process was spawned from, used to
	// recognize PID reuse before signaling.
	Binary string `json:"binary"`

	// Generation identifies the Start run that produced this record.
	Generation string `json:"generation"`

	StartedAt time.Time `json:"started_at"`
}

// Alive reports whether the record still refers to a live hypervisor process.
// A reused PID (live process, foreign command line) counts as dead. An empty
// Binary skips the command-line guard.
func (r Record) Alive() bool {
	if !IsAlive(r.PID) || IsZombie(r.PID) {
		return false
	}
	if r.Binary == "" {
		return true
	}
	return CmdlineContains(r.PID, r.Binary)
}

// Store reads and writes instance records in a single directory.
type Store struct {
	dir string
}

// NewStore returns a store over the given record directory. The directory is
// created lazily on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the record directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", recordPrefix, index, recordSuffix))
}

// Enumerate returns the sorted indices of all discoverable records. File
// names that do not match the record pattern are skipped. A missing record
// directory means an empty fleet, not an error.
func (s *Store) Enumerate() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list record dir %s: %w", s.dir, err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseRecordName(entry.Name())
		if !ok {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// parseRecordName extracts the instance index from a record file name,
// accepting only the exact vm{index}.json shape.
func parseRecordName(name string) (int, bool) {
	if !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, recordSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), recordSuffix)
	index, err := strconv.Atoi(digits)
	if err != nil || index < 1 {
		return 0, false
	}
	return index, true
}

// Read returns the record for an index. Missing records yield a not-found
// error; undecodable content yields ErrCorrupt.
func (s *Store) Read(index int) (Record, error) {
	data, err := os.ReadFile(s.recordPath(index))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("no record for instance %d: %w", index, errdefs.ErrNotFound)
		}
		return Record{}, fmt.Errorf("failed to read record for instance %d: %w", index, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("instance %d: %w: %v", index, ErrCorrupt, err)
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("instance %d: pid %d: %w", index, rec.PID, ErrCorrupt)
	}
	return rec, nil
}

// Write persists the record for an index, replacing any prior one. The write
// goes through a temp file and rename so a crash never leaves a half-written
// record behind.
func (s *Store) Write(index int, rec Record) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	target := s.recordPath(index)
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".%s%d-*", recordPrefix, index))
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Delete removes the record for an index. A missing record is not an error.
func (s *Store) Delete(index int) error {
	if err := os.Remove(s.recordPath(index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record for instance %d: %w", index, err)
	}
	return nil
}
