package state

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(index, pid int) Record {
	return Record{
		Index:      index,
		PID:        pid,
		SocketPath: "/run/vm.sock",
		Binary:     "/usr/bin/firecracker",
		Generation: "f3b5ad21-5d3a-4c1b-9f3e-76a1c5a1d001",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	want := testRecord(3, 12345)
	require.NoError(t, s.Write(3, want))

	got, err := s.Read(3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_WriteReplacesWholesale(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Write(1, testRecord(1, 100)))
	replacement := testRecord(1, 200)
	require.NoError(t, s.Write(1, replacement))

	got, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, 200, got.PID)
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Read(7)
	assert.True(t, errdefs.IsNotFound(err), "expected not-found, got %v", err)
}

func TestStore_ReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "this is not a record"},
		{"empty file", ""},
		{"zero pid", `{"index":2,"pid":0}`},
		{"negative pid", `{"index":2,"pid":-4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "vm2.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := s.Read(2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestStore_EnumerateMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))

	indices, err := s.Enumerate()
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestStore_EnumerateSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(t, s.Write(3, testRecord(3, 300)))
	require.NoError(t, s.Write(1, testRecord(1, 100)))
	require.NoError(t, s.Write(12, testRecord(12, 1200)))

	// Noise that enumeration must skip: foreign files, malformed names,
	// leftover temp files, subdirectories.
	for _, name := range []string{"vmX.json", "vm0.json", "vm-3.json", "README", ".vm1-tmp42", "vm2.json.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("noise"), 0600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "vm4.json"), 0750))

	indices, err := s.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 12}, indices)
}

func TestStore_EnumerateTolerateCorruptContent(t *testing.T) {
	// A record whose content is garbage still enumerates; only Read
	// classifies it. Stop/Status prune it instead of losing the fleet.
	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(t, s.Write(1, testRecord(1, 100)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm2.json"), []byte("garbage"), 0600))

	indices, err := s.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, indices)
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Write(5, testRecord(5, 500)))
	require.NoError(t, s.Delete(5))

	_, err := s.Read(5)
	assert.True(t, errdefs.IsNotFound(err))

	// Deleting an absent record succeeds.
	assert.NoError(t, s.Delete(5))
}

func TestParseRecordName(t *testing.T) {
	tests := []struct {
		name      string
		wantIndex int
		wantOK    bool
	}{
		{"vm1.json", 1, true},
		{"vm254.json", 254, true},
		{"vm0.json", 0, false},
		{"vm-1.json", 0, false},
		{"vm.json", 0, false},
		{"vmabc.json", 0, false},
		{"vm1.json.bak", 0, false},
		{"other1.json", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := parseRecordName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantIndex, index)
			}
		})
	}
}

func TestIsAlive(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()), "own process should be alive")
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestIsAlive_ExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	assert.False(t, IsAlive(pid), "reaped process should not be alive")
}

func TestCmdlineContains(t *testing.T) {
	self := os.Getpid()
	assert.True(t, CmdlineContains(self, filepath.Base(os.Args[0])))
	assert.False(t, CmdlineContains(self, "no-such-binary-name-zz"))
	assert.False(t, CmdlineContains(-1, "anything"))
}

func TestRecordAlive(t *testing.T) {
	t.Run("own process with matching binary", func(t *testing.T) {
		rec := Record{PID: os.Getpid(), Binary: filepath.Base(os.Args[0])}
		assert.True(t, rec.Alive())
	})

	t.Run("own process with foreign binary", func(t *testing.T) {
		rec := Record{PID: os.Getpid(), Binary: "/usr/bin/firecracker"}
		assert.False(t, rec.Alive(), "PID reuse must be detected via cmdline")
	})

	t.Run("dead process", func(t *testing.T) {
		cmd := exec.Command("true")
		require.NoError(t, cmd.Start())
		pid := cmd.Process.Pid
		require.NoError(t, cmd.Wait())

		rec := Record{PID: pid, Binary: ""}
		assert.False(t, rec.Alive())
	})

	t.Run("empty binary skips cmdline guard", func(t *testing.T) {
		rec := Record{PID: os.Getpid(), Binary: ""}
		assert.True(t, rec.Alive())
	})
}
