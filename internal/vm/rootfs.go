//go:build linux

package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/firelab-io/firelab/internal/iobuf"
)

// copyRootfs materializes a private root drive for an instance from the
// shared base image. On filesystems with reflink support (btrfs, xfs) the
// clone is O(1) and shares extents; elsewhere we fall back to a plain copy.
func copyRootfs(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open base rootfs: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create instance rootfs: %w", err)
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
		return out.Close()
	}

	if err := copyContents(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy base rootfs: %w", err)
	}
	return out.Close()
}

// copyContents streams src into dst through a pooled buffer. io.CopyBuffer
// is not used here: *os.File implements io.ReaderFrom, which would bypass
// the buffer entirely.
func copyContents(dst, src *os.File) error {
	bp := iobuf.Get()
	defer iobuf.Put(bp)
	buf := *bp

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
