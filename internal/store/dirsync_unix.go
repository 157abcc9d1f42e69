//go:build !windows

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/awksedgreep/timeless/internal/errs"
)

// fsyncDir fsyncs a directory's entry table so a preceding rename is
// durable across a crash (orig §4.2 seal-window procedure: "fsync
// directory").
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir %s: %v", errs.ErrIO, dir, err)
	}
	defer f.Close()
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %v", errs.ErrIO, dir, err)
	}
	return nil
}
