package mounts

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// UnixSwitcher moves newRoot onto / and execs init inside it, the way switch_root does.
type UnixSwitcher struct{}

func (UnixSwitcher) SwitchRoot(newRoot, init string, argv []string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	if err := unix.Mount(newRoot, "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move %s to /: %w", newRoot, err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if len(argv) == 0 {
		argv = []string{init}
	}
	return unix.Exec(init, argv, os.Environ())
}
