// Package bootparams reads the boot sequencer's settings from the kernel command line.
package bootparams

import (
	"fmt"
	"os"
	"strings"

	"github.com/talos-systems/go-procfs/procfs"

	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

const (
	KeyRoot         = "root"
	KeyVerityScheme = "rootfs_verity.scheme"
	KeyVerityHash   = "rootfs_verity.hash"
)

// ReadCmdline returns the contents of the kernel command line file.
func ReadCmdline(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("could not read kernel command line: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Parameter returns the value of the first name=value token, or "" when name is absent
// or has no value.
func Parameter(cmdline, name string) string {
	return first(procfs.NewCmdline(cmdline), name)
}

func first(c *procfs.Cmdline, name string) string {
	if v := c.Get(name).First(); v != nil {
		return *v
	}
	return ""
}

// Parse extracts the boot parameters. A missing root= yields ErrMissingBootParameter.
// The verity hash is only checked for presence here; its format is validated when
// verification runs.
func Parse(cmdline string) (interfaces.BootParameters, error) {
	c := procfs.NewCmdline(cmdline)

	params := interfaces.BootParameters{
		VerityScheme:   first(c, KeyVerityScheme),
		VerityRootHash: first(c, KeyVerityHash),
	}

	root := first(c, KeyRoot)
	if root == "" {
		return params, fmt.Errorf("%w: %s", interfaces.ErrMissingBootParameter, KeyRoot)
	}

	selector, err := interfaces.ParseDeviceSelector(root)
	if err != nil {
		return params, fmt.Errorf("%w: %s: %w", interfaces.ErrMissingBootParameter, KeyRoot, err)
	}
	params.RootSelector = selector

	return params, nil
}
