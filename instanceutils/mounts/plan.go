// Package mounts performs and records the mounts of the boot and hands the
// assembled root over to init.
package mounts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// UnixMounter implements MountExecutor with mount(2).
type UnixMounter struct{}

func (UnixMounter) Mount(spec interfaces.MountSpec) error {
	return unix.Mount(spec.Source, spec.Target, spec.FSType, spec.Flags, spec.Data)
}

func (UnixMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

// Plan performs mounts in order and remembers them so they can be undone.
// Each mount target is created before the mount call.
type Plan struct {
	exec    interfaces.MountExecutor
	log     *slog.Logger
	mounted []interfaces.MountSpec

	// MkdirAll creates mount targets. Defaults to os.MkdirAll.
	MkdirAll func(path string, perm os.FileMode) error
}

func NewPlan(exec interfaces.MountExecutor, log *slog.Logger) *Plan {
	return &Plan{
		exec:     exec,
		log:      log,
		MkdirAll: os.MkdirAll,
	}
}

// Mount creates the target directory and mounts spec. Failures wrap ErrMountFailed.
func (p *Plan) Mount(spec interfaces.MountSpec) error {
	if err := p.MkdirAll(spec.Target, 0o755); err != nil {
		return fmt.Errorf("%w: could not create %s: %w", interfaces.ErrMountFailed, spec.Target, err)
	}
	if err := p.exec.Mount(spec); err != nil {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrMountFailed, spec, err)
	}
	p.log.Debug("mounted", "source", spec.Source, "target", spec.Target, "fstype", spec.FSType)
	p.mounted = append(p.mounted, spec)
	return nil
}

// MountAll mounts specs in order. Targets that are already mounted (EBUSY) are
// skipped and not recorded.
func (p *Plan) MountAll(specs []interfaces.MountSpec) error {
	for _, spec := range specs {
		err := p.Mount(spec)
		if errors.Is(err, unix.EBUSY) {
			p.log.Debug("already mounted", "target", spec.Target)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Move moves the mount at source to target. The moved mount is not recorded: after
// the move it belongs to the new root.
func (p *Plan) Move(source, target string) error {
	if err := p.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("%w: could not create %s: %w", interfaces.ErrMountFailed, target, err)
	}
	if err := p.exec.Mount(interfaces.MountSpec{Source: source, Target: target, Flags: unix.MS_MOVE}); err != nil {
		return fmt.Errorf("%w: move %s to %s: %w", interfaces.ErrMountFailed, source, target, err)
	}
	return nil
}

// Unmount unmounts a recorded target and forgets it.
func (p *Plan) Unmount(target string) error {
	if err := p.exec.Unmount(target); err != nil {
		return fmt.Errorf("%w: unmount %s: %w", interfaces.ErrMountFailed, target, err)
	}
	for i := len(p.mounted) - 1; i >= 0; i-- {
		if p.mounted[i].Target == target {
			p.mounted = append(p.mounted[:i], p.mounted[i+1:]...)
			break
		}
	}
	return nil
}

// Mounts returns the recorded mounts in the order they were made.
func (p *Plan) Mounts() []interfaces.MountSpec {
	return append([]interfaces.MountSpec(nil), p.mounted...)
}

// Rollback unmounts every recorded mount in reverse order. It keeps going on
// failure and returns the joined errors.
func (p *Plan) Rollback() error {
	var errs []error
	for i := len(p.mounted) - 1; i >= 0; i-- {
		target := p.mounted[i].Target
		if err := p.exec.Unmount(target); err != nil {
			p.log.Warn("could not unmount", "target", target, "err", err)
			errs = append(errs, fmt.Errorf("unmount %s: %w", target, err))
			continue
		}
		p.log.Debug("unmounted", "target", target)
	}
	p.mounted = nil
	return errors.Join(errs...)
}

// PseudoFilesystems are the kernel filesystems the initramfs needs.
func PseudoFilesystems(devDir string) []interfaces.MountSpec {
	return []interfaces.MountSpec{
		{Source: "proc", Target: "/proc", FSType: "proc", Flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
		{Source: "sysfs", Target: "/sys", FSType: "sysfs", Flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
		{Source: "devtmpfs", Target: devDir, FSType: "devtmpfs", Flags: unix.MS_NOSUID, Data: "mode=0755"},
	}
}

// ReadOnly returns the spec of a read-only mount of a block device.
func ReadOnly(device, target, fsType string) interfaces.MountSpec {
	return interfaces.MountSpec{Source: device, Target: target, FSType: fsType, Flags: unix.MS_RDONLY}
}

// ReadWrite returns the spec of a read-write mount of a block device.
func ReadWrite(device, target, fsType string) interfaces.MountSpec {
	return interfaces.MountSpec{Source: device, Target: target, FSType: fsType, Flags: unix.MS_NOATIME}
}

// Bind returns the spec of a bind mount.
func Bind(source, target string) interfaces.MountSpec {
	return interfaces.MountSpec{Source: source, Target: target, Flags: unix.MS_BIND}
}

// Overlay returns the spec of an overlay mount. Overlay options cannot contain
// commas or colons in paths.
func Overlay(lower, upper, work, target string) (interfaces.MountSpec, error) {
	for _, dir := range []string{lower, upper, work} {
		if dir == "" || strings.ContainsAny(dir, ",:") {
			return interfaces.MountSpec{}, fmt.Errorf("%w: invalid overlay directory %q", interfaces.ErrMountFailed, dir)
		}
	}
	return interfaces.MountSpec{
		Source: "overlay",
		Target: target,
		FSType: "overlay",
		Data:   fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work),
	}, nil
}
