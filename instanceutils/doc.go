// Package instanceutils provides the implementations behind the boot sequencer's
// capability interfaces.
//
// # Subpackages
//
//   - bootparams: parses root= and rootfs_verity.* from the kernel command line
//   - blockdev: lists devices with lsblk and assigns their roles, including the
//     exactly-one state disk rule
//   - diskutil: dm-verity root verification and LUKS2 state disk provisioning
//   - mounts: recorded mounts with reverse rollback, overlay and bind specs, switch root
//
// ExecRunner runs the external tools (lsblk, veritysetup, cryptsetup, wipefs,
// mkfs) with the step's context, so a hung tool is killed when the step times
// out. Input on stdin, such as key material, never appears in errors or logs.
//
// The Mock types implement every capability interface with testify/mock.
package instanceutils
