// Package main (cmd/boot-sequencer) is the /init of the confidential VM initramfs.
//
// The kernel command line selects the root device and, optionally, dm-verity
// verification of it:
//
//	root=LABEL=rootfs rootfs_verity.scheme=dm-verity rootfs_verity.hash=<hex>
//
// Besides the root and its hash partition (partition label rootfs_hash) the VM
// must have a disk with filesystem label provider_config and exactly one further
// disk, which becomes the encrypted state disk. The state disk is reformatted
// with a new random key on every boot; nothing on it survives a reboot.
//
// The sequence is:
//
//  1. mount /proc, /sys and /dev, read the command line
//  2. list block devices and assign each its role
//  3. open the dm-verity mapping of the root (skipped with a warning when disabled)
//  4. mount the root read-only
//  5. pick the state disk, refusing zero or several candidates
//  6. LUKS2-format and open the state disk, create its filesystem, mount it
//  7. mount the overlay root, then provider_config read-only and /var from the state disk
//  8. move /dev into the new root, unmount /proc and /sys, switch root, exec /sbin/init
//
// Every line on the console has the form "LEVEL: boot-sequencer: message key=value".
// A failure is logged at FAIL level, the mounts made so far are undone and the
// process exits with status 1.
//
// "boot-sequencer inspect" prints what the boot would act on without changing anything.
package main
