// Package diskutil prepares the block devices of the boot: it opens the dm-verity
// mapping of the root filesystem and provisions the encrypted state disk.
//
// The state disk key is generated fresh on every boot and never persisted, so a
// reboot always starts from an empty state disk:
//
//	runner := instanceutils.NewExecRunner(log)
//	mapped, err := diskutil.ProvisionStateDisk(ctx, log,
//		&diskutil.Cryptsetup{Runner: runner},
//		&diskutil.Formatter{Runner: runner},
//		diskutil.StateDisk{DevicePath: "/dev/vdc", MapperName: "crypt_state", FSType: "ext4"},
//	)
//
// Key material reaches cryptsetup on stdin only.
package diskutil
