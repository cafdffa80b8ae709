// Package interfaces defines the types, error kinds and capability interfaces of
// the boot sequencer, separating them from their implementations.
//
// # Boot Data
//
// BlockDevice: a kernel block device with its labels and the DeviceRole assigned
// once at discovery (root, hash, provider-config, system, state or unknown).
//
// BootParameters: the root device selector and dm-verity settings parsed from the
// kernel command line.
//
// MountSpec and MappedDevice: a single mount(2) call and a device-mapper target.
//
// # Capability Interfaces
//
// Every privileged effect of the boot is behind a narrow interface so the
// sequencing logic can run against fakes:
//
//   - DeviceIndex: lists block devices
//   - RootVerifier: opens and closes dm-verity mappings
//   - VolumeEncryptor: formats, opens and closes LUKS volumes
//   - FilesystemFormatter: wipes signatures and creates filesystems
//   - MountExecutor: mounts and unmounts
//   - Switcher: moves to the new root and execs init
//   - CommandRunner: runs the external tools the above are built on
//
// # Errors
//
// ErrMissingDevice, ErrAmbiguousTopology, ErrVerificationFailed,
// ErrProvisioningFailed and ErrMountFailed classify every boot failure. The
// refinements ErrMissingBootParameter, ErrMissingStateDisk and
// ErrAmbiguousStateDisk match their kind with errors.Is.
package interfaces
