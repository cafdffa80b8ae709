package interfaces

import (
	"context"
)

// CommandRunner runs an external tool. Stdin carries secrets (key material) and
// must never be echoed into errors or logs by implementations.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// DeviceIndex enumerates the block devices currently known to the kernel.
type DeviceIndex interface {
	Devices(ctx context.Context) ([]BlockDevice, error)
}

// RootVerifier opens an integrity-verified read-only mapping of the root device.
type RootVerifier interface {
	OpenVerity(ctx context.Context, name, dataDevice, hashDevice, rootHash string) (MappedDevice, error)
	CloseVerity(ctx context.Context, name string) error
}

// VolumeEncryptor initializes and opens encrypted volumes.
type VolumeEncryptor interface {
	Format(ctx context.Context, device string, key *EncryptionKey) error
	Open(ctx context.Context, device, name string, key *EncryptionKey) (MappedDevice, error)
	Close(ctx context.Context, name string) error
}

// FilesystemFormatter removes old signatures and creates filesystems.
type FilesystemFormatter interface {
	Wipe(ctx context.Context, device string) error
	Format(ctx context.Context, device, fsType, label string) error
}

// MountExecutor performs mount table changes.
type MountExecutor interface {
	Mount(spec MountSpec) error
	Unmount(target string) error
}

// Switcher makes newRoot the root filesystem and replaces the current process
// with init. It only returns on failure.
type Switcher interface {
	SwitchRoot(newRoot, init string, argv []string) error
}
