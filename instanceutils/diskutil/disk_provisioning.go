package diskutil

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// MapperDevice returns the device node of a device-mapper target.
func MapperDevice(name string) string {
	return "/dev/mapper/" + name
}

// Cryptsetup implements VolumeEncryptor with cryptsetup(8). Keys are passed on stdin.
type Cryptsetup struct {
	Runner interfaces.CommandRunner
}

// Format writes a LUKS2 header to device, destroying whatever was on it.
func (c *Cryptsetup) Format(ctx context.Context, device string, key *interfaces.EncryptionKey) error {
	_, err := c.Runner.Run(ctx, key.Bytes(), "cryptsetup", "luksFormat", "--type", "luks2", "--batch-mode", "--key-file=-", device)
	if err != nil {
		return fmt.Errorf("could not format disk: %w", err)
	}
	return nil
}

// Open maps the LUKS device as /dev/mapper/<name>.
func (c *Cryptsetup) Open(ctx context.Context, device, name string, key *interfaces.EncryptionKey) (interfaces.MappedDevice, error) {
	_, err := c.Runner.Run(ctx, key.Bytes(), "cryptsetup", "open", "--type", "luks2", "--key-file=-", device, name)
	if err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("could not open LUKS device: %w", err)
	}
	return interfaces.MappedDevice{Name: name, Path: MapperDevice(name)}, nil
}

// Close removes the mapping.
func (c *Cryptsetup) Close(ctx context.Context, name string) error {
	_, err := c.Runner.Run(ctx, nil, "cryptsetup", "close", name)
	return err
}

// Veritysetup implements RootVerifier with veritysetup(8).
type Veritysetup struct {
	Runner interfaces.CommandRunner
}

// OpenVerity maps dataDevice as /dev/mapper/<name>, verified against the hash tree
// on hashDevice. The kernel checks every block read against rootHash.
func (v *Veritysetup) OpenVerity(ctx context.Context, name, dataDevice, hashDevice, rootHash string) (interfaces.MappedDevice, error) {
	_, err := v.Runner.Run(ctx, nil, "veritysetup", "open", dataDevice, name, hashDevice, rootHash)
	if err != nil {
		return interfaces.MappedDevice{}, err
	}
	return interfaces.MappedDevice{Name: name, Path: MapperDevice(name)}, nil
}

// CloseVerity removes the verity mapping.
func (v *Veritysetup) CloseVerity(ctx context.Context, name string) error {
	_, err := v.Runner.Run(ctx, nil, "veritysetup", "close", name)
	return err
}

// Formatter implements FilesystemFormatter with wipefs(8) and mkfs(8).
type Formatter struct {
	Runner interfaces.CommandRunner
}

// Wipe erases filesystem, raid and partition table signatures from device.
func (f *Formatter) Wipe(ctx context.Context, device string) error {
	_, err := f.Runner.Run(ctx, nil, "wipefs", "--all", device)
	return err
}

// Format creates a filesystem of fsType on device. An empty label leaves it unlabeled.
func (f *Formatter) Format(ctx context.Context, device, fsType, label string) error {
	_, err := f.Runner.Run(ctx, nil, "mkfs."+fsType, mkfsArgs(fsType, label, device)...)
	if err != nil {
		return fmt.Errorf("could not create filesystem: %w", err)
	}
	return nil
}

func mkfsArgs(fsType, label, device string) []string {
	var args []string
	switch fsType {
	case "ext4", "ext3", "ext2":
		args = []string{"-q", "-F"}
	case "xfs", "btrfs":
		args = []string{"-f"}
	}
	if label != "" {
		args = append(args, "-L", label)
	}
	return append(args, device)
}

// StateDisk describes how the state disk is encrypted and formatted.
type StateDisk struct {
	DevicePath string
	MapperName string
	FSType     string
	FSLabel    string
}

// ProvisionStateDisk encrypts the state disk with a fresh random key and creates a
// filesystem on the opened mapping. Any data on the device is lost. The key only
// lives for the duration of this call.
func ProvisionStateDisk(ctx context.Context, log *slog.Logger, enc interfaces.VolumeEncryptor, formatter interfaces.FilesystemFormatter, disk StateDisk) (interfaces.MappedDevice, error) {
	if disk.DevicePath == "" || disk.MapperName == "" || disk.FSType == "" {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: incomplete state disk description", interfaces.ErrProvisioningFailed)
	}

	key, err := cryptoutils.RandomEncryptionKey()
	if err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: could not generate key: %w", interfaces.ErrProvisioningFailed, err)
	}
	defer key.Wipe()

	if err := formatter.Wipe(ctx, disk.DevicePath); err != nil {
		log.Warn("could not wipe existing signatures, continuing", "device", disk.DevicePath, "err", err)
	}

	log.Info("formatting encrypted state disk", "device", disk.DevicePath)
	if err := enc.Format(ctx, disk.DevicePath, key); err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: %w", interfaces.ErrProvisioningFailed, err)
	}

	mapped, err := enc.Open(ctx, disk.DevicePath, disk.MapperName, key)
	if err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: %w", interfaces.ErrProvisioningFailed, err)
	}
	key.Wipe()

	if err := formatter.Format(ctx, mapped.Path, disk.FSType, disk.FSLabel); err != nil {
		if cerr := enc.Close(ctx, mapped.Name); cerr != nil {
			log.Warn("could not close encrypted mapping", "name", mapped.Name, "err", cerr)
		}
		return interfaces.MappedDevice{}, fmt.Errorf("%w: %w", interfaces.ErrProvisioningFailed, err)
	}

	log.Info("state disk ready", "device", disk.DevicePath, "mapping", mapped.Path, "fstype", disk.FSType)
	return mapped, nil
}

// VerifyRoot opens a dm-verity mapping of root checked against hash and rootHash.
// A missing hash device or a malformed root hash fails before the verifier runs.
func VerifyRoot(ctx context.Context, verifier interfaces.RootVerifier, name string, root interfaces.BlockDevice, hash *interfaces.BlockDevice, rootHash string) (interfaces.MappedDevice, error) {
	if hash == nil || hash.Path == "" {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: hash device not found", interfaces.ErrVerificationFailed)
	}
	if err := ValidateRootHash(rootHash); err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: %w", interfaces.ErrVerificationFailed, err)
	}

	mapped, err := verifier.OpenVerity(ctx, name, root.Path, hash.Path, rootHash)
	if err != nil {
		return interfaces.MappedDevice{}, fmt.Errorf("%w: %w", interfaces.ErrVerificationFailed, err)
	}
	return mapped, nil
}

// ValidateRootHash checks that the root hash is a non-empty hex digest.
func ValidateRootHash(rootHash string) error {
	if rootHash == "" {
		return errors.New("empty root hash")
	}
	b, err := hex.DecodeString(rootHash)
	if err != nil {
		return fmt.Errorf("root hash is not hex: %w", err)
	}
	if len(b) < 16 {
		return fmt.Errorf("root hash too short: %d bytes", len(b))
	}
	return nil
}
