package instanceutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// MockCommandRunner mocks the CommandRunner interface
type MockCommandRunner struct {
	mock.Mock
}

// Run mocks the Run method. Variadic args are passed to Called as a single []string.
func (m *MockCommandRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	ret := m.Called(ctx, stdin, name, args)
	out, _ := ret.Get(0).([]byte)
	return out, ret.Error(1)
}

// MockDeviceIndex mocks the DeviceIndex interface
type MockDeviceIndex struct {
	mock.Mock
}

func (m *MockDeviceIndex) Devices(ctx context.Context) ([]interfaces.BlockDevice, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]interfaces.BlockDevice)
	return devices, args.Error(1)
}

// MockRootVerifier mocks the RootVerifier interface
type MockRootVerifier struct {
	mock.Mock
}

func (m *MockRootVerifier) OpenVerity(ctx context.Context, name, dataDevice, hashDevice, rootHash string) (interfaces.MappedDevice, error) {
	args := m.Called(ctx, name, dataDevice, hashDevice, rootHash)
	return args.Get(0).(interfaces.MappedDevice), args.Error(1)
}

func (m *MockRootVerifier) CloseVerity(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// MockVolumeEncryptor mocks the VolumeEncryptor interface
type MockVolumeEncryptor struct {
	mock.Mock
}

func (m *MockVolumeEncryptor) Format(ctx context.Context, device string, key *interfaces.EncryptionKey) error {
	args := m.Called(ctx, device, key)
	return args.Error(0)
}

func (m *MockVolumeEncryptor) Open(ctx context.Context, device, name string, key *interfaces.EncryptionKey) (interfaces.MappedDevice, error) {
	args := m.Called(ctx, device, name, key)
	return args.Get(0).(interfaces.MappedDevice), args.Error(1)
}

func (m *MockVolumeEncryptor) Close(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// MockFilesystemFormatter mocks the FilesystemFormatter interface
type MockFilesystemFormatter struct {
	mock.Mock
}

func (m *MockFilesystemFormatter) Wipe(ctx context.Context, device string) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockFilesystemFormatter) Format(ctx context.Context, device, fsType, label string) error {
	args := m.Called(ctx, device, fsType, label)
	return args.Error(0)
}

// MockMountExecutor mocks the MountExecutor interface
type MockMountExecutor struct {
	mock.Mock
}

func (m *MockMountExecutor) Mount(spec interfaces.MountSpec) error {
	args := m.Called(spec)
	return args.Error(0)
}

func (m *MockMountExecutor) Unmount(target string) error {
	args := m.Called(target)
	return args.Error(0)
}

// MockSwitcher mocks the Switcher interface
type MockSwitcher struct {
	mock.Mock
}

func (m *MockSwitcher) SwitchRoot(newRoot, init string, argv []string) error {
	args := m.Called(newRoot, init, argv)
	return args.Error(0)
}
