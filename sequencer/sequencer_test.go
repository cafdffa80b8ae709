package sequencer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ruteri/cvm-boot-sequencer/config"
	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

const (
	testRootHash = "deadbeef00112233445566778899aabbccddeeff00112233445566778899aabb"
	verityCmd    = "root=LABEL=rootfs rootfs_verity.scheme=dm-verity rootfs_verity.hash=" + testRootHash
)

var (
	verityMapping = interfaces.MappedDevice{Name: "rootfs_verified", Path: "/dev/mapper/rootfs_verified"}
	stateMapping  = interfaces.MappedDevice{Name: "crypt_state", Path: "/dev/mapper/crypt_state"}
)

func systemDevices() []interfaces.BlockDevice {
	return []interfaces.BlockDevice{
		{Path: "/dev/vda", Name: "vda", Type: "disk"},
		{Path: "/dev/vda1", Name: "vda1", Type: "part", Label: "rootfs", FSType: "ext4", Parent: "/dev/vda"},
		{Path: "/dev/vda2", Name: "vda2", Type: "part", PartLabel: "rootfs_hash", Parent: "/dev/vda"},
		{Path: "/dev/vdb", Name: "vdb", Type: "disk", Label: "provider_config", FSType: "ext4"},
	}
}

func extraDisk(name string) interfaces.BlockDevice {
	return interfaces.BlockDevice{Path: "/dev/" + name, Name: name, Type: "disk"}
}

type fixture struct {
	cfg config.Config

	index     *instanceutils.MockDeviceIndex
	verifier  *instanceutils.MockRootVerifier
	encryptor *instanceutils.MockVolumeEncryptor
	formatter *instanceutils.MockFilesystemFormatter
	mounter   *instanceutils.MockMountExecutor
	switcher  *instanceutils.MockSwitcher

	// mount table changes in call order, "mount <target>" or "umount <target>"
	events []string
	mounts []interfaces.MountSpec

	logs *bytes.Buffer
}

func newFixture(t *testing.T, cmdline string, devices []interfaces.BlockDevice) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Cmdline = filepath.Join(root, "cmdline")
	cfg.DevDir = filepath.Join(root, "dev")
	cfg.RootMountPoint = filepath.Join(root, "mnt", "rootfs")
	cfg.StateMountPoint = filepath.Join(root, "mnt", "state")
	cfg.TargetRoot = filepath.Join(root, "sysroot")
	cfg.MountPseudoFS = false
	cfg.DeviceWait = 0
	cfg.Heartbeat = 0
	require.NoError(t, os.WriteFile(cfg.Cmdline, []byte(cmdline+"\n"), 0o600))

	f := &fixture{
		cfg:       cfg,
		index:     new(instanceutils.MockDeviceIndex),
		verifier:  new(instanceutils.MockRootVerifier),
		encryptor: new(instanceutils.MockVolumeEncryptor),
		formatter: new(instanceutils.MockFilesystemFormatter),
		mounter:   new(instanceutils.MockMountExecutor),
		switcher:  new(instanceutils.MockSwitcher),
		logs:      &bytes.Buffer{},
	}

	f.index.On("Devices", mock.Anything).Return(devices, nil)
	f.verifier.On("OpenVerity", mock.Anything, "rootfs_verified", "/dev/vda1", "/dev/vda2", testRootHash).Return(verityMapping, nil)
	f.verifier.On("CloseVerity", mock.Anything, "rootfs_verified").Return(nil)
	f.encryptor.On("Format", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.encryptor.On("Open", mock.Anything, mock.Anything, "crypt_state", mock.Anything).Return(stateMapping, nil)
	f.encryptor.On("Close", mock.Anything, "crypt_state").Return(nil)
	f.formatter.On("Wipe", mock.Anything, mock.Anything).Return(nil)
	f.formatter.On("Format", mock.Anything, stateMapping.Path, "ext4", "state").Return(nil)
	f.switcher.On("SwitchRoot", cfg.TargetRoot, "/sbin/init", []string{"/sbin/init"}).Return(nil)
	return f
}

// allowMounts makes every mount and unmount succeed, except mounts on failTarget.
func (f *fixture) allowMounts(failTarget string) {
	f.mounter.On("Mount", mock.MatchedBy(func(spec interfaces.MountSpec) bool { return spec.Target == failTarget })).
		Return(unix.EINVAL)
	f.mounter.On("Mount", mock.Anything).Run(func(args mock.Arguments) {
		spec := args.Get(0).(interfaces.MountSpec)
		f.events = append(f.events, "mount "+spec.Target)
		f.mounts = append(f.mounts, spec)
	}).Return(nil)
	f.mounter.On("Unmount", mock.Anything).Run(func(args mock.Arguments) {
		f.events = append(f.events, "umount "+args.String(0))
	}).Return(nil)
}

func (f *fixture) sequencer(attester cryptoutils.AttestationProvider) *Sequencer {
	log := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(f.cfg, Deps{
		Index:          f.index,
		Verifier:       f.verifier,
		Encryptor:      f.encryptor,
		Formatter:      f.formatter,
		Mounter:        f.mounter,
		Switcher:       f.switcher,
		Attester:       attester,
		DetectPlatform: func(string) cryptoutils.Platform { return cryptoutils.PlatformNone },
	}, log, uuid.New())
}

func TestRunVerifiedBoot(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts("")

	require.NoError(t, f.sequencer(nil).Run(context.Background()))

	f.verifier.AssertCalled(t, "OpenVerity", mock.Anything, "rootfs_verified", "/dev/vda1", "/dev/vda2", testRootHash)
	f.encryptor.AssertCalled(t, "Format", mock.Anything, "/dev/vdc", mock.Anything)
	f.formatter.AssertCalled(t, "Wipe", mock.Anything, "/dev/vdc")
	f.switcher.AssertExpectations(t)

	target := f.cfg.TargetRoot
	assert.Equal(t, []string{
		"mount " + f.cfg.RootMountPoint,
		"mount " + f.cfg.StateMountPoint,
		"mount " + target,
		"mount " + filepath.Join(target, "sp"),
		"mount " + filepath.Join(target, "var"),
		"mount " + filepath.Join(target, "dev"),
		"umount /proc",
		"umount /sys",
	}, f.events)

	rootMount := f.mounts[0]
	assert.Equal(t, verityMapping.Path, rootMount.Source)
	assert.Equal(t, uintptr(unix.MS_RDONLY), rootMount.Flags&unix.MS_RDONLY)

	overlay := f.mounts[2]
	assert.Equal(t, "overlay", overlay.FSType)
	assert.Contains(t, overlay.Data, "lowerdir="+f.cfg.RootMountPoint)
	assert.Contains(t, overlay.Data, "upperdir="+filepath.Join(f.cfg.StateMountPoint, "upper"))

	providerConfig := f.mounts[3]
	assert.Equal(t, "/dev/vdb", providerConfig.Source)
	assert.Equal(t, uintptr(unix.MS_RDONLY), providerConfig.Flags&unix.MS_RDONLY)

	varBind := f.mounts[4]
	assert.Equal(t, filepath.Join(f.cfg.StateMountPoint, "var"), varBind.Source)
	assert.Equal(t, uintptr(unix.MS_BIND), varBind.Flags&unix.MS_BIND)

	devMove := f.mounts[5]
	assert.Equal(t, f.cfg.DevDir, devMove.Source)
	assert.Equal(t, uintptr(unix.MS_MOVE), devMove.Flags)

	assert.NotContains(t, f.logs.String(), "level=ERROR")
}

func TestRunVerityDisabled(t *testing.T) {
	f := newFixture(t, "root=LABEL=rootfs", append(systemDevices(), extraDisk("vdc")))
	f.allowMounts("")

	require.NoError(t, f.sequencer(nil).Run(context.Background()))

	f.verifier.AssertNotCalled(t, "OpenVerity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.NotEmpty(t, f.mounts)
	assert.Equal(t, "/dev/vda1", f.mounts[0].Source)
	assert.Equal(t, uintptr(unix.MS_RDONLY), f.mounts[0].Flags&unix.MS_RDONLY)
	assert.Contains(t, f.logs.String(), "level=WARN msg=\"root filesystem verification disabled\"")
}

func TestRunHashDeviceMissing(t *testing.T) {
	devices := []interfaces.BlockDevice{}
	for _, d := range systemDevices() {
		if d.PartLabel != "rootfs_hash" {
			devices = append(devices, d)
		}
	}
	f := newFixture(t, verityCmd, append(devices, extraDisk("vdc")))
	f.allowMounts("")

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrVerificationFailed)
	assert.True(t, IsStep(err, StateRootVerification))

	f.mounter.AssertNotCalled(t, "Mount", mock.Anything)
	f.verifier.AssertNotCalled(t, "OpenVerity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.encryptor.AssertNotCalled(t, "Format", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunAmbiguousStateDisk(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc"), extraDisk("vdd")))
	f.allowMounts("")

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrAmbiguousTopology)
	require.ErrorIs(t, err, interfaces.ErrAmbiguousStateDisk)
	assert.True(t, IsStep(err, StateStateDeviceSelection))

	// neither extra disk was touched
	f.formatter.AssertNotCalled(t, "Wipe", mock.Anything, mock.Anything)
	f.encryptor.AssertNotCalled(t, "Format", mock.Anything, mock.Anything, mock.Anything)
	f.formatter.AssertNotCalled(t, "Format", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// rollback undid the root mount and closed the verity mapping
	assert.Equal(t, []string{"mount " + f.cfg.RootMountPoint, "umount " + f.cfg.RootMountPoint}, f.events)
	f.verifier.AssertCalled(t, "CloseVerity", mock.Anything, "rootfs_verified")
	f.switcher.AssertNotCalled(t, "SwitchRoot", mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, f.logs.String(), "boot failed")
}

func TestRunMissingStateDisk(t *testing.T) {
	f := newFixture(t, verityCmd, systemDevices())
	f.allowMounts("")

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMissingStateDisk)
	require.ErrorIs(t, err, interfaces.ErrMissingDevice)
}

func TestRunMissingRootParameter(t *testing.T) {
	f := newFixture(t, "console=ttyS0 quiet", systemDevices())
	f.allowMounts("")

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMissingBootParameter)
	assert.True(t, IsStep(err, StateInit))
	f.index.AssertNotCalled(t, "Devices", mock.Anything)
}

func TestRunMissingProviderConfig(t *testing.T) {
	devices := []interfaces.BlockDevice{}
	for _, d := range systemDevices() {
		if d.Label != "provider_config" {
			devices = append(devices, d)
		}
	}
	f := newFixture(t, verityCmd, append(devices, extraDisk("vdc")))
	f.allowMounts("")

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMissingDevice)
	assert.True(t, IsStep(err, StateDeviceDiscovery))
}

func TestRunOverlayMountFailureRollsBack(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts(f.cfg.TargetRoot)

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMountFailed)
	assert.True(t, IsStep(err, StateOverlayAssembly))

	assert.Equal(t, []string{
		"mount " + f.cfg.RootMountPoint,
		"mount " + f.cfg.StateMountPoint,
		"umount " + f.cfg.StateMountPoint,
		"umount " + f.cfg.RootMountPoint,
	}, f.events)
	f.encryptor.AssertCalled(t, "Close", mock.Anything, "crypt_state")
	f.verifier.AssertCalled(t, "CloseVerity", mock.Anything, "rootfs_verified")
}

func TestRunProvisioningFailure(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts("")
	f.encryptor.ExpectedCalls = nil
	f.encryptor.On("Format", mock.Anything, "/dev/vdc", mock.Anything).Return(errors.New("luksFormat failed"))

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrProvisioningFailed)
	assert.True(t, IsStep(err, StateStateDiskProvision))
	f.encryptor.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
}

func TestRunSwitchRootFailure(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts("")
	f.switcher.ExpectedCalls = nil
	f.switcher.On("SwitchRoot", mock.Anything, mock.Anything, mock.Anything).Return(unix.ENOENT)

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMountFailed)
	require.ErrorIs(t, err, unix.ENOENT)
	assert.True(t, IsStep(err, StateHop))

	// /dev goes back before the target root is taken apart
	target := f.cfg.TargetRoot
	assert.Equal(t, []string{
		"mount " + f.cfg.RootMountPoint,
		"mount " + f.cfg.StateMountPoint,
		"mount " + target,
		"mount " + filepath.Join(target, "sp"),
		"mount " + filepath.Join(target, "var"),
		"mount " + filepath.Join(target, "dev"),
		"umount /proc",
		"umount /sys",
		"mount " + f.cfg.DevDir,
		"umount " + filepath.Join(target, "var"),
		"umount " + filepath.Join(target, "sp"),
		"umount " + target,
		"umount " + f.cfg.StateMountPoint,
		"umount " + f.cfg.RootMountPoint,
	}, f.events)

	devBack := f.mounts[len(f.mounts)-1]
	assert.Equal(t, filepath.Join(target, "dev"), devBack.Source)
	assert.Equal(t, f.cfg.DevDir, devBack.Target)
	assert.Equal(t, uintptr(unix.MS_MOVE), devBack.Flags)
	f.encryptor.AssertCalled(t, "Close", mock.Anything, "crypt_state")
}

func TestRunStateMountFailureClosesMapping(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts(f.cfg.StateMountPoint)

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrMountFailed)
	assert.True(t, IsStep(err, StateStateDiskProvision))

	assert.Equal(t, []string{"mount " + f.cfg.RootMountPoint, "umount " + f.cfg.RootMountPoint}, f.events)
	f.encryptor.AssertCalled(t, "Open", mock.Anything, "/dev/vdc", "crypt_state", mock.Anything)
	f.encryptor.AssertCalled(t, "Close", mock.Anything, "crypt_state")
	f.verifier.AssertCalled(t, "CloseVerity", mock.Anything, "rootfs_verified")
}

func TestRunMkfsFailureClosesMappingOnce(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.allowMounts("")
	f.formatter.ExpectedCalls = nil
	f.formatter.On("Wipe", mock.Anything, mock.Anything).Return(nil)
	f.formatter.On("Format", mock.Anything, stateMapping.Path, "ext4", "state").Return(errors.New("mkfs.ext4 failed"))

	err := f.sequencer(nil).Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrProvisioningFailed)
	assert.True(t, IsStep(err, StateStateDiskProvision))

	f.encryptor.AssertCalled(t, "Open", mock.Anything, "/dev/vdc", "crypt_state", mock.Anything)
	f.encryptor.AssertNumberOfCalls(t, "Close", 1)
	f.verifier.AssertCalled(t, "CloseVerity", mock.Anything, "rootfs_verified")
	assert.Equal(t, []string{"mount " + f.cfg.RootMountPoint, "umount " + f.cfg.RootMountPoint}, f.events)
}

func TestRunPseudoFilesystems(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.cfg.MountPseudoFS = true
	f.allowMounts("")

	require.NoError(t, f.sequencer(nil).Run(context.Background()))
	require.GreaterOrEqual(t, len(f.events), 3)
	assert.Equal(t, []string{"mount /proc", "mount /sys", "mount " + f.cfg.DevDir}, f.events[:3])
}

func TestRunWritesBootReport(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.cfg.BootEvidence = true
	f.allowMounts("")

	seq := f.sequencer(cryptoutils.DummyAttestationProvider{})
	require.NoError(t, seq.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(f.cfg.TargetRoot, f.cfg.ReportPath))
	require.NoError(t, err)

	var report BootReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, seq.bootID.String(), report.BootID)
	assert.True(t, report.Verity)
	assert.Equal(t, testRootHash, report.RootHash)
	assert.Equal(t, "/dev/vdc", report.StateDisk)
	assert.Equal(t, "dummy", report.Attestation)
	assert.NotEmpty(t, report.Quote)

	reportData := cryptoutils.BootReportData(seq.bootID, testRootHash)
	assert.Equal(t, hex.EncodeToString(reportData[:]), report.ReportData)

	roles := map[string]interfaces.DeviceRole{}
	for _, d := range report.Devices {
		roles[d.Path] = d.Role
	}
	assert.Equal(t, interfaces.RoleState, roles["/dev/vdc"])
	assert.Equal(t, interfaces.RoleSystem, roles["/dev/vda"])
}

type failingAttester struct{ cryptoutils.DummyAttestationProvider }

func (failingAttester) Attest([64]byte) ([]byte, error) { return nil, errors.New("no quote provider") }

func TestRunBootReportWithoutQuote(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc")))
	f.cfg.BootEvidence = true
	f.allowMounts("")

	require.NoError(t, f.sequencer(failingAttester{}).Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(f.cfg.TargetRoot, f.cfg.ReportPath))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"quote"`)
	assert.Contains(t, f.logs.String(), "could not obtain boot quote")
}

func TestInspect(t *testing.T) {
	f := newFixture(t, verityCmd, append(systemDevices(), extraDisk("vdc"), extraDisk("vdd")))

	in, err := f.sequencer(nil).Inspect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "LABEL=rootfs", in.Root)
	assert.True(t, in.Params.VerityEnabled())
	assert.Empty(t, in.StateDisk)
	require.Len(t, in.Problems, 1)
	assert.Contains(t, in.Problems[0], "more than one state disk")

	f.mounter.AssertNotCalled(t, "Mount", mock.Anything)
	f.encryptor.AssertNotCalled(t, "Format", mock.Anything, mock.Anything, mock.Anything)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "StateDeviceSelection", StateStateDeviceSelection.String())
	assert.Equal(t, "Hop", StateHop.String())
	assert.Equal(t, "State(42)", State(42).String())

	err := &StepError{State: StateRootMount, Err: interfaces.ErrMountFailed}
	assert.Equal(t, "RootMount: mount failed", err.Error())
	assert.ErrorIs(t, err, interfaces.ErrMountFailed)
}

// syncBuffer is written by the watchdog goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchdog(t *testing.T) {
	var out syncBuffer
	w := NewWatchdog(slog.New(slog.NewTextHandler(&out, nil)), 5*time.Millisecond)
	w.Enter(StateStateDiskProvision)
	assert.Equal(t, StateStateDiskProvision, w.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "state=StateDiskProvision")
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	disabled := NewWatchdog(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	disabled.Run(context.Background())
}
