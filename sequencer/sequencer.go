// Package sequencer drives a confidential VM from the initramfs to its real init:
// it verifies and mounts the root filesystem, provisions the encrypted state disk,
// assembles the writable overlay root and hands over to init.
//
// The pipeline is strictly linear. Any failure aborts the boot: mounts are undone
// in reverse order, opened mappings are closed, and Run returns a *StepError that
// names the failing state.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/cvm-boot-sequencer/common"
	"github.com/ruteri/cvm-boot-sequencer/config"
	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/blockdev"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/bootparams"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/diskutil"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/mounts"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

const (
	upperDir = "upper"
	workDir  = "work"
)

// Deps are the privileged effects of the boot.
type Deps struct {
	Index     interfaces.DeviceIndex
	Verifier  interfaces.RootVerifier
	Encryptor interfaces.VolumeEncryptor
	Formatter interfaces.FilesystemFormatter
	Mounter   interfaces.MountExecutor
	Switcher  interfaces.Switcher

	// Attester produces the boot quote. When nil it is picked from the platform.
	Attester cryptoutils.AttestationProvider
	// DetectPlatform defaults to cryptoutils.DetectPlatform.
	DetectPlatform func(devDir string) cryptoutils.Platform
}

// Sequencer runs the boot pipeline once. It owns the mount plan, so a Sequencer
// must not be reused after Run returns.
type Sequencer struct {
	cfg    config.Config
	deps   Deps
	log    *slog.Logger
	bootID uuid.UUID

	plan     *mounts.Plan
	watchdog *Watchdog
	started  time.Time
}

type step struct {
	state State
	run   func(context.Context, BootState) (BootState, error)
}

// New builds a Sequencer. bootID identifies this boot in logs and in the boot report.
func New(cfg config.Config, deps Deps, log *slog.Logger, bootID uuid.UUID) *Sequencer {
	if deps.DetectPlatform == nil {
		deps.DetectPlatform = cryptoutils.DetectPlatform
	}
	return &Sequencer{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		bootID:   bootID,
		plan:     mounts.NewPlan(deps.Mounter, log),
		watchdog: NewWatchdog(log, cfg.Heartbeat),
	}
}

// Run executes the boot. On success the process is replaced by init and Run does
// not return, unless the Switcher returns nil.
func (s *Sequencer) Run(ctx context.Context) error {
	s.started = time.Now()
	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go s.watchdog.Run(wdCtx)

	steps := []step{
		{StateInit, s.init},
		{StateDeviceDiscovery, s.discoverDevices},
		{StateRootVerification, s.verifyRoot},
		{StateRootMount, s.mountRoot},
		{StateStateDeviceSelection, s.selectStateDevice},
		{StateStateDiskProvision, s.provisionStateDisk},
		{StateOverlayAssembly, s.assembleOverlay},
		{StateHop, s.hop},
	}

	var bs BootState
	for _, st := range steps {
		s.watchdog.Enter(st.state)
		s.log.Debug("entering state", "state", st.state)

		next, err := s.runStep(ctx, st, bs)
		if err != nil {
			// next carries whatever the failing step opened before it failed
			return s.abort(ctx, next, st.state, err)
		}
		bs = next
	}
	return nil
}

func (s *Sequencer) runStep(ctx context.Context, st step, bs BootState) (BootState, error) {
	if s.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
	}
	return st.run(ctx, bs)
}

// abort undoes what the boot did so far. The state disk is not wiped: a reboot
// reprovisions it anyway.
func (s *Sequencer) abort(ctx context.Context, bs BootState, state State, err error) error {
	s.watchdog.Enter(StateAbort)
	stepErr := &StepError{State: state, Err: err}
	s.log.Log(ctx, common.LevelFail, "boot failed", "state", state, "err", err)

	// rollback must run even if the step timed out
	ctx = context.WithoutCancel(ctx)
	if bs.MovedDev != "" {
		// /dev pins the target root until it is moved back
		if merr := s.plan.Move(bs.MovedDev, s.cfg.DevDir); merr != nil {
			s.log.Warn("could not move /dev back, target root stays busy", "from", bs.MovedDev, "err", merr)
		}
	}
	if rerr := s.plan.Rollback(); rerr != nil {
		s.log.Warn("rollback incomplete", "err", rerr)
	}
	if bs.StateMapping != nil {
		if cerr := s.deps.Encryptor.Close(ctx, bs.StateMapping.Name); cerr != nil {
			s.log.Warn("could not close state mapping", "name", bs.StateMapping.Name, "err", cerr)
		}
	}
	if bs.Verity != nil {
		if cerr := s.deps.Verifier.CloseVerity(ctx, bs.Verity.Name); cerr != nil {
			s.log.Warn("could not close verity mapping", "name", bs.Verity.Name, "err", cerr)
		}
	}
	return stepErr
}

func (s *Sequencer) init(_ context.Context, bs BootState) (BootState, error) {
	if s.cfg.MountPseudoFS {
		if err := s.plan.MountAll(mounts.PseudoFilesystems(s.cfg.DevDir)); err != nil {
			return bs, err
		}
	}

	bs.Platform = s.deps.DetectPlatform(s.cfg.DevDir)
	s.log.Info("starting boot", "boot_id", s.bootID, "platform", bs.Platform, "version", common.Version)

	cmdline, err := bootparams.ReadCmdline(s.cfg.Cmdline)
	if err != nil {
		return bs, err
	}
	params, err := bootparams.Parse(cmdline)
	if err != nil {
		return bs, err
	}
	bs.Params = params

	s.log.Info("parsed boot parameters", "root", params.RootSelector, "verity", params.VerityEnabled())
	return bs, nil
}

func (s *Sequencer) layout(params interfaces.BootParameters) blockdev.Layout {
	return blockdev.Layout{
		Root:                params.RootSelector,
		HashPartLabel:       s.cfg.HashPartLabel,
		ProviderConfigLabel: s.cfg.ProviderConfigLabel,
	}
}

func (s *Sequencer) discoverDevices(ctx context.Context, bs BootState) (BootState, error) {
	devices, err := blockdev.WaitFor(ctx, s.deps.Index, bs.Params.RootSelector, s.cfg.DeviceWait, 0)
	if err != nil {
		return bs, err
	}

	topo, err := blockdev.Classify(devices, s.layout(bs.Params))
	if err != nil {
		return bs, err
	}
	bs.Topology = topo

	for _, d := range topo.Devices {
		s.log.Debug("block device", "path", d.Path, "type", d.Type, "role", d.Role)
	}
	s.log.Info("found system devices", "root", topo.Root.Path, "provider_config", topo.ProviderConfig.Path, "hash", hashPath(topo))
	return bs, nil
}

func hashPath(topo blockdev.Topology) string {
	if topo.Hash == nil {
		return ""
	}
	return topo.Hash.Path
}

func (s *Sequencer) verifyRoot(ctx context.Context, bs BootState) (BootState, error) {
	if !bs.Params.VerityEnabled() {
		s.log.Warn("root filesystem verification disabled", "scheme", bs.Params.VerityScheme)
		bs.RootDevice = bs.Topology.Root.Path
		return bs, nil
	}

	mapped, err := diskutil.VerifyRoot(ctx, s.deps.Verifier, s.cfg.VerityMapperName, bs.Topology.Root, bs.Topology.Hash, bs.Params.VerityRootHash)
	if err != nil {
		return bs, err
	}
	bs.Verity = &mapped
	bs.RootDevice = mapped.Path

	s.log.Info("root filesystem verified", "mapping", mapped.Path, "root_hash", bs.Params.VerityRootHash)
	return bs, nil
}

func (s *Sequencer) mountRoot(_ context.Context, bs BootState) (BootState, error) {
	if err := s.plan.Mount(mounts.ReadOnly(bs.RootDevice, s.cfg.RootMountPoint, s.cfg.RootFSType)); err != nil {
		return bs, err
	}
	s.log.Info("mounted root read-only", "device", bs.RootDevice, "target", s.cfg.RootMountPoint)
	return bs, nil
}

func (s *Sequencer) selectStateDevice(_ context.Context, bs BootState) (BootState, error) {
	state, err := blockdev.ClassifyStateDevice(bs.Topology.Devices, bs.Topology.Known())
	if err != nil {
		return bs, err
	}
	bs.StateDisk = state

	devices := make([]interfaces.BlockDevice, len(bs.Topology.Devices))
	copy(devices, bs.Topology.Devices)
	for i := range devices {
		if devices[i].Path == state.Path {
			devices[i].Role = interfaces.RoleState
		}
	}
	bs.Topology.Devices = devices

	s.log.Info("selected state disk", "device", state.Path)
	return bs, nil
}

func (s *Sequencer) provisionStateDisk(ctx context.Context, bs BootState) (BootState, error) {
	mapped, err := diskutil.ProvisionStateDisk(ctx, s.log, s.deps.Encryptor, s.deps.Formatter, diskutil.StateDisk{
		DevicePath: bs.StateDisk.Path,
		MapperName: s.cfg.StateMapperName,
		FSType:     s.cfg.StateFSType,
		FSLabel:    s.cfg.StateFSLabel,
	})
	if err != nil {
		return bs, err
	}
	bs.StateMapping = &mapped

	if err := s.plan.Mount(mounts.ReadWrite(mapped.Path, s.cfg.StateMountPoint, s.cfg.StateFSType)); err != nil {
		return bs, err
	}
	return bs, nil
}

// assembleOverlay mounts the overlay root and then the auxiliary mounts inside it.
// The auxiliary mounts must come after the overlay: overlayfs cannot use another
// overlay as a layer.
func (s *Sequencer) assembleOverlay(ctx context.Context, bs BootState) (BootState, error) {
	upper := filepath.Join(s.cfg.StateMountPoint, upperDir)
	work := filepath.Join(s.cfg.StateMountPoint, workDir)
	varDir := filepath.Join(s.cfg.StateMountPoint, s.cfg.VarDir)
	for _, dir := range []string{upper, work, varDir} {
		if err := s.plan.MkdirAll(dir, 0o755); err != nil {
			return bs, fmt.Errorf("%w: could not create %s: %w", interfaces.ErrMountFailed, dir, err)
		}
	}

	overlay, err := mounts.Overlay(s.cfg.RootMountPoint, upper, work, s.cfg.TargetRoot)
	if err != nil {
		return bs, err
	}
	if err := s.plan.Mount(overlay); err != nil {
		return bs, err
	}

	pc := bs.Topology.ProviderConfig
	pcFSType := pc.FSType
	if pcFSType == "" {
		pcFSType = s.cfg.RootFSType
	}
	auxiliary := []interfaces.MountSpec{
		mounts.ReadOnly(pc.Path, filepath.Join(s.cfg.TargetRoot, s.cfg.ProviderConfigTarget), pcFSType),
		mounts.Bind(varDir, filepath.Join(s.cfg.TargetRoot, "var")),
	}
	for _, spec := range auxiliary {
		if err := s.plan.Mount(spec); err != nil {
			return bs, err
		}
	}
	s.log.Info("assembled root", "target", s.cfg.TargetRoot)

	if s.cfg.BootEvidence {
		s.writeBootReport(ctx, bs)
	}
	return bs, nil
}

// hop moves /dev into the new root, drops the initramfs pseudo filesystems and
// execs init. It only returns on failure.
func (s *Sequencer) hop(_ context.Context, bs BootState) (BootState, error) {
	targetDev := filepath.Join(s.cfg.TargetRoot, "dev")
	if err := s.plan.Move(s.cfg.DevDir, targetDev); err != nil {
		return bs, err
	}
	bs.MovedDev = targetDev
	for _, target := range []string{"/proc", "/sys"} {
		if err := s.plan.Unmount(target); err != nil {
			s.log.Warn("could not unmount initramfs filesystem", "target", target, "err", err)
		}
	}

	s.log.Info("switching root", "target", s.cfg.TargetRoot, "init", s.cfg.Init, "elapsed", time.Since(s.started).Round(time.Millisecond))
	if err := s.deps.Switcher.SwitchRoot(s.cfg.TargetRoot, s.cfg.Init, []string{s.cfg.Init}); err != nil {
		return bs, fmt.Errorf("%w: %w", interfaces.ErrMountFailed, err)
	}
	return bs, nil
}

// IsStep reports whether err is a boot failure in state.
func IsStep(err error, state State) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.State == state
}
