package sequencer

import (
	"fmt"

	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/blockdev"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// State is a step of the boot pipeline. States only move forward.
type State int32

const (
	StateInit State = iota
	StateDeviceDiscovery
	StateRootVerification
	StateRootMount
	StateStateDeviceSelection
	StateStateDiskProvision
	StateOverlayAssembly
	StateHop
	StateAbort
)

var stateNames = [...]string{
	StateInit:                 "Init",
	StateDeviceDiscovery:      "DeviceDiscovery",
	StateRootVerification:     "RootVerification",
	StateRootMount:            "RootMount",
	StateStateDeviceSelection: "StateDeviceSelection",
	StateStateDiskProvision:   "StateDiskProvision",
	StateOverlayAssembly:      "OverlayAssembly",
	StateHop:                  "Hop",
	StateAbort:                "Abort",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// StepError names the step a boot failed in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// BootState is everything the steps learn about the boot. Each step receives the
// state built so far and returns it extended, also on failure, so that abort can
// release what the step opened.
type BootState struct {
	Platform cryptoutils.Platform
	Params   interfaces.BootParameters
	Topology blockdev.Topology

	// RootDevice is the device mounted as the lower layer: the verity mapping, or
	// the raw root device when verification is disabled.
	RootDevice string
	Verity     *interfaces.MappedDevice

	StateDisk    interfaces.BlockDevice
	StateMapping *interfaces.MappedDevice

	// MovedDev is where /dev lives once Hop moved it under the target root.
	MovedDev string
}
