package interfaces

import (
	"errors"
	"fmt"
)

// Boot failure kinds. Every one of them is fatal: the sequencer never retries
// and never downgrades them.
var (
	// ErrMissingDevice is returned when a required block device is absent
	ErrMissingDevice = errors.New("required block device not found")

	// ErrAmbiguousTopology is returned when the attached devices cannot be assigned unambiguously
	ErrAmbiguousTopology = errors.New("ambiguous block device topology")

	// ErrVerificationFailed is returned when the root filesystem cannot be verified
	ErrVerificationFailed = errors.New("root filesystem verification failed")

	// ErrProvisioningFailed is returned when encrypting or formatting the state disk fails
	ErrProvisioningFailed = errors.New("state disk provisioning failed")

	// ErrMountFailed is returned when a mount, unmount or root switch fails
	ErrMountFailed = errors.New("mount failed")
)

// Refinements of the kinds above. errors.Is matches both the refinement and its kind.
var (
	ErrMissingBootParameter = fmt.Errorf("%w: missing kernel command line parameter", ErrMissingDevice)
	ErrMissingStateDisk     = fmt.Errorf("%w: no state disk attached, attach one disk and reboot", ErrMissingDevice)
	ErrAmbiguousStateDisk   = fmt.Errorf("%w: more than one state disk candidate, detach the extra disks and reboot", ErrAmbiguousTopology)
)
