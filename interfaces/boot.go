package interfaces

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
)

type EncryptionKey = cryptoutils.EncryptionKey

// VeritySchemeDMVerity is the only verification scheme the sequencer understands.
// Any other value of rootfs_verity.scheme disables root verification.
const VeritySchemeDMVerity = "dm-verity"

// DeviceRole classifies a discovered block device.
type DeviceRole int

const (
	// RoleUnknown for devices that play no part in the boot
	RoleUnknown DeviceRole = iota
	// RoleRoot for the device selected by root=
	RoleRoot
	// RoleHash for the dm-verity hash tree device
	RoleHash
	// RoleProviderConfig for the operator supplied configuration disk
	RoleProviderConfig
	// RoleSystem for the whole disk carrying the root and hash partitions
	RoleSystem
	// RoleState for the disk selected as encrypted writable storage
	RoleState
)

// String returns the role name.
func (r DeviceRole) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleHash:
		return "hash"
	case RoleProviderConfig:
		return "provider-config"
	case RoleSystem:
		return "system"
	case RoleState:
		return "state"
	default:
		return "unknown"
	}
}

// MarshalText renders the role name in reports.
func (r DeviceRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *DeviceRole) UnmarshalText(text []byte) error {
	for role := RoleUnknown; role <= RoleState; role++ {
		if role.String() == string(text) {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown device role %q", text)
}

// BlockDevice is a kernel block device as reported by the device index.
// Parent holds the device path of the whole disk for partitions.
type BlockDevice struct {
	Path      string     `json:"path"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Label     string     `json:"label,omitempty"`
	PartLabel string     `json:"partlabel,omitempty"`
	UUID      string     `json:"uuid,omitempty"`
	PartUUID  string     `json:"partuuid,omitempty"`
	FSType    string     `json:"fstype,omitempty"`
	Parent    string     `json:"parent,omitempty"`
	Role      DeviceRole `json:"role"`
}

// IsDisk reports whether the device is a whole disk rather than a partition or a virtual device.
func (d BlockDevice) IsDisk() bool {
	return d.Type == "disk"
}

// SelectorKind tells how a DeviceSelector matches devices.
type SelectorKind int

const (
	SelectByPath SelectorKind = iota
	SelectByLabel
	SelectByPartLabel
	SelectByUUID
	SelectByPartUUID
)

var selectorPrefixes = []struct {
	prefix string
	kind   SelectorKind
}{
	{"LABEL=", SelectByLabel},
	{"PARTLABEL=", SelectByPartLabel},
	{"UUID=", SelectByUUID},
	{"PARTUUID=", SelectByPartUUID},
}

// DeviceSelector is the parsed form of a root= value.
type DeviceSelector struct {
	Kind  SelectorKind
	Value string
}

// ParseDeviceSelector parses LABEL=, PARTLABEL=, UUID=, PARTUUID= selectors
// and plain /dev paths.
func ParseDeviceSelector(s string) (DeviceSelector, error) {
	if s == "" {
		return DeviceSelector{}, errors.New("empty device selector")
	}

	for _, p := range selectorPrefixes {
		if value, ok := strings.CutPrefix(s, p.prefix); ok {
			if value == "" {
				return DeviceSelector{}, fmt.Errorf("empty value in device selector %q", s)
			}
			return DeviceSelector{Kind: p.kind, Value: value}, nil
		}
	}

	if !strings.HasPrefix(s, "/dev/") {
		return DeviceSelector{}, fmt.Errorf("unsupported device selector %q", s)
	}
	return DeviceSelector{Kind: SelectByPath, Value: s}, nil
}

// Matches reports whether the device is the one the selector names.
func (s DeviceSelector) Matches(d BlockDevice) bool {
	if s.Value == "" {
		return false
	}

	switch s.Kind {
	case SelectByLabel:
		return d.Label == s.Value
	case SelectByPartLabel:
		return d.PartLabel == s.Value
	case SelectByUUID:
		return strings.EqualFold(d.UUID, s.Value)
	case SelectByPartUUID:
		return strings.EqualFold(d.PartUUID, s.Value)
	default:
		return d.Path == s.Value
	}
}

// IsZero reports whether the selector was never set.
func (s DeviceSelector) IsZero() bool {
	return s.Value == ""
}

// String returns the selector in kernel command line form.
func (s DeviceSelector) String() string {
	for _, p := range selectorPrefixes {
		if p.kind == s.Kind {
			return p.prefix + s.Value
		}
	}
	return s.Value
}

// BootParameters are the kernel command line values the sequencer acts on.
// They are parsed once and never modified.
type BootParameters struct {
	VerityScheme   string         `json:"verity_scheme,omitempty"`
	VerityRootHash string         `json:"verity_root_hash,omitempty"`
	RootSelector   DeviceSelector `json:"-"`
}

// VerityEnabled reports whether root verification was requested.
func (p BootParameters) VerityEnabled() bool {
	return p.VerityScheme == VeritySchemeDMVerity
}

// MappedDevice is a device-mapper target opened by the sequencer.
type MappedDevice struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// MountSpec describes a single mount(2) call.
type MountSpec struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	FSType string  `json:"fstype,omitempty"`
	Flags  uintptr `json:"flags"`
	Data   string  `json:"data,omitempty"`
}

func (m MountSpec) String() string {
	return fmt.Sprintf("%s on %s type %s (%s)", m.Source, m.Target, m.FSType, m.Data)
}
