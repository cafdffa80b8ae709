// Package blockdev discovers block devices and assigns each one its boot role.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// ResolveDeviceByLabel returns the first device whose filesystem or partition label is label.
func ResolveDeviceByLabel(devices []interfaces.BlockDevice, label string) (interfaces.BlockDevice, bool) {
	if label == "" {
		return interfaces.BlockDevice{}, false
	}
	for _, d := range devices {
		if d.Label == label || d.PartLabel == label {
			return d, true
		}
	}
	return interfaces.BlockDevice{}, false
}

// ResolveSelector returns the single device the selector names.
func ResolveSelector(devices []interfaces.BlockDevice, sel interfaces.DeviceSelector) (interfaces.BlockDevice, error) {
	var matches []interfaces.BlockDevice
	for _, d := range devices {
		if sel.Matches(d) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return interfaces.BlockDevice{}, fmt.Errorf("%w: %s", interfaces.ErrMissingDevice, sel)
	case 1:
		return matches[0], nil
	default:
		return interfaces.BlockDevice{}, fmt.Errorf("%w: %s matches %s", interfaces.ErrAmbiguousTopology, sel, joinPaths(matches))
	}
}

// Layout names the devices the boot depends on.
type Layout struct {
	Root                interfaces.DeviceSelector
	HashPartLabel       string
	ProviderConfigLabel string
}

// Topology is the classified device set. Every device carries its role; Hash is nil
// when no hash partition is attached.
type Topology struct {
	Devices        []interfaces.BlockDevice
	Root           interfaces.BlockDevice
	Hash           *interfaces.BlockDevice
	ProviderConfig interfaces.BlockDevice
}

// Classify resolves the root, hash and provider-config devices and tags every device
// with its role. The root and provider-config devices are required.
func Classify(devices []interfaces.BlockDevice, layout Layout) (Topology, error) {
	root, err := ResolveSelector(devices, layout.Root)
	if err != nil {
		return Topology{}, fmt.Errorf("root device: %w", err)
	}

	providerConfig, err := ResolveSelector(devices, interfaces.DeviceSelector{Kind: interfaces.SelectByLabel, Value: layout.ProviderConfigLabel})
	if err != nil {
		return Topology{}, fmt.Errorf("provider config device: %w", err)
	}

	var hash *interfaces.BlockDevice
	h, err := ResolveSelector(devices, interfaces.DeviceSelector{Kind: interfaces.SelectByPartLabel, Value: layout.HashPartLabel})
	switch {
	case err == nil:
		hash = &h
	case !isMissing(err):
		return Topology{}, fmt.Errorf("hash device: %w", err)
	}

	if root.Path == providerConfig.Path || (hash != nil && (hash.Path == root.Path || hash.Path == providerConfig.Path)) {
		return Topology{}, fmt.Errorf("%w: one device claims several roles", interfaces.ErrAmbiguousTopology)
	}

	topo := Topology{
		Devices:        make([]interfaces.BlockDevice, len(devices)),
		ProviderConfig: providerConfig,
		Root:           root,
	}
	copy(topo.Devices, devices)

	roles := map[string]interfaces.DeviceRole{
		root.Path:           interfaces.RoleRoot,
		providerConfig.Path: interfaces.RoleProviderConfig,
	}
	system := []string{root.Path}
	if hash != nil {
		roles[hash.Path] = interfaces.RoleHash
		system = append(system, hash.Path)
	}
	for path := range ancestors(devices, system...) {
		if _, ok := roles[path]; !ok {
			roles[path] = interfaces.RoleSystem
		}
	}

	for i := range topo.Devices {
		topo.Devices[i].Role = roles[topo.Devices[i].Path]
	}
	topo.Root.Role = interfaces.RoleRoot
	topo.ProviderConfig.Role = interfaces.RoleProviderConfig
	if hash != nil {
		hash.Role = interfaces.RoleHash
		topo.Hash = hash
	}
	return topo, nil
}

// Known returns the paths of the devices that already have a role.
func (t Topology) Known() map[string]struct{} {
	known := map[string]struct{}{
		t.Root.Path:           {},
		t.ProviderConfig.Path: {},
	}
	if t.Hash != nil {
		known[t.Hash.Path] = struct{}{}
	}
	return known
}

// ClassifyStateDevice returns the one whole disk that is neither a known device nor
// holds one. Zero candidates is ErrMissingStateDisk, more than one ErrAmbiguousStateDisk.
func ClassifyStateDevice(devices []interfaces.BlockDevice, known map[string]struct{}) (interfaces.BlockDevice, error) {
	paths := make([]string, 0, len(known))
	for p := range known {
		paths = append(paths, p)
	}
	excluded := ancestors(devices, paths...)

	var candidates []interfaces.BlockDevice
	for _, d := range devices {
		if !d.IsDisk() || isVirtual(d.Name) {
			continue
		}
		if _, ok := excluded[d.Path]; ok {
			continue
		}
		candidates = append(candidates, d)
	}

	switch len(candidates) {
	case 0:
		return interfaces.BlockDevice{}, interfaces.ErrMissingStateDisk
	case 1:
		state := candidates[0]
		state.Role = interfaces.RoleState
		return state, nil
	default:
		return interfaces.BlockDevice{}, fmt.Errorf("%w: %s", interfaces.ErrAmbiguousStateDisk, joinPaths(candidates))
	}
}

// WaitFor polls the index until the selector resolves or wait elapses, and returns the
// last listing. Device nodes may appear a little after the initramfs starts.
func WaitFor(ctx context.Context, index interfaces.DeviceIndex, sel interfaces.DeviceSelector, wait, poll time.Duration) ([]interfaces.BlockDevice, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(wait)

	for {
		devices, err := index.Devices(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := ResolveSelector(devices, sel); err == nil || !isMissing(err) || !time.Now().Before(deadline) {
			return devices, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// ancestors returns the given paths together with all their parent devices.
func ancestors(devices []interfaces.BlockDevice, paths ...string) map[string]struct{} {
	parents := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.Parent != "" {
			parents[d.Path] = d.Parent
		}
	}

	out := make(map[string]struct{})
	for _, p := range paths {
		for p != "" {
			if _, ok := out[p]; ok {
				break
			}
			out[p] = struct{}{}
			p = parents[p]
		}
	}
	return out
}

func isVirtual(name string) bool {
	for _, prefix := range []string{"ram", "zram", "loop"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isMissing(err error) bool {
	return errors.Is(err, interfaces.ErrMissingDevice)
}

func joinPaths(devices []interfaces.BlockDevice) string {
	paths := make([]string, len(devices))
	for i, d := range devices {
		paths[i] = d.Path
	}
	return strings.Join(paths, ", ")
}
