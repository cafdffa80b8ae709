package blockdev

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

var lsblkArgs = []string{
	"--json", "--list", "--bytes",
	"--output", "NAME,PATH,TYPE,LABEL,PARTLABEL,UUID,PARTUUID,FSTYPE,PKNAME",
}

// lsblk --json --list output. Absent attributes are null and decode as "".
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	Label     string `json:"label"`
	PartLabel string `json:"partlabel"`
	UUID      string `json:"uuid"`
	PartUUID  string `json:"partuuid"`
	FSType    string `json:"fstype"`
	PKName    string `json:"pkname"`
}

// LsblkIndex lists block devices with lsblk.
type LsblkIndex struct {
	Runner interfaces.CommandRunner
}

func (l *LsblkIndex) Devices(ctx context.Context) ([]interfaces.BlockDevice, error) {
	out, err := l.Runner.Run(ctx, nil, "lsblk", lsblkArgs...)
	if err != nil {
		return nil, fmt.Errorf("could not list block devices: %w", err)
	}
	return ParseLsblk(out)
}

// ParseLsblk converts lsblk JSON into block devices with parent paths resolved.
func ParseLsblk(data []byte) ([]interfaces.BlockDevice, error) {
	var raw lsblkOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("could not parse lsblk output: %w", err)
	}

	paths := make(map[string]string, len(raw.Blockdevices))
	for _, d := range raw.Blockdevices {
		paths[d.Name] = devicePath(d.Name, d.Path)
	}

	devices := make([]interfaces.BlockDevice, 0, len(raw.Blockdevices))
	seen := make(map[string]struct{}, len(raw.Blockdevices))
	for _, d := range raw.Blockdevices {
		path := devicePath(d.Name, d.Path)
		// a device with several parents (e.g. raid members) is listed once per parent
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		dev := interfaces.BlockDevice{
			Path:      path,
			Name:      d.Name,
			Type:      d.Type,
			Label:     d.Label,
			PartLabel: d.PartLabel,
			UUID:      d.UUID,
			PartUUID:  d.PartUUID,
			FSType:    d.FSType,
		}
		if d.PKName != "" {
			dev.Parent = devicePath(d.PKName, paths[d.PKName])
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func devicePath(name, path string) string {
	if path != "" {
		return path
	}
	return "/dev/" + name
}
