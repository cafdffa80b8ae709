package sequencer

import (
	"context"

	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/blockdev"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/bootparams"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// Inspection is what the boot would act on, gathered without changing anything.
type Inspection struct {
	Platform  cryptoutils.Platform      `json:"platform"`
	Params    interfaces.BootParameters `json:"params"`
	Root      string                    `json:"root,omitempty"`
	Devices   []interfaces.BlockDevice  `json:"devices"`
	StateDisk string                    `json:"state_disk,omitempty"`
	Problems  []string                  `json:"problems,omitempty"`
}

// Inspect parses the command line and classifies the attached devices. Problems the
// boot would fail on are reported in Problems; only I/O failures return an error.
func (s *Sequencer) Inspect(ctx context.Context) (Inspection, error) {
	var in Inspection
	in.Platform = s.deps.DetectPlatform(s.cfg.DevDir)

	cmdline, err := bootparams.ReadCmdline(s.cfg.Cmdline)
	if err != nil {
		return in, err
	}
	params, perr := bootparams.Parse(cmdline)
	in.Params = params
	if perr != nil {
		in.Problems = append(in.Problems, perr.Error())
	} else {
		in.Root = params.RootSelector.String()
	}

	devices, err := s.deps.Index.Devices(ctx)
	if err != nil {
		return in, err
	}
	in.Devices = devices
	if perr != nil {
		return in, nil
	}

	topo, err := blockdev.Classify(devices, s.layout(params))
	if err != nil {
		in.Problems = append(in.Problems, err.Error())
		return in, nil
	}
	in.Devices = topo.Devices
	if params.VerityEnabled() && topo.Hash == nil {
		in.Problems = append(in.Problems, "verification requested but no hash device")
	}

	state, err := blockdev.ClassifyStateDevice(topo.Devices, topo.Known())
	if err != nil {
		in.Problems = append(in.Problems, err.Error())
		return in, nil
	}
	in.StateDisk = state.Path
	for i := range in.Devices {
		if in.Devices[i].Path == state.Path {
			in.Devices[i].Role = interfaces.RoleState
		}
	}
	return in, nil
}
