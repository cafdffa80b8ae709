package sequencer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/cvm-boot-sequencer/cryptoutils"
	"github.com/ruteri/cvm-boot-sequencer/interfaces"
)

// BootReport records how the running system was assembled. With a quote it lets a
// remote verifier tie this boot and its verified root hash to the TEE measurement.
type BootReport struct {
	BootID      string                   `json:"boot_id"`
	Platform    cryptoutils.Platform     `json:"platform"`
	Verity      bool                     `json:"verity"`
	RootHash    string                   `json:"root_hash,omitempty"`
	RootDevice  string                   `json:"root_device"`
	StateDisk   string                   `json:"state_disk"`
	Devices     []interfaces.BlockDevice `json:"devices"`
	Mounts      []interfaces.MountSpec   `json:"mounts"`
	ReportData  string                   `json:"report_data"`
	Attestation string                   `json:"attestation_type,omitempty"`
	Quote       string                   `json:"quote,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

func (s *Sequencer) buildBootReport(bs BootState) BootReport {
	rootHash := ""
	if bs.Params.VerityEnabled() {
		rootHash = bs.Params.VerityRootHash
	}
	reportData := cryptoutils.BootReportData(s.bootID, rootHash)

	report := BootReport{
		BootID:     s.bootID.String(),
		Platform:   bs.Platform,
		Verity:     bs.Params.VerityEnabled(),
		RootHash:   rootHash,
		RootDevice: bs.RootDevice,
		StateDisk:  bs.StateDisk.Path,
		Devices:    bs.Topology.Devices,
		Mounts:     s.plan.Mounts(),
		ReportData: hex.EncodeToString(reportData[:]),
		CreatedAt:  time.Now().UTC(),
	}

	attester := s.deps.Attester
	if attester == nil {
		var err error
		if attester, err = cryptoutils.AttestationProviderForPlatform(bs.Platform); err != nil {
			s.log.Warn("boot report without quote", "platform", bs.Platform, "err", err)
			return report
		}
	}

	quote, err := attester.Attest(reportData)
	if err != nil {
		s.log.Warn("could not obtain boot quote", "attestation", attester.AttestationType().StringID, "err", err)
		return report
	}
	report.Attestation = attester.AttestationType().StringID
	report.Quote = hex.EncodeToString(quote)
	return report
}

// writeBootReport stores the report in the new root. Failures are logged only: the
// report is evidence for later verification, the boot does not depend on it.
func (s *Sequencer) writeBootReport(_ context.Context, bs BootState) {
	path := filepath.Join(s.cfg.TargetRoot, s.cfg.ReportPath)
	if err := writeJSON(path, s.buildBootReport(bs)); err != nil {
		s.log.Warn("could not write boot report", "path", path, "err", err)
		return
	}
	s.log.Info("wrote boot report", "path", path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o600)
}
