package cryptoutils

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tdx_client "github.com/google/go-tdx-guest/client"
)

// Platform is the confidential computing technology the VM runs on.
type Platform string

const (
	PlatformTDX    Platform = "tdx"
	PlatformSEVSNP Platform = "sev-snp"
	PlatformNone   Platform = "none"
)

// DetectPlatform inspects the guest device nodes under devDir.
func DetectPlatform(devDir string) Platform {
	if isCharDevice(filepath.Join(devDir, "tdx_guest")) {
		return PlatformTDX
	}
	if isCharDevice(filepath.Join(devDir, "sev-guest")) {
		return PlatformSEVSNP
	}
	return PlatformNone
}

func isCharDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

var (
	DCAPAttestation = AttestationType{
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		StringID: "dummy",
	}
)

type AttestationType struct {
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// AttestationProviderForPlatform returns the quote provider for the detected platform.
func AttestationProviderForPlatform(platform Platform) (AttestationProvider, error) {
	switch platform {
	case PlatformTDX:
		return &DCAPAttestationProvider{}, nil
	default:
		return nil, fmt.Errorf("no attestation provider for platform %s: %w", platform, errors.ErrUnsupported)
	}
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("Attestation for boot %x", reportData)), nil
}

// bootReportDomain separates boot quotes from any other use of the report data field.
const bootReportDomain = "cvm-boot/v1"

// BootReportData binds a quote to one boot (bootID) and to the verified root (rootHash).
// rootHash is empty when verification was disabled, which the quote then attests to.
func BootReportData(bootID [16]byte, rootHash string) [64]byte {
	h := sha512.New()
	h.Write([]byte(bootReportDomain))
	h.Write(bootID[:])
	h.Write([]byte(rootHash))

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}
