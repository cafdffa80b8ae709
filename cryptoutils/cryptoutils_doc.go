// Package cryptoutils holds the key material and attestation helpers of the boot.
//
// # Encryption Keys
//
// EncryptionKey is the 32-byte state disk key. It is generated from crypto/rand on
// every boot and never persisted. Its String, GoString, Format, LogValue and
// MarshalText methods all render a redaction marker, so passing a key to fmt,
// slog or encoding/json cannot leak it. Wipe zeroes the key once the encrypted
// volume is open.
//
// # Attestation
//
// DetectPlatform tells TDX and SEV-SNP guests apart by their guest device nodes.
// On TDX, DCAPAttestationProvider obtains a quote through configfs-tsm or
// /dev/tdx_guest. BootReportData binds a quote to one boot and to the verified
// root hash:
//
//	SHA-512("cvm-boot/v1" || boot id || root hash)
package cryptoutils
