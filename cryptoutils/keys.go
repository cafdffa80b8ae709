package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
)

// EncryptionKeySize is the size of the state disk key in bytes.
const EncryptionKeySize = 32

const redactedKey = "[REDACTED]"

// EncryptionKey is the ephemeral state disk key. It lives in memory for as long as
// it takes to format and open the encrypted volume and is never persisted.
//
// Every textual rendering (fmt verbs, slog, text and JSON marshalling) yields a
// redaction marker; the raw bytes are only reachable through Bytes.
type EncryptionKey struct {
	b [EncryptionKeySize]byte
}

// NewEncryptionKey reads EncryptionKeySize bytes of key material from r.
func NewEncryptionKey(r io.Reader) (*EncryptionKey, error) {
	k := &EncryptionKey{}
	if _, err := io.ReadFull(r, k.b[:]); err != nil {
		return nil, fmt.Errorf("could not read key material: %w", err)
	}
	return k, nil
}

// RandomEncryptionKey generates a fresh key from the system CSPRNG.
func RandomEncryptionKey() (*EncryptionKey, error) {
	return NewEncryptionKey(rand.Reader)
}

// Bytes returns the key material. The slice aliases the key and is zeroed by Wipe.
func (k *EncryptionKey) Bytes() []byte {
	return k.b[:]
}

// Equal compares two keys in constant time.
func (k *EncryptionKey) Equal(other *EncryptionKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// IsZero reports whether the key is all zeroes, e.g. after Wipe.
func (k *EncryptionKey) IsZero() bool {
	var zero [EncryptionKeySize]byte
	return subtle.ConstantTimeCompare(k.b[:], zero[:]) == 1
}

// Wipe zeroes the key material.
func (k *EncryptionKey) Wipe() {
	clear(k.b[:])
}

func (EncryptionKey) String() string {
	return redactedKey
}

func (EncryptionKey) GoString() string {
	return redactedKey
}

// Format keeps the key out of every fmt verb, including %x and %#v.
func (EncryptionKey) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redactedKey)
}

func (EncryptionKey) LogValue() slog.Value {
	return slog.StringValue(redactedKey)
}

func (EncryptionKey) MarshalText() ([]byte, error) {
	return []byte(redactedKey), nil
}
