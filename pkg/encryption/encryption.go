// Package encryption implements the per-tenant at-rest envelope spec.md
// §4.4 requires: an Argon2id-derived key (memory-hard, so a leaked
// passphrase cannot be brute-forced with commodity hashing) sealing
// content with XChaCha20-Poly1305. The envelope format and AAD-binding
// technique are grounded on bureau-foundation-bureau's
// lib/artifactstore/encrypt.go (EncryptBlob/DecryptBlob), adapted from
// HKDF's fast-KDF-over-uniform-IKM assumption to Argon2id's
// slow-KDF-over-low-entropy-passphrase one.
//
// The teacher's secret.Buffer (mmap-backed, mlock'd, zeroed on close) has
// no counterpart anywhere in this pack; DESIGN.md records that as the
// one accepted stdlib exception, approximated here with a fixed-size
// byte array that is explicitly zeroed on Close.
package encryption

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
)

const (
	// KeySize is the XChaCha20-Poly1305 key size derived by Argon2id.
	KeySize = chacha20poly1305.KeySize

	// SaltSize is the random per-tenant salt stored alongside the
	// derived key's parameters so a later process can re-derive it.
	SaltSize = 16

	// EnvelopeVersion is the version byte bound into every envelope's
	// AAD, so a future format change cannot be misread as this one.
	EnvelopeVersion byte = 0x01

	// EnvelopeOverhead is the total byte overhead of an envelope:
	// version + nonce + AEAD tag.
	EnvelopeOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// KDFParams are the Argon2id tuning parameters. The defaults follow the
// OWASP-recommended minimums for interactive use: enough memory cost to
// resist GPU/ASIC cracking without making Start() noticeably slow.
type KDFParams struct {
	TimeCost    uint32
	MemoryCostKB uint32
	Threads     uint8
}

// DefaultKDFParams returns the parameters used when a caller does not
// override them.
func DefaultKDFParams() KDFParams {
	return KDFParams{TimeCost: 3, MemoryCostKB: 64 * 1024, Threads: 4}
}

// Key is a derived per-tenant symmetric key held in memory only as long
// as needed. Close zeroes the underlying bytes; callers must not retain
// the slice returned by Bytes after Close.
type Key struct {
	bytes [KeySize]byte
}

// Bytes returns the raw key material. The returned slice aliases the
// Key's internal buffer and becomes invalid after Close.
func (k *Key) Bytes() []byte { return k.bytes[:] }

// Close zeroes the key material. Idempotent.
func (k *Key) Close() error {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
	return nil
}

// DeriveKey runs Argon2id over passphrase and salt with params,
// returning a Key the caller must Close when done.
func DeriveKey(passphrase string, salt []byte, params KDFParams) *Key {
	derived := argon2.IDKey([]byte(passphrase), salt, params.TimeCost, params.MemoryCostKB, params.Threads, KeySize)
	k := &Key{}
	copy(k.bytes[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return k
}

// NewSalt generates a fresh random per-tenant salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("encryption: generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext under key, binding contentHash (the plaintext
// object's content-addressed hash) as additional authenticated data so
// a ciphertext can never be swapped onto a different hash without
// detection. Returns [version][nonce][ciphertext+tag].
func Seal(plaintext []byte, key *Key, contentHash string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encryption: new aead: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("encryption: generate nonce: %w", err)
	}

	aad := buildAAD(EnvelopeVersion, contentHash)

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = EnvelopeVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, aad)
	return out, nil
}

// Open decrypts an envelope produced by Seal, verifying it against the
// same contentHash used to seal it.
func Open(envelope []byte, key *Key, contentHash string) ([]byte, error) {
	if len(envelope) < EnvelopeOverhead {
		return nil, agerr.Corrupt(contentHash)
	}

	version := envelope[0]
	if version != EnvelopeVersion {
		return nil, fmt.Errorf("encryption: unsupported envelope version %d", version)
	}

	nonce := envelope[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := envelope[1+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encryption: new aead: %w", err)
	}

	aad := buildAAD(version, contentHash)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, agerr.Corrupt(contentHash)
	}
	return plaintext, nil
}

func buildAAD(version byte, contentHash string) []byte {
	aad := make([]byte, 1+len(contentHash))
	aad[0] = version
	copy(aad[1:], contentHash)
	return aad
}

// TenantKeyring holds the per-tenant salt and KDF params needed to
// re-derive a tenant's key from its passphrase on every Start, plus a
// constant-time comparison helper used when rotating passphrases.
type TenantKeyring struct {
	TenantID string
	Salt     []byte
	Params   KDFParams
}

// VerifyPassphrase re-derives a key from candidate and compares it,
// constant-time, against a key already derived from the stored
// passphrase — used when rotating or confirming a tenant's passphrase
// without ever persisting it.
func (tk TenantKeyring) VerifyPassphrase(candidate string, known *Key) bool {
	derived := DeriveKey(candidate, tk.Salt, tk.Params)
	defer derived.Close()
	return subtle.ConstantTimeCompare(derived.Bytes(), known.Bytes()) == 1
}
