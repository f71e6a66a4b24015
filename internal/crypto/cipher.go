// Package crypto provides passphrase-based authenticated encryption for
// backups and for locally stored credentials.
//
// Ciphertexts carry a self-describing header so the key derivation cost can
// change without breaking files written by older releases:
//
//	magic "CRMBKUP" | version (1) | argon2 time (4) | argon2 memory KiB (4) |
//	argon2 threads (1) | salt (16) | nonce (12) | AES-256-GCM ciphertext+tag
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrAuthentication is returned when the GCM tag does not verify: the
	// passphrase is wrong or the ciphertext was altered.
	ErrAuthentication = errors.New("authentication tag mismatch")
	// ErrInvalidFormat is returned when the header cannot be parsed.
	ErrInvalidFormat = errors.New("invalid ciphertext format")
	// ErrUnsupportedVersion is returned for headers from an unknown format.
	ErrUnsupportedVersion = errors.New("unsupported ciphertext version")
	// ErrWeakPassphrase is returned when the passphrase is too short.
	ErrWeakPassphrase = errors.New("passphrase too short")
)

const (
	// PassphraseMinLength is the minimum accepted passphrase length.
	PassphraseMinLength = 8

	formatVersion = 1
	saltLength    = 16
	nonceLength   = 12
	keyLength     = 32
)

var magic = []byte("CRMBKUP")

const headerLength = 7 + 1 + 4 + 4 + 1 + saltLength + nonceLength

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams matches the interactive argon2id recommendation.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// Cipher encrypts and decrypts opaque payloads.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// PassphraseCipher derives a fresh key per ciphertext from a passphrase.
type PassphraseCipher struct {
	passphrase []byte
	params     KDFParams
}

var _ Cipher = (*PassphraseCipher)(nil)

// NewPassphraseCipher returns a cipher for passphrase using the default
// cost parameters.
func NewPassphraseCipher(passphrase string) (*PassphraseCipher, error) {
	return NewPassphraseCipherWithParams(passphrase, DefaultKDFParams)
}

// NewPassphraseCipherWithParams returns a cipher with explicit cost
// parameters. Decryption always uses the parameters in the header.
func NewPassphraseCipherWithParams(passphrase string, params KDFParams) (*PassphraseCipher, error) {
	if len(passphrase) < PassphraseMinLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassphrase, PassphraseMinLength)
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("invalid KDF parameters %+v", params)
	}
	return &PassphraseCipher{passphrase: []byte(passphrase), params: params}, nil
}

// DeriveKey derives a 32-byte key with argon2id.
func DeriveKey(passphrase, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, keyLength)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext behind a new header.
func (c *PassphraseCipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(DeriveKey(c.passphrase, salt, c.params))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerLength)
	header = append(header, magic...)
	header = append(header, formatVersion)
	header = binary.BigEndian.AppendUint32(header, c.params.Time)
	header = binary.BigEndian.AppendUint32(header, c.params.Memory)
	header = append(header, c.params.Threads)
	header = append(header, salt...)
	header = append(header, nonce...)

	// header is authenticated as additional data
	return gcm.Seal(header, nonce, plaintext, header), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *PassphraseCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < headerLength || !bytes.Equal(ciphertext[:len(magic)], magic) {
		return nil, ErrInvalidFormat
	}
	header := ciphertext[:headerLength]
	off := len(magic)
	if header[off] != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[off])
	}
	off++
	params := KDFParams{
		Time:    binary.BigEndian.Uint32(header[off:]),
		Memory:  binary.BigEndian.Uint32(header[off+4:]),
		Threads: header[off+8],
	}
	off += 9
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, ErrInvalidFormat
	}
	salt := header[off : off+saltLength]
	nonce := header[off+saltLength : off+saltLength+nonceLength]

	gcm, err := newGCM(DeriveKey(c.passphrase, salt, params))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext[headerLength:], header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
