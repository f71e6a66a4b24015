package backup

import (
	"errors"
	"fmt"

	"github.com/kimhsiao/crmorbit/backend/internal/crypto"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
)

// DecryptErrorKind classifies decryption failures.
type DecryptErrorKind string

const (
	// DecryptInvalidGhash means the authentication tag did not verify: wrong
	// passphrase or altered file.
	DecryptInvalidGhash DecryptErrorKind = "invalidGhash"
	// DecryptUnknown covers every other failure.
	DecryptUnknown DecryptErrorKind = "unknown"
)

// DecryptError is returned (wrapped in an AppError) by DecryptBackupPayload.
type DecryptError struct {
	Kind DecryptErrorKind
	Err  error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt backup (%s): %v", e.Kind, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// DecryptKind extracts the decrypt classification from err, or "" when err
// is not a decryption failure.
func DecryptKind(err error) DecryptErrorKind {
	var de *DecryptError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// EncryptBackupPayload serializes and seals the payload.
func EncryptBackupPayload(c crypto.Cipher, p *BackupPayload) ([]byte, error) {
	plain, err := MarshalBackupPayload(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode backup", err)
	}
	sealed, err := c.Encrypt(plain)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to encrypt backup", err)
	}
	return sealed, nil
}

// DecryptBackupPayload opens and strictly parses a sealed payload.
// Authentication failures are reported as ErrDecryptInvalidGhash, other
// decryption failures as ErrDecryptUnknown. A successfully decrypted but
// malformed payload is a validation error.
func DecryptBackupPayload(c crypto.Cipher, blob []byte) (*BackupPayload, error) {
	plain, err := c.Decrypt(blob)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, apperrors.Wrap(apperrors.ErrDecryptInvalidGhash,
				"wrong passphrase or damaged backup", &DecryptError{Kind: DecryptInvalidGhash, Err: err})
		}
		return nil, apperrors.Wrap(apperrors.ErrDecryptUnknown,
			"failed to decrypt backup", &DecryptError{Kind: DecryptUnknown, Err: err})
	}
	return ParseBackupPayload(plain)
}
