package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrCredentialNotFound is returned when no credential is stored under an
// account name.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore keeps small secrets (the scheduled-backup passphrase, the
// backup vault secret key) encrypted on disk with a key bound to the
// machine identifier.
type CredentialStore struct {
	dir       string
	machineID string
	params    KDFParams
}

// NewCredentialStore stores credentials under configDir/secure.
func NewCredentialStore(configDir string) *CredentialStore {
	return &CredentialStore{
		dir:       filepath.Join(configDir, "secure"),
		machineID: machineIdentifier(),
		params:    DefaultKDFParams,
	}
}

func (s *CredentialStore) cipher() (*PassphraseCipher, error) {
	// machine ids are long enough; pad short hostnames
	key := s.machineID
	for len(key) < PassphraseMinLength {
		key += "#"
	}
	return NewPassphraseCipherWithParams("crmorbit:"+key, s.params)
}

func (s *CredentialStore) path(account string) (string, error) {
	if s.dir == "" || account == "" {
		return "", fmt.Errorf("credential store not configured")
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(account)
	return filepath.Join(s.dir, safe+".cred"), nil
}

// Store writes value for account with owner-only permissions.
func (s *CredentialStore) Store(account, value string) error {
	path, err := s.path(account)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}
	c, err := s.cipher()
	if err != nil {
		return err
	}
	sealed, err := c.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// Get reads the value stored for account.
func (s *CredentialStore) Get(account string) (string, error) {
	path, err := s.path(account)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	c, err := s.cipher()
	if err != nil {
		return "", err
	}
	value, err := c.Decrypt(data)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(value), nil
}

// Delete removes the credential for account. Missing credentials are not an
// error.
func (s *CredentialStore) Delete(account string) error {
	path, err := s.path(account)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// =====================================================
// Machine Identifier Helper
// =====================================================

func machineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil && len(strings.TrimSpace(string(data))) > 0 {
				return "linux:" + strings.TrimSpace(string(data))
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
