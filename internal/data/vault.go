package data

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/projectboxes/slack-gateway/internal/biz/repo"
)

const (
	vaultSaltLen = 16
	keyFileLen   = 32
)

// fileVault stores credentials encrypted on disk. The vault file is
// salt || nonce || ciphertext; the key is derived with argon2id from
// random key material kept in a separate 0600 file next to it.
type fileVault struct {
	path    string
	keyPath string
}

// NewFileVault creates a vault at path. Key material lives alongside
// in path+".key" and is generated on first use.
func NewFileVault(path string) (repo.CredentialVault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &fileVault{path: path, keyPath: path + ".key"}, nil
}

// Store writes the full credential record, replacing any previous one.
func (v *fileVault) Store(ctx context.Context, creds repo.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	material, err := v.keyMaterial()
	if err != nil {
		return err
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(material, salt))
	if err != nil {
		return fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, vaultSaltLen+len(nonce)+len(plain)+aead.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plain, nil)

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("failed to replace vault: %w", err)
	}
	return nil
}

// Get returns the stored credentials, or nil when none exist.
func (v *fileVault) Get(ctx context.Context) (*repo.Credentials, error) {
	blob, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	if len(blob) < vaultSaltLen+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault file is corrupt")
	}

	material, err := v.keyMaterial()
	if err != nil {
		return nil, err
	}

	salt := blob[:vaultSaltLen]
	nonce := blob[vaultSaltLen : vaultSaltLen+chacha20poly1305.NonceSizeX]
	ciphertext := blob[vaultSaltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveKey(material, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt vault: %w", err)
	}

	var creds repo.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// Delete removes the stored credentials. Deleting absent credentials
// is not an error.
func (v *fileVault) Delete(ctx context.Context) error {
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete vault: %w", err)
	}
	return nil
}

// keyMaterial loads the key file, creating it on first use.
func (v *fileVault) keyMaterial() ([]byte, error) {
	material, err := os.ReadFile(v.keyPath)
	if err == nil {
		if len(material) != keyFileLen {
			return nil, fmt.Errorf("vault key file is corrupt")
		}
		return material, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read vault key: %w", err)
	}

	material = make([]byte, keyFileLen)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	if err := os.WriteFile(v.keyPath, material, 0600); err != nil {
		return nil, fmt.Errorf("failed to write vault key: %w", err)
	}
	return material, nil
}

func deriveKey(material, salt []byte) []byte {
	return argon2.IDKey(material, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}
