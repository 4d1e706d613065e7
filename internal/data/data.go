// Package data wires the persistence implementations behind the biz
// repository interfaces.
package data

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/repo"
)

// Repositories bundles every persistence-backed repository.
type Repositories struct {
	Settings repo.SettingsRepo
	Audit    repo.AuditRepo
	Vault    repo.CredentialVault

	store *Store
}

// NewRepositories opens the sqlite store and file vault under dataDir.
func NewRepositories(dataDir string, logger *zap.Logger) (*Repositories, error) {
	store, err := NewStore(filepath.Join(dataDir, "gateway.db"), logger)
	if err != nil {
		return nil, err
	}

	vault, err := NewFileVault(filepath.Join(dataDir, "credentials.vault"))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Repositories{
		Settings: store,
		Audit:    store,
		Vault:    vault,
		store:    store,
	}, nil
}

// Close releases the underlying database.
func (r *Repositories) Close() error {
	return r.store.Close()
}
