package session

import (
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/records"
)

// Records runs fn against the record database and document store of the
// unlocked vault. The storage lock is held in shared mode for the whole
// call, so a restore cannot swap the directory underneath fn.
func (m *Manager) Records(token string, fn func(*records.Store, *records.Documents) error) error {
	c, err := m.Cipher(token)
	if err != nil {
		return err
	}

	unlock, err := m.vault.Storage().RLock()
	if err != nil {
		return err
	}
	defer unlock()

	store, err := records.Open(m.vault.DBPath(), c)
	if err != nil {
		return err
	}
	defer store.Close()

	docs := records.NewDocuments(filestore.New(m.vault.FilesDir()), c)
	return fn(store, docs)
}
