package records

import (
	"fmt"

	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/filestore"
)

// MaxDocumentSize bounds a single attached document (25 MB).
const MaxDocumentSize = 25 * 1024 * 1024

// Documents seals attachments (receipts, statements) into a filestore.
// Each blob is stored as nonce || ciphertext || tag with associated data
// "doc|<name>".
type Documents struct {
	files *filestore.Store
	c     Sealer
}

// NewDocuments returns a Documents view over files sealed with c.
func NewDocuments(files *filestore.Store, c Sealer) *Documents {
	return &Documents{files: files, c: c}
}

func docAAD(name string) []byte {
	return []byte("doc|" + name)
}

// Put encrypts data and stores it under name.
func (d *Documents) Put(name string, data []byte) error {
	if err := filestore.ValidateName(name); err != nil {
		return err
	}
	if len(data) > MaxDocumentSize {
		return ErrPayloadTooBig
	}
	sealed, err := d.c.Encrypt(data, docAAD(name))
	if err != nil {
		return fmt.Errorf("records: failed to encrypt document: %w", err)
	}
	return d.files.Put(name, sealed.Bytes())
}

// Get decrypts the document stored under name.
func (d *Documents) Get(name string) ([]byte, error) {
	blob, err := d.files.Get(name)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.ParseSealed(blob)
	if err != nil {
		return nil, fmt.Errorf("records: document %s: %w", name, err)
	}
	data, err := d.c.Decrypt(sealed, docAAD(name))
	if err != nil {
		return nil, fmt.Errorf("records: document %s: %w", name, err)
	}
	return data, nil
}

// List returns the stored document names.
func (d *Documents) List() ([]string, error) {
	return d.files.List()
}

// Delete removes the document stored under name.
func (d *Documents) Delete(name string) error {
	return d.files.Delete(name)
}
