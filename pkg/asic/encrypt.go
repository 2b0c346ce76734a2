package asic

import (
	"context"
	"crypto/ecdh"
	"os"
	"path/filepath"

	"github.com/sirosfoundation/go-msglog/pkg/fault"
	"github.com/sirosfoundation/go-msglog/pkg/security"
)

// EncryptedExt is appended to the names of encrypted files.
const EncryptedExt = ".xenc"

// KeyProvider returns the recipient public key of a group.
type KeyProvider func(group string) (*ecdh.PublicKey, error)

// PrivateKeyProvider returns the private key of a group.
type PrivateKeyProvider func(group string) (*ecdh.PrivateKey, error)

// Encryptor encrypts containers and archive files for recipient groups.
type Encryptor struct {
	keys     KeyProvider
	hkdfInfo []byte
}

// NewEncryptor creates an encryptor. A nil hkdfInfo selects
// security.DefaultHKDFInfo.
func NewEncryptor(keys KeyProvider, hkdfInfo []byte) *Encryptor {
	return &Encryptor{keys: keys, hkdfInfo: hkdfInfo}
}

// Encrypt returns data encrypted for group as an XML Encryption document.
// Failures are fault.KindEncryption errors.
func (e *Encryptor) Encrypt(group string, data []byte) ([]byte, error) {
	pub, err := e.keys(group)
	if err != nil {
		return nil, fault.Wrap(fault.KindEncryption, err, "recipient key for group %q", group)
	}
	if pub == nil {
		return nil, fault.New(fault.KindEncryption, "no recipient key for group %q", group)
	}
	out, err := security.NewX25519Encryptor(pub, e.hkdfInfo).EncryptToDocument(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindEncryption, err, "encrypting for group %q", group)
	}
	return out, nil
}

// WriteEncrypted encrypts data for group and writes it to path. The file
// appears complete or not at all.
func (e *Encryptor) WriteEncrypted(ctx context.Context, path, group string, data []byte) error {
	enc, err := e.Encrypt(group, data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "writing %s", path)
	}
	return WriteFileAtomic(path, enc)
}

// Decryptor reverses Encryptor.
type Decryptor struct {
	keys     PrivateKeyProvider
	hkdfInfo []byte
}

// NewDecryptor creates a decryptor.
func NewDecryptor(keys PrivateKeyProvider, hkdfInfo []byte) *Decryptor {
	return &Decryptor{keys: keys, hkdfInfo: hkdfInfo}
}

// Decrypt decrypts an XML Encryption document produced for group.
func (d *Decryptor) Decrypt(group string, data []byte) ([]byte, error) {
	priv, err := d.keys(group)
	if err != nil {
		return nil, fault.Wrap(fault.KindEncryption, err, "private key for group %q", group)
	}
	if priv == nil {
		return nil, fault.New(fault.KindEncryption, "no private key for group %q", group)
	}
	out, err := security.NewX25519Decryptor(priv, d.hkdfInfo).DecryptDocument(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindEncryption, err, "decrypting for group %q", group)
	}
	return out, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place. I/O failures are fault.KindArchiveIO errors.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fault.Wrap(fault.KindArchiveIO, err, "creating temporary file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fault.Wrap(fault.KindArchiveIO, err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fault.Wrap(fault.KindArchiveIO, err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindArchiveIO, err, "closing %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindArchiveIO, err, "renaming to %s", path)
	}
	return nil
}
