package keystore

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/sirosfoundation/go-msglog/pkg/asic"
)

// GroupKeys loads the X25519 keys of encryption groups from PEM files on
// first use. Public keys are "PUBLIC KEY" blocks, private keys PKCS#8
// "PRIVATE KEY" blocks.
type GroupKeys struct {
	publicFiles  map[string]string
	privateFiles map[string]string

	mu      sync.Mutex
	public  map[string]*ecdh.PublicKey
	private map[string]*ecdh.PrivateKey
}

// NewGroupKeys maps groups to key files. Either map may be nil.
func NewGroupKeys(publicFiles, privateFiles map[string]string) *GroupKeys {
	return &GroupKeys{
		publicFiles:  publicFiles,
		privateFiles: privateFiles,
		public:       make(map[string]*ecdh.PublicKey),
		private:      make(map[string]*ecdh.PrivateKey),
	}
}

// PublicKey returns the recipient key of group.
func (g *GroupKeys) PublicKey(group string) (*ecdh.PublicKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.public[group]; ok {
		return k, nil
	}
	path, ok := g.publicFiles[group]
	if !ok {
		return nil, fmt.Errorf("%w: public key of group %s", ErrKeyNotFound, group)
	}
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	k, ok := parsed.(*ecdh.PublicKey)
	if !ok || k.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("%s is not an X25519 public key", path)
	}
	g.public[group] = k
	return k, nil
}

// PrivateKey returns the private key of group.
func (g *GroupKeys) PrivateKey(group string) (*ecdh.PrivateKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.private[group]; ok {
		return k, nil
	}
	path, ok := g.privateFiles[group]
	if !ok {
		return nil, fmt.Errorf("%w: private key of group %s", ErrKeyNotFound, group)
	}
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	k, ok := parsed.(*ecdh.PrivateKey)
	if !ok || k.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("%s is not an X25519 private key", path)
	}
	g.private[group] = k
	return k, nil
}

// Encryptor returns an archive encryptor backed by the public keys.
func (g *GroupKeys) Encryptor() *asic.Encryptor {
	return asic.NewEncryptor(g.PublicKey, nil)
}

// Decryptor returns an archive decryptor backed by the private keys.
func (g *GroupKeys) Decryptor() *asic.Decryptor {
	return asic.NewDecryptor(g.PrivateKey, nil)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	return block, nil
}
