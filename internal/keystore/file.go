package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirosfoundation/go-msglog/pkg/security"
)

// FileProvider implements SignerProvider using PEM files on disk
//
// This is intended for development and testing only. In production,
// use PKCS#11 key storage.
//
// Key files are expected at: {keyDir}/{member}/{keyID}.key
// Certificate files at: {keyDir}/{member}/{keyID}.crt, the signing
// certificate first and any intermediates after it.
type FileProvider struct {
	keyDir  string
	mu      sync.RWMutex
	signers map[string]*softSigner
}

// NewFileProvider creates a new file-based signer provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}

	return &FileProvider{
		keyDir:  keyDir,
		signers: make(map[string]*softSigner),
	}, nil
}

// GetSigner returns a signer for the specified member and key ID
func (p *FileProvider) GetSigner(ctx context.Context, member, keyID string) (Signer, error) {
	keyID = keyIDOrDefault(keyID)
	cacheKey := member + ":" + keyID

	p.mu.RLock()
	if signer, ok := p.signers[cacheKey]; ok {
		p.mu.RUnlock()
		return signer, nil
	}
	p.mu.RUnlock()

	signer, err := p.loadSigner(member, keyID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[cacheKey] = signer
	p.mu.Unlock()

	return signer, nil
}

// GetCertificate returns the certificate for the specified key
func (p *FileProvider) GetCertificate(ctx context.Context, member, keyID string) (*x509.Certificate, error) {
	certs, err := p.loadCertificates(member, keyIDOrDefault(keyID))
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ListKeys returns all keys of a member
func (p *FileProvider) ListKeys(ctx context.Context, member string) ([]KeyInfo, error) {
	dir := filepath.Join(p.keyDir, memberDir(member))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading member directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".key" {
			continue
		}
		keyID := name[:len(name)-4]

		certs, err := p.loadCertificates(member, keyID)
		if err != nil {
			continue // Skip keys without certificates
		}
		keys = append(keys, keyInfo(keyID, certs[0]))
	}
	return keys, nil
}

// Close releases resources
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers = make(map[string]*softSigner)
	return nil
}

func (p *FileProvider) path(member, keyID, ext string) string {
	return filepath.Join(p.keyDir, memberDir(member), keyID+ext)
}

func (p *FileProvider) loadSigner(member, keyID string) (*softSigner, error) {
	keyPEM, err := os.ReadFile(p.path(member, keyID, ".key"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, member, keyID)
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	certs, err := p.loadCertificates(member, keyID)
	if err != nil {
		return nil, err
	}
	if err := matchKey(key, certs[0]); err != nil {
		return nil, err
	}
	return newSoftSigner(key, certs[0], certs[1:]), nil
}

func (p *FileProvider) loadCertificates(member, keyID string) ([]*x509.Certificate, error) {
	certs, err := security.LoadCertificates(p.path(member, keyID, ".crt"))
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate for %s/%s", member, keyID)
	}
	return certs, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// matchKey checks that cert certifies the public half of key.
func matchKey(key crypto.Signer, cert *x509.Certificate) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return fmt.Errorf("certificate %s does not match the private key", cert.Subject)
	}
	return nil
}
