package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"software.sslmate.com/src/go-pkcs12"
)

// PKCS12Provider implements SignerProvider using PKCS#12 bundles.
//
// Bundles are expected at {keyDir}/{member}/{keyID}.p12 and hold the key,
// its certificate and the intermediates.
type PKCS12Provider struct {
	keyDir   string
	password string
	mu       sync.RWMutex
	signers  map[string]*softSigner
}

// NewPKCS12Provider creates a provider reading bundles protected by password.
func NewPKCS12Provider(keyDir, password string) (*PKCS12Provider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}
	return &PKCS12Provider{
		keyDir:   keyDir,
		password: password,
		signers:  make(map[string]*softSigner),
	}, nil
}

// GetSigner returns a signer for the specified member and key ID
func (p *PKCS12Provider) GetSigner(ctx context.Context, member, keyID string) (Signer, error) {
	keyID = keyIDOrDefault(keyID)
	cacheKey := member + ":" + keyID

	p.mu.RLock()
	if signer, ok := p.signers[cacheKey]; ok {
		p.mu.RUnlock()
		return signer, nil
	}
	p.mu.RUnlock()

	signer, err := p.load(member, keyID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[cacheKey] = signer
	p.mu.Unlock()
	return signer, nil
}

// GetCertificate returns the certificate for the specified key
func (p *PKCS12Provider) GetCertificate(ctx context.Context, member, keyID string) (*x509.Certificate, error) {
	s, err := p.GetSigner(ctx, member, keyID)
	if err != nil {
		return nil, err
	}
	return s.Certificate(), nil
}

// ListKeys returns all keys of a member that can be opened
func (p *PKCS12Provider) ListKeys(ctx context.Context, member string) ([]KeyInfo, error) {
	entries, err := os.ReadDir(filepath.Join(p.keyDir, memberDir(member)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading member directory: %w", err)
	}
	var keys []KeyInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".p12" {
			continue
		}
		keyID := name[:len(name)-4]
		s, err := p.GetSigner(ctx, member, keyID)
		if err != nil {
			continue
		}
		keys = append(keys, keyInfo(keyID, s.Certificate()))
	}
	return keys, nil
}

// Close drops the decoded keys
func (p *PKCS12Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers = make(map[string]*softSigner)
	return nil
}

func (p *PKCS12Provider) load(member, keyID string) (*softSigner, error) {
	data, err := os.ReadFile(filepath.Join(p.keyDir, memberDir(member), keyID+".p12"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, member, keyID)
		}
		return nil, fmt.Errorf("reading PKCS#12 file: %w", err)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, p.password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: %v", ErrKeyLocked, err)
		}
		return nil, fmt.Errorf("decoding PKCS#12 file: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key of %s/%s is not a signer", member, keyID)
	}
	if err := matchKey(signer, cert); err != nil {
		return nil, err
	}
	return newSoftSigner(signer, cert, caCerts), nil
}
