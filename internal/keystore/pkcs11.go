//go:build pkcs11

package keystore

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Provider implements SignerProvider using a PKCS#11 token (HSM/smart card)
type PKCS11Provider struct {
	ctx             *crypto11.Context
	keyLabelPattern string
	mu              sync.RWMutex
	signers         map[string]*softSigner
}

// NewPKCS11Provider creates a new PKCS#11 signer provider
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}
	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	pattern := cfg.KeyLabelPattern
	if pattern == "" {
		pattern = DefaultKeyLabelPattern
	}
	return &PKCS11Provider{
		ctx:             ctx,
		keyLabelPattern: pattern,
		signers:         make(map[string]*softSigner),
	}, nil
}

// GetSigner returns a signer for the specified member and key ID
func (p *PKCS11Provider) GetSigner(ctx context.Context, member, keyID string) (Signer, error) {
	cacheKey := member + ":" + keyIDOrDefault(keyID)

	p.mu.RLock()
	if signer, ok := p.signers[cacheKey]; ok {
		p.mu.RUnlock()
		return signer, nil
	}
	p.mu.RUnlock()

	signer, err := p.loadSigner(keyLabel(p.keyLabelPattern, member, keyID))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[cacheKey] = signer
	p.mu.Unlock()
	return signer, nil
}

// GetCertificate returns the certificate for the specified key
func (p *PKCS11Provider) GetCertificate(ctx context.Context, member, keyID string) (*x509.Certificate, error) {
	label := keyLabel(p.keyLabelPattern, member, keyID)
	cert, err := p.ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}
	return cert, nil
}

// ListKeys returns the default key of a member if the token holds one.
// Tokens offer no search by label prefix.
func (p *PKCS11Provider) ListKeys(ctx context.Context, member string) ([]KeyInfo, error) {
	cert, err := p.GetCertificate(ctx, member, "")
	if err != nil {
		return nil, nil
	}
	return []KeyInfo{keyInfo(DefaultKeyID, cert)}, nil
}

// Close releases PKCS#11 resources
func (p *PKCS11Provider) Close() error {
	return p.ctx.Close()
}

func (p *PKCS11Provider) loadSigner(label string) (*softSigner, error) {
	key, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}

	cert, err := p.ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate labelled %s", ErrKeyNotFound, label)
	}
	return newSoftSigner(key, cert, nil), nil
}
