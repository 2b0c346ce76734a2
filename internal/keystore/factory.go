package keystore

import (
	"fmt"

	"github.com/sirosfoundation/go-msglog/internal/config"
)

// NewProvider creates a SignerProvider based on the configuration
func NewProvider(cfg *config.SigningConfig) (SignerProvider, error) {
	switch cfg.Mode {
	case "pkcs11":
		return newPKCS11Provider(cfg)
	case "pkcs12":
		p, err := NewPKCS12Provider(cfg.PKCS12.KeyDir, cfg.PKCS12.Password)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "file":
		return newFileProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown signing mode: %s", cfg.Mode)
	}
}

func newPKCS11Provider(cfg *config.SigningConfig) (SignerProvider, error) {
	p11cfg := &PKCS11Config{
		ModulePath:      cfg.PKCS11.ModulePath,
		SlotLabel:       cfg.PKCS11.SlotLabel,
		PIN:             cfg.PKCS11.PIN,
		KeyLabelPattern: cfg.PKCS11.KeyLabelPattern,
	}
	if cfg.PKCS11.SlotID > 0 {
		slotID := cfg.PKCS11.SlotID
		p11cfg.SlotID = &slotID
	}
	p, err := NewPKCS11Provider(p11cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newFileProvider(cfg *config.SigningConfig) (SignerProvider, error) {
	keyDir := cfg.File.KeyDir
	if keyDir == "" {
		keyDir = "./keys"
	}
	p, err := NewFileProvider(keyDir)
	if err != nil {
		return nil, err
	}
	return p, nil
}
