package security

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
)

// DefaultHKDFInfo is the HKDF context used when none is configured.
var DefaultHKDFInfo = []byte("go-msglog archive encryption")

// X25519Encryptor wraps xmlenc for encrypting archive data.
// It implements XML Encryption 1.1 using X25519 key agreement, HKDF key derivation,
// AES-128-KW key wrapping, and AES-128-GCM content encryption.
type X25519Encryptor struct {
	recipientPublicKey *ecdh.PublicKey
	hkdfInfo           []byte
}

// NewX25519Encryptor creates a new encryptor for X25519 key agreement.
// hkdfInfo is optional context info for HKDF; if nil, DefaultHKDFInfo is used.
func NewX25519Encryptor(recipientPublicKey *ecdh.PublicKey, hkdfInfo []byte) *X25519Encryptor {
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}
	return &X25519Encryptor{
		recipientPublicKey: recipientPublicKey,
		hkdfInfo:           hkdfInfo,
	}
}

// EncryptElement encrypts an XML element using X25519/HKDF/AES-128-GCM.
func (e *X25519Encryptor) EncryptElement(element *etree.Element) (*xmlenc.EncryptedData, error) {
	if e.recipientPublicKey == nil {
		return nil, fmt.Errorf("recipient public key is required")
	}
	hkdfParams := xmlenc.DefaultHKDFParams(e.hkdfInfo)
	ka, err := xmlenc.NewX25519KeyAgreement(e.recipientPublicKey, hkdfParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create key agreement: %w", err)
	}

	encryptor := xmlenc.NewEncryptor(xmlenc.AlgorithmAES128GCM, ka)
	return encryptor.EncryptElement(element)
}

// EncryptBytes encrypts binary data wrapped, base64 encoded, in a Data element.
func (e *X25519Encryptor) EncryptBytes(data []byte) (*xmlenc.EncryptedData, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("Data")
	root.SetText(base64.StdEncoding.EncodeToString(data))

	return e.EncryptElement(root)
}

// EncryptToDocument encrypts data and serializes the EncryptedData document.
func (e *X25519Encryptor) EncryptToDocument(data []byte) ([]byte, error) {
	encData, err := e.EncryptBytes(data)
	if err != nil {
		return nil, err
	}
	return xmlenc.NewEncryptedDataDocument(encData).WriteToBytes()
}

// X25519Decryptor wraps xmlenc for decryption with the recipient private key.
type X25519Decryptor struct {
	privateKey *ecdh.PrivateKey
	hkdfInfo   []byte
}

// NewX25519Decryptor creates a new decryptor using the recipient's X25519 private key.
func NewX25519Decryptor(privateKey *ecdh.PrivateKey, hkdfInfo []byte) *X25519Decryptor {
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}
	return &X25519Decryptor{
		privateKey: privateKey,
		hkdfInfo:   hkdfInfo,
	}
}

// DecryptElement decrypts an EncryptedData structure and returns the original XML element.
func (d *X25519Decryptor) DecryptElement(encData *xmlenc.EncryptedData) (*etree.Element, error) {
	if encData.KeyInfo == nil {
		return nil, fmt.Errorf("KeyInfo is missing from EncryptedData")
	}
	if encData.KeyInfo.EncryptedKey == nil {
		return nil, fmt.Errorf("EncryptedKey is missing from KeyInfo")
	}
	if encData.KeyInfo.EncryptedKey.KeyInfo == nil {
		return nil, fmt.Errorf("KeyInfo is missing from EncryptedKey")
	}
	if encData.KeyInfo.EncryptedKey.KeyInfo.AgreementMethod == nil {
		return nil, fmt.Errorf("AgreementMethod is missing")
	}
	if encData.KeyInfo.EncryptedKey.KeyInfo.AgreementMethod.OriginatorKeyInfo == nil {
		return nil, fmt.Errorf("OriginatorKeyInfo is missing from AgreementMethod")
	}
	if encData.KeyInfo.EncryptedKey.KeyInfo.AgreementMethod.OriginatorKeyInfo.KeyValue == nil {
		return nil, fmt.Errorf("KeyValue is missing from OriginatorKeyInfo")
	}
	if encData.KeyInfo.EncryptedKey.KeyInfo.AgreementMethod.OriginatorKeyInfo.KeyValue.ECKeyValue == nil {
		return nil, fmt.Errorf("ECKeyValue is missing from KeyValue")
	}

	ephPubBytes := encData.KeyInfo.EncryptedKey.KeyInfo.AgreementMethod.
		OriginatorKeyInfo.KeyValue.ECKeyValue.PublicKey

	ephemeralPublic, err := xmlenc.ParseX25519PublicKey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}

	hkdfParams := xmlenc.DefaultHKDFParams(d.hkdfInfo)
	ka := xmlenc.NewX25519KeyAgreementForDecrypt(d.privateKey, ephemeralPublic, hkdfParams)
	decryptor := xmlenc.NewDecryptor(ka)

	return decryptor.DecryptElement(encData)
}

// DecryptBytes decrypts an EncryptedData structure containing base64-encoded binary data.
func (d *X25519Decryptor) DecryptBytes(encData *xmlenc.EncryptedData) ([]byte, error) {
	elem, err := d.DecryptElement(encData)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(elem.Text())
}

// DecryptDocument parses a serialized EncryptedData document and decrypts it.
func (d *X25519Decryptor) DecryptDocument(data []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse EncryptedData document: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("empty EncryptedData document")
	}
	encData, err := xmlenc.ParseEncryptedData(doc.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to parse EncryptedData: %w", err)
	}
	return d.DecryptBytes(encData)
}

// GenerateX25519KeyPair generates a new X25519 key pair for encryption.
func GenerateX25519KeyPair() (*ecdh.PrivateKey, error) {
	return xmlenc.GenerateX25519KeyPair()
}
