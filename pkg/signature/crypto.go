package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

var errSignatureMismatch = errors.New("signature value does not verify")

type ecdsaSig struct {
	R, S *big.Int
}

// sign computes the XML signature value of canonical SignedInfo bytes.
// ECDSA signatures are converted to the fixed width r||s form.
func sign(signer Signer, alg sigAlgorithm, canonical []byte) ([]byte, error) {
	pub := signer.Public()
	switch alg.kind {
	case "ed25519":
		if _, ok := pub.(ed25519.PublicKey); !ok {
			return nil, fmt.Errorf("signature method %s needs an Ed25519 key, have %T", alg.uri, pub)
		}
		return signer.Sign(rand.Reader, canonical, crypto.Hash(0))

	case "rsa":
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("signature method %s needs an RSA key, have %T", alg.uri, pub)
		}
		return signer.Sign(rand.Reader, digest(alg.hash, canonical), alg.hash)

	case "ecdsa":
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signature method %s needs an ECDSA key, have %T", alg.uri, pub)
		}
		der, err := signer.Sign(rand.Reader, digest(alg.hash, canonical), alg.hash)
		if err != nil {
			return nil, err
		}
		return ecdsaDERToRaw(der, ecPub)
	}
	return nil, fmt.Errorf("unsupported signature method: %s", alg.uri)
}

// verify checks an XML signature value over canonical SignedInfo bytes.
func verify(pub crypto.PublicKey, alg sigAlgorithm, canonical, value []byte) error {
	switch alg.kind {
	case "ed25519":
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key %T does not match %s", pub, alg.uri)
		}
		if !ed25519.Verify(k, canonical, value) {
			return errSignatureMismatch
		}
		return nil

	case "rsa":
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key %T does not match %s", pub, alg.uri)
		}
		if err := rsa.VerifyPKCS1v15(k, alg.hash, digest(alg.hash, canonical), value); err != nil {
			return errSignatureMismatch
		}
		return nil

	case "ecdsa":
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key %T does not match %s", pub, alg.uri)
		}
		size := curveBytes(k)
		if len(value) != 2*size {
			return errSignatureMismatch
		}
		r := new(big.Int).SetBytes(value[:size])
		s := new(big.Int).SetBytes(value[size:])
		if !ecdsa.Verify(k, digest(alg.hash, canonical), r, s) {
			return errSignatureMismatch
		}
		return nil
	}
	return fmt.Errorf("unsupported signature method: %s", alg.uri)
}

func curveBytes(k *ecdsa.PublicKey) int {
	return (k.Curve.Params().BitSize + 7) / 8
}

func ecdsaDERToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig ecdsaSig
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("decoding ECDSA signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after ECDSA signature")
	}
	size := curveBytes(pub)
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
