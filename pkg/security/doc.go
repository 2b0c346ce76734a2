// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security provides the trust services behind message log signatures:
trust anchors, certificate chain validation, OCSP verification with a shared
response cache, and XML Encryption of archive files.

# Trust Providers

A TrustProvider supplies trust anchors, intermediates and the OCSP responders
trusted for each issuer:

	tp := security.NewStaticTrustProvider(rootCA)
	tp.AddIntermediate(issuingCA)
	tp.AddOCSPResponder(issuingCA, responderCert)

Certificates can be loaded from PEM files with LoadCertificates.

# Certificate Validation

CertificateValidator checks a certificate chain at a given instant. Two
implementations are provided:

  - DefaultCertificateValidator builds a path to the trust anchors with
    crypto/x509
  - AuthZENTrustValidator delegates the decision to a go-trust AuthZEN
    policy decision point

# OCSP

OCSPVerifier validates a DER encoded OCSP response for a subject and issuer:

	v := security.NewOCSPVerifier(tp,
	    security.WithFreshness(time.Hour),
	    security.WithVerifyNextUpdate(true))
	evidence, err := v.VerifyValidityAndStatus(raw, subject, issuer, at)

A response is accepted when it is signed by a configured responder for the
issuer, the issuer itself, or a certificate issued by the issuer carrying
the OCSP signing extended key usage. It is expired once ThisUpdate falls
outside the freshness window, and with next update verification also once
NextUpdate has passed.

Accepted evidence is kept in an OCSPCache keyed by the hex SHA-256 of the
subject certificate. The cache is sharded and drops expired entries when
they are read. HTTPOCSPSource fetches responses from the responder named in
a certificate's authority information access extension.

# Encryption

X25519Encryptor and X25519Decryptor encrypt arbitrary bytes as an XML
Encryption 1.1 document using X25519 key agreement, HKDF, AES-128 key wrap
and AES-128-GCM.

# References

  - RFC 6960 OCSP: https://www.rfc-editor.org/rfc/rfc6960
  - XML Encryption 1.1: https://www.w3.org/TR/xmlenc-core1/
  - AuthZEN Trust: https://datatracker.ietf.org/doc/draft-johansson-authzen-trust/
*/
package security
