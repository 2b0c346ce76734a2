// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package signature builds and verifies XAdES signatures over logged messages.

A single message part is signed by a direct reference to its name and
digest. Several parts signed in one batch are combined into a hash chain
(package hashchain) and only the chain result is referenced from SignedInfo:

	<ds:Reference URI="/hashchainresult" Type="...#HashChainResult">

Each message record then stores the signature together with the proof of its
own part, obtained with [Data.ForPart].

Verification runs these checks in order and stops at the first failure:

  - document structure ([fault.KindMalformedSignature])
  - signature value, signed properties and signing certificate digest
    ([fault.KindInvalidSignatureValue])
  - certificate chain and OCSP status at the verification instant
    ([fault.KindCertValidation])
  - signer identity, when an expected member is given
    ([fault.KindIncorrectCertificate])
  - part digests and hash chain proofs

Time-stamps are checked separately with [Verifier.VerifyTimestamp].
*/
package signature
