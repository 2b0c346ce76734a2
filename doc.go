// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gomsglog implements the non-repudiation core of a security server
message log: every request and response crossing the server is signed,
validated against certificate and OCSP trust data, time-stamped and archived
into tamper-evident containers that can be verified years later without the
system that produced them.

# Overview

Messages are signed in batches. The digests of all messages of a batch are
combined into a hash chain and only the chain result is signed, so one
private key operation covers many messages while each message keeps a
self-contained proof. Signatures are XAdES documents embedding the signing
certificate and the OCSP responses that vouch for it.

Signed and time-stamped records are bundled into ASiC-E containers, and the
containers into size-bounded archive files. Each archive file carries the
digest of the previous one, so removing or altering a file breaks the chain.

# Specifications Implemented

  - XML Signature Syntax and Processing: https://www.w3.org/TR/xmldsig-core1/
  - XAdES (ETSI EN 319 132-1)
  - ASiC (ETSI EN 319 162-1)
  - RFC 6960 OCSP and RFC 3161 time-stamps
  - XML Encryption Syntax and Processing 1.1: https://www.w3.org/TR/xmlenc-core1/

# Package Structure

	github.com/sirosfoundation/go-msglog/pkg/hashchain   - Hash chains over message parts
	github.com/sirosfoundation/go-msglog/pkg/signature   - XAdES batch signatures and verification
	github.com/sirosfoundation/go-msglog/pkg/security    - Trust providers, OCSP, encryption
	github.com/sirosfoundation/go-msglog/pkg/record      - Message records and the store port
	github.com/sirosfoundation/go-msglog/pkg/asic        - Signed containers and retrieval
	github.com/sirosfoundation/go-msglog/pkg/archive     - Rotated, linked archive files
	github.com/sirosfoundation/go-msglog/pkg/fault       - Error kinds
	github.com/sirosfoundation/go-msglog/pkg/reliability - Bounded retry with backoff
	github.com/sirosfoundation/go-msglog/pkg/compression - ZIP entry compression

# Quick Start

Sign a request and its response as one batch:

	req, _ := hashchain.NewPart("q1-request", crypto.SHA256, requestXML)
	resp, _ := hashchain.NewPart("q1-response", crypto.SHA256, responseXML)

	builder := signature.NewBuilder()
	sig, err := builder.Build(ctx, []hashchain.Part{req, resp}, signer, ocspResponses, nil)

Verify one message against its own proof:

	narrowed, _ := sig.ForPart("q1-request")
	verifier := signature.NewVerifier(trustProvider, nil)
	err = verifier.Verify(ctx, narrowed, []hashchain.Part{req}, &member, time.Time{})

Archive time-stamped records:

	writer := archive.NewWriter("EE", store, sink, archive.NewCache(asic.NewCodec()))
	worker := archive.NewWorker(writer, 64)
	worker.Start()
	err = worker.Submit(ctx, record)

See examples/basic for a complete program.

# License

BSD-2-Clause License
*/
package gomsglog
