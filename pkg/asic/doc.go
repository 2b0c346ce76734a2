// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package asic encodes logged messages as ASiC-E style signed containers.

A container is a ZIP file whose entries appear in this order:

	mimetype                          application/vnd.etsi.asic-e+zip, stored
	message.xml                       the logged message
	META-INF/signatures.xml           the XAdES signature document
	META-INF/hashchainresult.xml      batch signatures only
	META-INF/hashchain.xml            batch signatures only
	META-INF/timestamp.tsr            RFC 3161 time-stamp response
	META-INF/ts-hashchainresult.xml   batch time-stamps only
	META-INF/ts-hashchain.xml         batch time-stamps only
	META-INF/manifest.xml             OpenDocument manifest of the above

Containers are built on demand from records and never modified. The
[Encryptor] optionally encrypts containers and archive files for a
recipient group with XML Encryption (X25519 key agreement, AES-GCM).

The [Retriever] answers queries by query identifier with either a single
container or a ZIP of containers.
*/
package asic
