// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package archive bundles timestamped message records into rotated,
digest-linked archive files.

# Archive files

Each archive file is a ZIP holding one signed container (package asic) per
record, a linkinginfo entry and a manifest entry. Files are named

	mlog-<instance>-<seq>-<start>-<end>.zip

where seq is a ten digit sequence number and start/end are the UTC record
time range formatted as 20060102150405. Encrypted archives carry an extra
.xenc suffix.

# Linking info

The linkinginfo entry is UTF-8 text, one line per item:

	SHA-256 mlog-ee-0000000001-20240601120000-20240601130000.zip 9f86d0...
	q1-request-5c2a9e0b.asice 2c26b4...
	q1-response-0b4f41d7.asice fcde2b...

The first line names the digest algorithm (SHA-256, SHA-384 or SHA-512),
the previous archive file and the hex digest of its bytes as published.
The first archive of an instance uses "-" for both. Each further line holds
an entry name and the hex digest of the entry. An auditor recomputes the
digest of every file and compares it with the first line of its successor;
[VerifyChain] does exactly that.

The manifest entry lists the IDs of the archived records, one per line. It
is read back after a crash to mark those records archived.

# Writing

A [Cache] accumulates containers and seals a batch when the size limit would
be exceeded. A [Writer] publishes sealed batches through a [Sink], marks the
records archived and only then drops the batch from the cache. A [Worker]
owns one Writer and serializes submissions.
*/
package archive
