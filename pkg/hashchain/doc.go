// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package hashchain builds and verifies the hash chains that let one
signature cover a batch of message parts.

Each part digest is a leaf. Adjacent nodes are combined level by level as
H(left || right) using the chain digest algorithm; an unpaired last node is
promoted unchanged. The root digest is the hash chain result, the value that
is actually signed.

Every part receives a self-contained [Proof] (its leaf plus the sibling
digests on the path to the root), so a damaged proof only invalidates the
part it belongs to.
*/
package hashchain
