// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package fault defines the error taxonomy shared by signing, verification
and archival.

Every failure surfaced to a caller carries a [Kind]. Callers match kinds with
errors.Is against the exported sentinels:

	if errors.Is(err, fault.ErrCertValidation) {
	    // revoked, unknown or stale OCSP evidence, untrusted chain ...
	}

The [Error] type also carries the audit context (certificate serial, OCSP
status, offending part name) that verification failures must expose.
*/
package fault
