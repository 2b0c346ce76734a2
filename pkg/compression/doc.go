// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression selects how ZIP entries of containers and archive files
are compressed.

The level follows compress/flate: [NoCompression] stores entries unchanged,
1 to 9 trade speed for size.

	c := compression.NewCompressorWithLevel(flate.BestSpeed)
	zw := zip.NewWriter(&buf)
	c.Register(zw)

	fh := &zip.FileHeader{Name: "message.xml", Method: c.Method("message.xml")}

Entries that are already compressed or encrypted, and the ASiC mimetype
entry, are always stored:

	if compression.ShouldCompress("container.asice") {
	    // never reached
	}
*/
package compression
