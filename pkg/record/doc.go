// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package record defines logged message records and the persistence port the
archiver and the retrieval boundary use.

A [Message] is saved once when a message is logged. It is updated exactly
once to attach the batch [Timestamp] covering it, and once more when it has
been archived. Implementations of [Store] live under internal/storage.
*/
package record
