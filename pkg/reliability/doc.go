// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability retries transient failures with bounded backoff.

Archive publication and record updates may fail on transient I/O errors.
A [RetryPolicy] repeats such operations a bounded number of times:

	policy := reliability.RetryPolicy{
	    MaxRetries:      3,
	    RetryInterval:   time.Second,
	    RetryMultiplier: 2,
	    MaxInterval:     30 * time.Second,
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
	    return sink.Publish(ctx, name, data)
	}, fault.Retryable)

Errors the classifier rejects are returned immediately. After the last
attempt the final error is returned wrapped in [ErrRetriesExhausted].
*/
package reliability
