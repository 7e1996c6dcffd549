// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

import "golang.org/x/sys/unix"

// ThreadID returns the low bits of the id of the OS thread running the caller.
func ThreadID() uint16 {
	return uint16(unix.Gettid())
}
