// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

func ThreadID() uint16 {
	return 0
}
