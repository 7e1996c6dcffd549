// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package runtime // import "github.com/syzygy-go/syzygy/asan/runtime"

import "github.com/syzygy-go/syzygy/asan/vmem"

func defaultProvider() (vmem.Provider, error) {
	return vmem.NewSimulated(vmem.DefaultSimulatedBase, 4096)
}
