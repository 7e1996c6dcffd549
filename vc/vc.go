// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information and the toolchain version recorded in the metadata
// of instrumented images.
package vc // import "github.com/syzygy-go/syzygy/vc"

import (
	"fmt"

	"golang.org/x/mod/semver"
)

var (
	// The following variables are going to be set at link time using ldflags
	// and can be referenced later in the program.

	// revision of the toolchain
	revision = ""
	// buildTimestamp, timestamp of the build
	buildTimestamp = ""
	// version in vX.Y.Z{-N-abbrev} format (via git-describe --tags)
	version = ""
)

// devVersion is reported by builds that were not stamped at link time.
const devVersion = "v0.0.0-dev"

// Revision of the toolchain.
func Revision() string {
	return revision
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format.
func Version() string {
	if version == "" {
		return devVersion
	}
	return version
}

// IsCompatible reports whether data produced by a toolchain of version other can be consumed by
// this build: both must share the major version and other must not be newer.
func IsCompatible(other string) (bool, error) {
	return compatible(Version(), other)
}

func compatible(own, other string) (bool, error) {
	if !semver.IsValid(other) {
		return false, fmt.Errorf("invalid toolchain version %q", other)
	}
	if semver.Major(own) != semver.Major(other) {
		return false, nil
	}
	return semver.Compare(own, other) >= 0, nil
}
