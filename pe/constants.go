// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pe decomposes PE32 images into block graphs and lays block graphs out as new PE32
// images.
package pe // import "github.com/syzygy-go/syzygy/pe"

// Machine and optional header magic of the images handled by this package.
const (
	MachineI386       = 0x14c
	OptionalMagicPE32 = 0x10b
)

// Data directory indices.
const (
	DirectoryExport = iota
	DirectoryImport
	DirectoryResource
	DirectoryException
	DirectorySecurity
	DirectoryBaseReloc
	DirectoryDebug
	DirectoryArchitecture
	DirectoryGlobalPtr
	DirectoryTLS
	DirectoryLoadConfig
	DirectoryBoundImport
	DirectoryIAT
	DirectoryDelayImport
	DirectoryCOMDescriptor
	DirectoryReserved

	numDirectories
)

// Section characteristics.
const (
	ScnCntCode              = 0x00000020
	ScnCntInitializedData   = 0x00000040
	ScnCntUninitializedData = 0x00000080
	ScnMemDiscardable       = 0x02000000
	ScnMemExecute           = 0x20000000
	ScnMemRead              = 0x40000000
	ScnMemWrite             = 0x80000000
)

// Base relocation types.
const (
	RelBasedAbsolute = 0
	RelBasedHighLow  = 3
)

// Names of the sections handled specially by the layout code.
const (
	RelocSectionName    = ".reloc"
	MetadataSectionName = ".syzygy"
)

// Sizes of the fixed PE32 structures.
const (
	dosHeaderSize      = 64
	fileHeaderSize     = 20
	optionalHeaderSize = 224
	sectionHeaderSize  = 40
	debugEntrySize     = 28
)

// Offsets of fields within the file header.
const (
	fhMachine              = 0
	fhNumberOfSections     = 2
	fhTimeDateStamp        = 4
	fhSizeOfOptionalHeader = 16
)

// Offsets of fields within the PE32 optional header.
const (
	ohMagic                   = 0
	ohSizeOfCode              = 4
	ohSizeOfInitializedData   = 8
	ohSizeOfUninitializedData = 12
	ohAddressOfEntryPoint     = 16
	ohBaseOfCode              = 20
	ohBaseOfData              = 24
	ohImageBase               = 28
	ohSectionAlignment        = 32
	ohFileAlignment           = 36
	ohSizeOfImage             = 56
	ohSizeOfHeaders           = 60
	ohCheckSum                = 64
	ohNumberOfRvaAndSizes     = 92
	ohDataDirectory           = 96
)
