// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tpi // import "github.com/syzygy-go/syzygy/pdb/tpi"

import "fmt"

// LeafKind is the kind of a type record.
type LeafKind uint16

// Leaf kinds of the records found in current TPI streams.
const (
	LfModifier   LeafKind = 0x1001
	LfPointer    LeafKind = 0x1002
	LfProcedure  LeafKind = 0x1008
	LfMFunction  LeafKind = 0x1009
	LfArgList    LeafKind = 0x1201
	LfFieldList  LeafKind = 0x1203
	LfBitField   LeafKind = 0x1205
	LfMethodList LeafKind = 0x1206
	LfBClass     LeafKind = 0x1400
	LfVBClass    LeafKind = 0x1401
	LfIVBClass   LeafKind = 0x1402
	LfIndex      LeafKind = 0x1404
	LfVFuncTab   LeafKind = 0x1409
	LfEnumerate  LeafKind = 0x1502
	LfArray      LeafKind = 0x1503
	LfClass      LeafKind = 0x1504
	LfStructure  LeafKind = 0x1505
	LfUnion      LeafKind = 0x1506
	LfEnum       LeafKind = 0x1507
	LfMember     LeafKind = 0x150d
	LfSTMember   LeafKind = 0x150e
	LfMethod     LeafKind = 0x150f
	LfNestType   LeafKind = 0x1510
	LfOneMethod  LeafKind = 0x1511
	LfVFTable    LeafKind = 0x151d
	LfFuncID     LeafKind = 0x1601
	LfMFuncID    LeafKind = 0x1602
	LfBuildInfo  LeafKind = 0x1603
	LfSubstrList LeafKind = 0x1604
	LfStringID   LeafKind = 0x1605
	LfUDTSrcLine LeafKind = 0x1606
	LfUDTModLine LeafKind = 0x1607
)

var leafNames = map[LeafKind]string{
	LfModifier:   "LF_MODIFIER",
	LfPointer:    "LF_POINTER",
	LfProcedure:  "LF_PROCEDURE",
	LfMFunction:  "LF_MFUNCTION",
	LfArgList:    "LF_ARGLIST",
	LfFieldList:  "LF_FIELDLIST",
	LfBitField:   "LF_BITFIELD",
	LfMethodList: "LF_METHODLIST",
	LfBClass:     "LF_BCLASS",
	LfVBClass:    "LF_VBCLASS",
	LfIVBClass:   "LF_IVBCLASS",
	LfIndex:      "LF_INDEX",
	LfVFuncTab:   "LF_VFUNCTAB",
	LfEnumerate:  "LF_ENUMERATE",
	LfArray:      "LF_ARRAY",
	LfClass:      "LF_CLASS",
	LfStructure:  "LF_STRUCTURE",
	LfUnion:      "LF_UNION",
	LfEnum:       "LF_ENUM",
	LfMember:     "LF_MEMBER",
	LfSTMember:   "LF_STMEMBER",
	LfMethod:     "LF_METHOD",
	LfNestType:   "LF_NESTTYPE",
	LfOneMethod:  "LF_ONEMETHOD",
	LfVFTable:    "LF_VFTABLE",
	LfFuncID:     "LF_FUNC_ID",
	LfMFuncID:    "LF_MFUNC_ID",
	LfBuildInfo:  "LF_BUILDINFO",
	LfSubstrList: "LF_SUBSTR_LIST",
	LfStringID:   "LF_STRING_ID",
	LfUDTSrcLine: "LF_UDT_SRC_LINE",
	LfUDTModLine: "LF_UDT_MOD_LINE",
}

func (k LeafKind) String() string {
	if name, ok := leafNames[k]; ok {
		return name
	}
	return fmt.Sprintf("LF_0x%04x", uint16(k))
}
