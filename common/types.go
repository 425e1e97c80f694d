package common

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// BlockSize is the size of a single logical block in bytes.
	BlockSize = 8192
	// LBIDUnit is the allocation granularity of the LBID space in blocks. Extent and free-list
	// sizes are expressed in multiples of this unit.
	LBIDUnit = 1024
	// LBIDSpaceBlocks is the total number of addressable blocks.
	LBIDSpaceBlocks int64 = 1 << 36
	// LBIDSpaceUnits is the total number of allocation units in the LBID space.
	LBIDSpaceUnits = uint32(LBIDSpaceBlocks / LBIDUnit)

	// DefaultExtentRows is the number of rows stored in one column extent.
	DefaultExtentRows = 0x800000
	// DictColWidth is the width used to size dictionary store extents.
	DictColWidth = 8

	// EMMaxSeqNum is the ceiling of a casual partitioning sequence number. Incrementing
	// past it wraps to 0.
	EMMaxSeqNum int32 = 2000000000
)

// LBID is a logical block identifier.
type LBID int64

// InvalidLBID is returned by lookups that did not match anything.
const InvalidLBID LBID = -1

// OID identifies a column or dictionary store file.
type OID int32

// ExtentStatus is the lifecycle state of an extent.
type ExtentStatus int16

const (
	ExtentAvailable ExtentStatus = iota
	// ExtentUnavailable marks an extent that has been allocated but not written yet.
	ExtentUnavailable
	// ExtentOutOfService marks an extent of a disabled partition.
	ExtentOutOfService
)

func (s ExtentStatus) String() string {
	switch s {
	case ExtentAvailable:
		return "AVAILABLE"
	case ExtentUnavailable:
		return "UNAVAILABLE"
	case ExtentOutOfService:
		return "OUT_OF_SERVICE"
	}
	return "unknown"
}

// CPState is the validity of an extent's casual partitioning range.
type CPState int8

const (
	CPInvalid CPState = iota
	// CPUpdating is set by a writer that has started touching the extent.
	CPUpdating
	CPValid
)

func (s CPState) String() string {
	switch s {
	case CPInvalid:
		return "INVALID"
	case CPUpdating:
		return "UPDATING"
	case CPValid:
		return "VALID"
	}
	return "unknown"
}

// LBIDRange is a contiguous run of LBIDs. Size is counted in LBIDUnit blocks.
type LBIDRange struct {
	Start LBID
	Size  uint32
}

// End returns the first LBID past the range.
func (r LBIDRange) End() LBID {
	return r.Start + LBID(r.Size)*LBIDUnit
}

// Last returns the last LBID inside the range.
func (r LBIDRange) Last() LBID {
	return r.End() - 1
}

// Contains reports whether lbid falls inside the range.
func (r LBIDRange) Contains(lbid LBID) bool {
	return lbid >= r.Start && lbid < r.End()
}

// Adjacent reports whether r ends exactly where other begins, or the other way around.
func (r LBIDRange) Adjacent(other LBIDRange) bool {
	return r.End() == other.Start || other.End() == r.Start
}

func (r LBIDRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End())
}

// CPRange holds the casual partitioning min/max of an extent. Unsigned column values are stored
// bit-for-bit in the signed slots.
type CPRange struct {
	LoVal  int64
	HiVal  int64
	SeqNum int32
	State  CPState
}

// IncSeqNum advances a sequence number, wrapping to 0 past EMMaxSeqNum.
func IncSeqNum(seq int32) int32 {
	seq++
	if seq > EMMaxSeqNum {
		return 0
	}
	return seq
}

// ExtentInfo describes one allocated extent.
type ExtentInfo struct {
	Range        LBIDRange
	FileID       OID
	BlockOffset  uint32
	HWM          uint32
	PartitionNum uint32
	SegmentNum   uint16
	DBRoot       uint16
	ColWidth     uint16
	Status       ExtentStatus
	CP           CPRange
}

// ExtentInfoSize is the serialized size of an ExtentInfo:
// start(8) size(4) oid(4) blockOffset(4) hwm(4) partition(4) segment(2) dbroot(2) colWidth(2)
// status(2) lo(8) hi(8) seq(4) state(1) padding(7) = 64
const ExtentInfoSize = 64

// Blocks returns the number of blocks covered by the extent.
func (e *ExtentInfo) Blocks() uint32 {
	return e.Range.Size * LBIDUnit
}

// LastBlockOffset returns the file block offset of the last block in the extent.
func (e *ExtentInfo) LastBlockOffset() uint32 {
	return e.BlockOffset + e.Blocks() - 1
}

// IsDictionary reports whether the extent belongs to a dictionary store file.
func (e *ExtentInfo) IsDictionary() bool {
	return e.ColWidth == 0
}

// WriteTo serializes the extent into the provided buffer. The buffer must be at least ExtentInfoSize bytes.
func (e *ExtentInfo) WriteTo(data []byte) {
	if len(data) < ExtentInfoSize {
		panic("buffer too small")
	}
	binary.LittleEndian.PutUint64(data[0:], uint64(e.Range.Start))
	binary.LittleEndian.PutUint32(data[8:], e.Range.Size)
	binary.LittleEndian.PutUint32(data[12:], uint32(e.FileID))
	binary.LittleEndian.PutUint32(data[16:], e.BlockOffset)
	binary.LittleEndian.PutUint32(data[20:], e.HWM)
	binary.LittleEndian.PutUint32(data[24:], e.PartitionNum)
	binary.LittleEndian.PutUint16(data[28:], e.SegmentNum)
	binary.LittleEndian.PutUint16(data[30:], e.DBRoot)
	binary.LittleEndian.PutUint16(data[32:], e.ColWidth)
	binary.LittleEndian.PutUint16(data[34:], uint16(e.Status))
	binary.LittleEndian.PutUint64(data[36:], uint64(e.CP.LoVal))
	binary.LittleEndian.PutUint64(data[44:], uint64(e.CP.HiVal))
	binary.LittleEndian.PutUint32(data[52:], uint32(e.CP.SeqNum))
	data[56] = byte(e.CP.State)
	clear(data[57:ExtentInfoSize])
}

// LoadFrom deserializes an extent from the provided buffer. The buffer must be at least ExtentInfoSize bytes.
func (e *ExtentInfo) LoadFrom(data []byte) {
	if len(data) < ExtentInfoSize {
		panic("buffer too small")
	}
	e.Range.Start = LBID(binary.LittleEndian.Uint64(data[0:]))
	e.Range.Size = binary.LittleEndian.Uint32(data[8:])
	e.FileID = OID(binary.LittleEndian.Uint32(data[12:]))
	e.BlockOffset = binary.LittleEndian.Uint32(data[16:])
	e.HWM = binary.LittleEndian.Uint32(data[20:])
	e.PartitionNum = binary.LittleEndian.Uint32(data[24:])
	e.SegmentNum = binary.LittleEndian.Uint16(data[28:])
	e.DBRoot = binary.LittleEndian.Uint16(data[30:])
	e.ColWidth = binary.LittleEndian.Uint16(data[32:])
	e.Status = ExtentStatus(binary.LittleEndian.Uint16(data[34:]))
	e.CP.LoVal = int64(binary.LittleEndian.Uint64(data[36:]))
	e.CP.HiVal = int64(binary.LittleEndian.Uint64(data[44:]))
	e.CP.SeqNum = int32(binary.LittleEndian.Uint32(data[52:]))
	e.CP.State = CPState(data[56])
}

func (e *ExtentInfo) String() string {
	return fmt.Sprintf("extent(oid=%d %s part=%d seg=%d dbroot=%d off=%d hwm=%d w=%d %s cp=%s[%d,%d]#%d)",
		e.FileID, e.Range.String(), e.PartitionNum, e.SegmentNum, e.DBRoot, e.BlockOffset, e.HWM,
		e.ColWidth, e.Status, e.CP.State, e.CP.LoVal, e.CP.HiVal, e.CP.SeqNum)
}

// LogicalPartition identifies a partition of one OID.
type LogicalPartition struct {
	DBRoot       uint16
	PartitionNum uint32
	SegmentNum   uint16
}

// Less orders logical partitions by partition, segment and then DBRoot.
func (lp LogicalPartition) Less(other LogicalPartition) bool {
	if lp.PartitionNum != other.PartitionNum {
		return lp.PartitionNum < other.PartitionNum
	}
	if lp.SegmentNum != other.SegmentNum {
		return lp.SegmentNum < other.SegmentNum
	}
	return lp.DBRoot < other.DBRoot
}

func (lp LogicalPartition) String() string {
	return fmt.Sprintf("%d.%d.%d", lp.PartitionNum, lp.SegmentNum, lp.DBRoot)
}

// ColType is the data type of a column, used to pick the comparison rules for casual partitioning.
type ColType uint8

const (
	ColTypeBit ColType = iota
	ColTypeTinyInt
	ColTypeChar
	ColTypeSmallInt
	ColTypeDecimal
	ColTypeMediumInt
	ColTypeInt
	ColTypeFloat
	ColTypeDate
	ColTypeBigInt
	ColTypeDouble
	ColTypeDateTime
	ColTypeVarChar
	ColTypeVarBinary
	ColTypeClob
	ColTypeBlob
	ColTypeUTinyInt
	ColTypeUSmallInt
	ColTypeUDecimal
	ColTypeUMediumInt
	ColTypeUInt
	ColTypeUFloat
	ColTypeUBigInt
	ColTypeUDouble
	ColTypeText
	ColTypeTime
	ColTypeTimestamp
)

// IsUnsigned reports whether min/max of the type compare as unsigned integers.
func (t ColType) IsUnsigned() bool {
	switch t {
	case ColTypeUTinyInt, ColTypeUSmallInt, ColTypeUMediumInt, ColTypeUInt, ColTypeUBigInt:
		return true
	}
	return false
}

// IsCharType reports whether min/max of the type compare as byte strings.
func (t ColType) IsCharType() bool {
	switch t {
	case ColTypeChar, ColTypeVarChar, ColTypeBlob, ColTypeText:
		return true
	}
	return false
}

// UpdatingSentinels returns the lo/hi values an extent carries while a writer is updating it.
func (t ColType) UpdatingSentinels() (lo, hi int64) {
	if t.IsUnsigned() {
		// all ones, the bit pattern of math.MaxUint64
		return -1, 0
	}
	return math.MaxInt64, math.MinInt64
}

// IsValidCPRange reports whether a min/max pair describes real values rather than the NULL or
// EMPTY markers of the type.
func IsValidCPRange(max, min int64, t ColType) bool {
	if t.IsUnsigned() {
		return uint64(min) < math.MaxUint64-1 && uint64(max) < math.MaxUint64-1
	}
	return min > math.MinInt64+1 && max > math.MinInt64+1
}
