package btree

import (
	"unsafe"
)

type UndoType uint8

const (
	UndoLogNone UndoType = iota
	UndoLogRegular
	UndoLogSystem
)

const (
	InvalidUndoLocation UndoLocation = 0xFFFFFFFFFFFFFFFF
)

func UndoLocationIsValid(loc UndoLocation) bool {
	return loc != InvalidUndoLocation
}

const (
	COMMITSEQNO_INPROGRESS CommitSeqNo = 0xFFFFFFFFFFFFFFFF
	COMMITSEQNO_FROZEN     CommitSeqNo = 0x3
	COMMITSEQNO_FIRST      CommitSeqNo = 0x4
)

func CommitSeqNoIsInProgress(csn CommitSeqNo) bool {
	return csn == COMMITSEQNO_INPROGRESS
}

func CommitSeqNoIsFrozen(csn CommitSeqNo) bool {
	return csn == COMMITSEQNO_FROZEN
}

// TupleXactInfo packs the deleting/inserting transaction's commit sequence
// number with a finished bit. The values are produced by the transaction
// subsystem; this core only maps and compares them.
func MakeXactInfo(csn CommitSeqNo, finished bool) TupleXactInfo {
	info := TupleXactInfo(csn) << 1
	if finished {
		info |= 1
	}
	return info
}

func XactInfoFinishedForEverybody(info TupleXactInfo) bool {
	return info&1 != 0
}

func XactInfoMapCSN(info TupleXactInfo) CommitSeqNo {
	return CommitSeqNo(info >> 1)
}

// UndoLog is the undo-space collaborator. The location tokens it returns
// are stamped onto pages and never examined here.
type UndoLog interface {
	AddPageImage(desc *BTDesc, page unsafe.Pointer, csn CommitSeqNo) UndoLocation
	ReservedSize(undoType UndoType) uint32
	GiveUpReserved(undoType UndoType)
}

type noopUndoLog struct{}

func (noopUndoLog) AddPageImage(desc *BTDesc, page unsafe.Pointer, csn CommitSeqNo) UndoLocation {
	return InvalidUndoLocation
}

func (noopUndoLog) ReservedSize(undoType UndoType) uint32 {
	return 0
}

func (noopUndoLog) GiveUpReserved(undoType UndoType) {
}

var undoLog UndoLog = noopUndoLog{}

// SetUndoLog installs the undo-space collaborator. The default discards
// page images and reports empty reservations.
func SetUndoLog(log UndoLog) {
	if log == nil {
		log = noopUndoLog{}
	}
	undoLog = log
}

func pageAddImageToUndo(desc *BTDesc, page unsafe.Pointer, csn CommitSeqNo) UndoLocation {
	return undoLog.AddPageImage(desc, page, csn)
}
