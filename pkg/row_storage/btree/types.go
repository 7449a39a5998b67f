package btree

import (
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/rowstore/pkg/util"
)

type Blkno uint32
type UndoLocation uint64
type CommitSeqNo uint64
type OffsetNumber uint16
type LocationIndex uint16

const (
	LocationIndexSize = LocationIndex(unsafe.Sizeof(LocationIndex(0)))

	InvalidOffsetNumber OffsetNumber = 0
	MaxOffsetNumber     OffsetNumber = 0xFFFF
)

const (
	BLOCK_SIZE = 8192
	MAX_DEPTH  = 32
)

const (
	InvalidBlkno Blkno = 0xFFFFFFFF
)

func BlknoIsValid(blkno Blkno) bool {
	return blkno != InvalidBlkno
}

type RelOids struct {
	datoid  uint32
	reloid  uint32
	relnode uint32
}

func RelOidsIsEqual(lhs, rhs RelOids) bool {
	return lhs.datoid == rhs.datoid &&
		lhs.reloid == rhs.reloid &&
		lhs.relnode == rhs.relnode
}

type IndexType uint32

const (
	oIndexInvalid IndexType = iota
	oIndexPrimary
	oIndexToast
)

type OLengthType uint8

const (
	OTupleLength OLengthType = iota
	OKeyLength
	OTupleKeyLengthNoVersion
)

type BTreeKeyType uint8

const (
	BTreeKeyNone BTreeKeyType = iota
	BTreeKeyLeafTuple
	BTreeKeyNonLeafKey
)

// OTuple points at tuple bytes either inside a page or in caller-owned
// memory. The length is recoverable through the descriptor callbacks.
type OTuple struct {
	data        unsafe.Pointer
	formatFlags uint8
}

func (tuple *OTuple) IsNull() bool {
	return tuple.data == nil
}

func (tuple *OTuple) SetNull() {
	tuple.data = nil
	tuple.formatFlags = 0
}

type BTRootInfo struct {
	rootPageBlkno       Blkno
	rootPageChangeCount uint32
	metaPageBlkno       Blkno
}

// BTDesc describes one tree. Key length and comparison are supplied by the
// table access layer through callbacks; this core never interprets tuple
// bytes beyond them.
type BTDesc struct {
	rootInfo   BTRootInfo
	oids       RelOids
	typ        IndexType
	fillfactor int
	undoType   UndoType

	lenFunc     func(desc *BTDesc, tuple OTuple, kind OLengthType) int
	cmpFunc     func(desc *BTDesc, t1 *OTuple, k1 BTreeKeyType, t2 *OTuple, k2 BTreeKeyType) int
	makeKeyFunc func(desc *BTDesc, tuple OTuple) OTuple

	arg any
}

func oBtreeLen(desc *BTDesc, tuple OTuple, kind OLengthType) int {
	return desc.lenFunc(desc, tuple, kind)
}

func oBtreeCmp(desc *BTDesc, t1 *OTuple, k1 BTreeKeyType, t2 *OTuple, k2 BTreeKeyType) int {
	return desc.cmpFunc(desc, t1, k1, t2, k2)
}

func oBtreeTupleMakeKey(desc *BTDesc, tuple OTuple) OTuple {
	if desc.makeKeyFunc == nil {
		return tuple
	}
	return desc.makeKeyFunc(desc, tuple)
}

// PageHeader prefixes every in-memory page. stateAtomic and
// usageCountAtomic are accessed only through sync/atomic; pageChangeCount
// is the page-reuse counter and changes only under the no-read fence.
type PageHeader struct {
	stateAtomic      uint64
	usageCountAtomic uint32
	pageChangeCount  uint32
}

const PageHeaderSize = int(unsafe.Sizeof(PageHeader{}))

var (
	sharedBuffers  unsafe.Pointer
	pageDescs      unsafe.Pointer
	pagesCount     int
	sharedBuffsRef []byte
	pageDescsRef   []PageDesc
)

// InitSharedPages sets up the page arena, the per-page descriptors and the
// locker slot table. Call once before any other function in this package.
func InitSharedPages(pages int, maxWorkers int) {
	util.AssertFunc(pages > 0)
	sharedBuffsRef = make([]byte, pages*BLOCK_SIZE)
	pageDescsRef = make([]PageDesc, pages)
	sharedBuffers = util.BytesSliceToPointer(sharedBuffsRef)
	pageDescs = unsafe.Pointer(unsafe.SliceData(pageDescsRef))
	pagesCount = pages
	for i := 0; i < pages; i++ {
		pageDescsRef[i].leftBlkno = InvalidBlkno
		header := GetPageHeader(GetInMemPage(Blkno(i)))
		atomic.StoreUint64(&header.stateAtomic, uint64(InvalidProcno))
	}
	lockerStatesInit(maxWorkers)
}

func GetInMemPage(blkno Blkno) unsafe.Pointer {
	util.AssertFunc(int(blkno) < pagesCount)
	return util.PointerAdd(sharedBuffers, int(blkno)*BLOCK_SIZE)
}

func GetInMemPageDesc(blkno Blkno) *PageDesc {
	util.AssertFunc(int(blkno) < pagesCount)
	return (*PageDesc)(util.PointerAdd(pageDescs,
		int(blkno)*pageDescSize))
}

func GetPageHeader(p unsafe.Pointer) *PageHeader {
	return (*PageHeader)(p)
}
