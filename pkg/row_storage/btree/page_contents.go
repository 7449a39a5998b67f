package btree

import (
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/rowstore/pkg/util"
)

const (
	InvalidPageChangeCount uint32 = 0xFFFFFFFF
)

// initNewBtreePage initializes a page taken from the free pool. The reuse
// counter is bumped so stale right links and queued inserts targeting the
// previous incarnation fail their checks. The page comes out locked by the
// caller; with noLock the caller must already hold the lock.
func initNewBtreePage(desc *BTDesc, blkno Blkno, flags uint16, level uint16, noLock bool) {
	p := GetInMemPage(blkno)
	header := GetPageHeader(p)
	btHeader := (*BTPageHeader)(p)
	pageDesc := GetInMemPageDesc(blkno)

	header.pageChangeCount++
	if header.pageChangeCount == InvalidPageChangeCount {
		header.pageChangeCount = 0
	}

	if !noLock {
		state := atomic.LoadUint64(&header.stateAtomic)
		util.AssertFunc(!PageStateIsLocked(state))
		util.AssertFunc(PageStateGetProcno(state) == InvalidProcno)
		atomic.StoreUint64(&header.stateAtomic,
			(state&PageStateChangeCountMask)|PageStateLockedFlag|uint64(InvalidProcno))
		DeclarePageAsLocked(blkno)
	} else {
		util.AssertFunc(PageIsLocked(blkno))
	}

	pageDesc.oids = desc.oids
	pageDesc.SetType(uint32(desc.typ))
	pageDesc.SetFlags(0)
	pageDesc.leftBlkno = InvalidBlkno

	btHeader.checkpointNum = 0
	btHeader.undoLocation = InvalidUndoLocation
	btHeader.csn = COMMITSEQNO_FROZEN
	btHeader.rightLink = InvalidRightLink
	btHeader.SetFlags(flags)
	btHeader.SetLevel(level)
	btHeader.SetNVacatedBytes(0)
	btHeader.maxKeyLen = 0
	btHeader.prevInsertOffset = MaxOffsetNumber

	initPageFirstChunk(desc, p, 0)
	markDirty(blkno)
}

func pageGetHikeySize(p unsafe.Pointer) LocationIndex {
	header := (*BTPageHeader)(p)
	util.AssertFunc(!PageIs(p, BTREE_FLAG_RIGHTMOST))
	last := header.GetChunkDesc(int(header.chunksCount) - 1)
	return LocationIndex(uint32(header.hikeysEnd) -
		ShortGetLocation(last.GetHikeyShortLocation()))
}

// pageGetHikey points at the page high key in place. The bytes stay valid
// until the next reorg of this page.
func pageGetHikey(p unsafe.Pointer) OTuple {
	header := (*BTPageHeader)(p)
	util.AssertFunc(!PageIs(p, BTREE_FLAG_RIGHTMOST))
	last := header.GetChunkDesc(int(header.chunksCount) - 1)
	return OTuple{
		data: util.PointerAdd(p,
			int(ShortGetLocation(last.GetHikeyShortLocation()))),
		formatFlags: uint8(last.GetHikeyFlags()),
	}
}

// readPage copies a consistent image of the page into img. The copy is
// retried until no modification overlapped it: reads are not blocked and
// the state change count stands still across the copy.
//
// Returns false when pageChangeCount is given and the page's reuse counter
// does not match it anymore: the page was evicted or consumed by a split
// and now holds something else.
func readPage(desc *BTDesc, blkno Blkno, pageChangeCount uint32, img *PageImg) bool {
	p := GetInMemPage(blkno)
	header := GetPageHeader(p)

	for {
		state := atomic.LoadUint64(&header.stateAtomic)
		if PageStateReadIsBlocked(state) {
			PageWaitForReadEnable(blkno)
			continue
		}

		util.PointerCopy(img.ptr(), p, BLOCK_SIZE)

		newState := atomic.LoadUint64(&header.stateAtomic)
		if (newState&PageStateChangeCountMask) == (state&PageStateChangeCountMask) &&
			!PageStateReadIsBlocked(newState) {
			// The raw copy caught the state bytes mid-flight; pin the
			// validated value instead.
			GetPageHeader(img.ptr()).stateAtomic = state
			break
		}
	}

	if pageChangeCount != InvalidPageChangeCount &&
		GetPageHeader(img.ptr()).pageChangeCount != pageChangeCount {
		return false
	}
	return true
}

// oBtreePageCalculateStatistics refreshes the vacated-bytes counter: the
// space a compaction would reclaim from tuples deleted by transactions
// finished for everybody.
func oBtreePageCalculateStatistics(desc *BTDesc, p unsafe.Pointer) {
	header := (*BTPageHeader)(p)
	var loc BTPageItemLocator

	if !PageIs(p, BTREE_FLAG_LEAF) {
		header.SetNVacatedBytes(0)
		return
	}

	nVacatedBytes := 0
	for pageLocatorFirst(p, &loc); pageLocatorIsValid(&loc); pageLocatorNext(p, &loc) {
		tupHdr := (*BTLeafTuphdr)(pageLocatorGetItem(&loc))
		if tupHdr.IsDeleted() && XactInfoFinishedForEverybody(tupHdr.GetXactInfo()) {
			nVacatedBytes += int(pageLocatorGetItemSize(&loc)) + int(LocationIndexSize)
		}
	}
	header.SetNVacatedBytes(uint16(nVacatedBytes))
}
