package btree

import (
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/rowstore/pkg/util"
	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

const (
	// Maximum simultaneously locked pages per worker
	MaxPagesPerProcess = 8
)

var (
	gThreadPages syncmap.Map
)

func GetThreadPages() *ThreadPages {
	gid := goid.Get()
	val, _ := gThreadPages.LoadOrStore(gid, &ThreadPages{})
	return val.(*ThreadPages)
}

type MyLockedPage struct {
	blkno Blkno
	state uint64
}

type ThreadPages struct {
	myLockedPages                  [MaxPagesPerProcess]MyLockedPage
	myInProgressSplitPages         [MAX_DEPTH * 2]Blkno
	numberOfMyLockedPages          int
	numberOfMyInProgressSplitPages int

	// scratch buffers for split planning and page reorg
	newItemBuf [BT_LEAF_TUPHDR_SIZE + BT_MAX_TUPLE_SIZE]byte
	reorgBuf   [BLOCK_SIZE]byte
}

func getMyLockedPageIndex(tPages *ThreadPages, blkno Blkno) int {
	for i := 0; i < tPages.numberOfMyLockedPages; i++ {
		if tPages.myLockedPages[i].blkno == blkno {
			return i
		}
	}
	return -1
}

func myLockedPageAdd(blkno Blkno, state uint64) {
	tPages := GetThreadPages()
	util.AssertFunc(getMyLockedPageIndex(tPages, blkno) < 0)
	util.AssertFunc(tPages.numberOfMyLockedPages < MaxPagesPerProcess)
	tPages.myLockedPages[tPages.numberOfMyLockedPages].blkno = blkno
	tPages.myLockedPages[tPages.numberOfMyLockedPages].state = state
	tPages.numberOfMyLockedPages++
}

func myLockedPageDel(blkno Blkno) uint64 {
	tPages := GetThreadPages()
	index := getMyLockedPageIndex(tPages, blkno)
	util.AssertFunc(index >= 0)
	state := tPages.myLockedPages[index].state
	tPages.myLockedPages[index] = tPages.myLockedPages[tPages.numberOfMyLockedPages-1]
	tPages.numberOfMyLockedPages--
	return state
}

func myLockedPageGetState(blkno Blkno) uint64 {
	tPages := GetThreadPages()
	index := getMyLockedPageIndex(tPages, blkno)
	util.AssertFunc(index >= 0)
	return tPages.myLockedPages[index].state
}

func HaveLockedPages() bool {
	tPages := GetThreadPages()
	return tPages.numberOfMyLockedPages > 0
}

// Page state word layout:
//
//	bits 0..13  wait-list head procno (InvalidProcno when empty)
//	bit  14     locked
//	bit  15     no-read
//	bits 16..   change count
const (
	PageStateListTailMask    uint64 = 0x3FFF
	PageStateLockedFlag      uint64 = 1 << 14
	PageStateNoReadFlag      uint64 = 1 << 15
	PageStateChangeCountOne  uint64 = 1 << 16
	PageStateChangeCountMask uint64 = ^uint64(0xFFFF)

	// everything the wait list does not touch
	PageStateChangeNonWaitersMask uint64 = ^PageStateListTailMask
)

func PageStateIsLocked(state uint64) bool {
	return util.FlagIsSet(state, PageStateLockedFlag)
}

func PageStateLock(state uint64) uint64 {
	return state | PageStateLockedFlag
}

func PageStateReadIsBlocked(state uint64) bool {
	return util.FlagIsSet(state, PageStateNoReadFlag)
}

func PageStateBlockRead(state uint64) uint64 {
	return state | PageStateLockedFlag | PageStateNoReadFlag
}

func PageStateGetProcno(state uint64) uint32 {
	return uint32(state & PageStateListTailMask)
}

func pageIncUsageCount(blkno Blkno, usageCount uint32) {
	header := GetPageHeader(GetInMemPage(blkno))
	atomic.CompareAndSwapUint32(&header.usageCountAtomic, usageCount, usageCount+1)
}

// PageChangeUsageCount is the eviction hook: the buffer manager forces a
// page's usage count to a given value.
func PageChangeUsageCount(blkno Blkno, usageCount uint32) {
	header := GetPageHeader(GetInMemPage(blkno))
	atomic.SwapUint32(&header.usageCountAtomic, usageCount)
}

// lockPageOrQueue either grabs the lock or prepends our slot to the wait
// list, in a single CAS. Returns the pre-CAS state.
func lockPageOrQueue(blkno Blkno, procno uint32) uint64 {
	header := GetPageHeader(GetInMemPage(blkno))
	lockerState := getLockerState(procno)
	state := atomic.LoadUint64(&header.stateAtomic)
	for {
		var newState uint64
		if !PageStateIsLocked(state) {
			// A failed queue CAS from a previous iteration may have left
			// pageWaiting set; the slot was never published.
			lockerState.pageWaiting.Store(false)
			newState = PageStateLock(state)
		} else {
			util.AssertFunc(PageStateGetProcno(state) != procno)
			lockerState.next = PageStateGetProcno(state)
			lockerState.waitExclusive = true
			lockerState.pageWaiting.Store(true)
			newState = (state & ^PageStateListTailMask) | uint64(procno)
		}
		if atomic.CompareAndSwapUint64(&header.stateAtomic, state, newState) {
			break
		}
		state = atomic.LoadUint64(&header.stateAtomic)
	}
	return state
}

// readEnabledOrQueue finishes when the page is enabled for read or when our
// slot got queued as a shared waiter.
func readEnabledOrQueue(blkno Blkno, procno uint32) uint64 {
	header := GetPageHeader(GetInMemPage(blkno))
	lockerState := getLockerState(procno)
	state := atomic.LoadUint64(&header.stateAtomic)
	for {
		if !PageStateReadIsBlocked(state) {
			lockerState.pageWaiting.Store(false)
			break
		}
		util.AssertFunc(PageStateGetProcno(state) != procno)
		lockerState.next = PageStateGetProcno(state)
		lockerState.waitExclusive = false
		lockerState.pageWaiting.Store(true)
		newState := (state & ^PageStateListTailMask) | uint64(procno)
		if atomic.CompareAndSwapUint64(&header.stateAtomic, state, newState) {
			break
		}
		state = atomic.LoadUint64(&header.stateAtomic)
	}
	return state
}

func stateChangedOrQueue(blkno Blkno, procno uint32, oldState uint64) uint64 {
	header := GetPageHeader(GetInMemPage(blkno))
	lockerState := getLockerState(procno)
	state := atomic.LoadUint64(&header.stateAtomic)
	for {
		if (state & PageStateChangeCountMask) !=
			(oldState & PageStateChangeCountMask) {
			lockerState.pageWaiting.Store(false)
			break
		}
		util.AssertFunc(PageStateGetProcno(state) != procno)
		lockerState.next = PageStateGetProcno(state)
		lockerState.waitExclusive = false
		lockerState.pageWaiting.Store(true)
		newState := (state & ^PageStateListTailMask) | uint64(procno)
		if atomic.CompareAndSwapUint64(&header.stateAtomic, state, newState) {
			break
		}
		state = atomic.LoadUint64(&header.stateAtomic)
	}
	return state
}

// LockPage places an exclusive lock on the page. Readers are not blocked
// until PageBlockReads is called.
func LockPage(blkno Blkno) {
	header := GetPageHeader(GetInMemPage(blkno))
	procno := MyProcNumber()
	lockerState := getLockerState(procno)
	extraWaits := 0
	var prevState uint64

	util.AssertFunc(getMyLockedPageIndex(GetThreadPages(), blkno) < 0)

	pageIncUsageCount(blkno, atomic.LoadUint32(&header.usageCountAtomic))

	for {
		prevState = lockPageOrQueue(blkno, procno)

		if !PageStateIsLocked(prevState) {
			break
		}

		for {
			lockerState.sem.Wait()
			if !lockerState.pageWaiting.Load() {
				break
			}
			extraWaits++
		}
	}

	myLockedPageAdd(blkno, prevState|PageStateLockedFlag)

	// Fix the semaphore's count for any absorbed wakeups.
	for extraWaits > 0 {
		lockerState.sem.Post()
		extraWaits--
	}
}

// PageWaitForReadEnable blocks until the page's no-read flag clears.
func PageWaitForReadEnable(blkno Blkno) {
	procno := MyProcNumber()
	lockerState := getLockerState(procno)
	extraWaits := 0

	for {
		prevState := readEnabledOrQueue(blkno, procno)

		if !PageStateReadIsBlocked(prevState) {
			break
		}

		for {
			lockerState.sem.Wait()
			if !lockerState.pageWaiting.Load() {
				break
			}
			extraWaits++
		}
	}

	for extraWaits > 0 {
		lockerState.sem.Post()
		extraWaits--
	}
}

func pageWaitForChangecount(blkno Blkno, state uint64) uint64 {
	header := GetPageHeader(GetInMemPage(blkno))
	procno := MyProcNumber()
	lockerState := getLockerState(procno)
	extraWaits := 0
	var curState uint64

	for {
		exitLoop := false

		curState = stateChangedOrQueue(blkno, procno, state)
		if (curState & PageStateChangeCountMask) !=
			(state & PageStateChangeCountMask) {
			for extraWaits > 0 {
				lockerState.sem.Post()
				extraWaits--
			}
			return curState
		}

		for {
			lockerState.sem.Wait()
			if !lockerState.pageWaiting.Load() {
				curState = atomic.LoadUint64(&header.stateAtomic)
				if (curState & PageStateChangeCountMask) !=
					(state & PageStateChangeCountMask) {
					exitLoop = true
				}
				break
			}
			extraWaits++
		}
		if exitLoop {
			break
		}
	}

	for extraWaits > 0 {
		lockerState.sem.Post()
		extraWaits--
	}

	return curState
}

// RelockPage releases the lock, waits for a completed mutation (a change
// count different from the one observed at release) and locks the page
// again.
func RelockPage(blkno Blkno) {
	header := GetPageHeader(GetInMemPage(blkno))
	state := myLockedPageGetState(blkno)
	UnlockPage(blkno)

	pageIncUsageCount(blkno, atomic.LoadUint32(&header.usageCountAtomic))

	pageWaitForChangecount(blkno, state)
	LockPage(blkno)
}

// TryLockPage attempts the lock without queueing. Returns true on success.
func TryLockPage(blkno Blkno) bool {
	header := GetPageHeader(GetInMemPage(blkno))
	state := atomic.OrUint64(&header.stateAtomic, PageStateLockedFlag)
	if PageStateIsLocked(state) {
		return false
	}
	myLockedPageAdd(blkno, state|PageStateLockedFlag)
	return true
}

// DeclarePageAsLocked records a freshly created, guaranteed uncontended
// page as locked by this worker.
func DeclarePageAsLocked(blkno Blkno) {
	header := GetPageHeader(GetInMemPage(blkno))
	state := atomic.LoadUint64(&header.stateAtomic)
	util.AssertFunc(PageStateIsLocked(state))
	myLockedPageAdd(blkno, state)
}

func PageIsLocked(blkno Blkno) bool {
	return getMyLockedPageIndex(GetThreadPages(), blkno) >= 0
}

// PageBlockReads fences the locked page for modification: concurrent
// readers block until the next unlock.
func PageBlockReads(blkno Blkno) {
	header := GetPageHeader(GetInMemPage(blkno))
	tPages := GetThreadPages()
	idx := getMyLockedPageIndex(tPages, blkno)
	util.AssertFunc(idx >= 0)
	util.AssertFunc((tPages.myLockedPages[idx].state&PageStateChangeNonWaitersMask) ==
		(atomic.LoadUint64(&header.stateAtomic)&PageStateChangeNonWaitersMask))
	state := atomic.OrUint64(&header.stateAtomic, PageStateNoReadFlag)
	util.AssertFunc(util.FlagIsSet(state, PageStateLockedFlag))
	tPages.myLockedPages[idx].state = state | PageStateNoReadFlag
}

// GetWaitersWithTuples collects queued exclusive waiters whose pending
// insert still targets this exact page incarnation. The holder may perform
// their inserts on their behalf before unlocking.
func GetWaitersWithTuples(desc *BTDesc, blkno Blkno, result []uint32) int {
	header := GetPageHeader(GetInMemPage(blkno))
	count := 0

	pgprocnum := PageStateGetProcno(atomic.LoadUint64(&header.stateAtomic))
	for pgprocnum != InvalidProcno {
		lockerState := getLockerState(pgprocnum)

		if lockerState.waitExclusive &&
			lockerState.blkno == blkno &&
			lockerState.pageChangeCount == header.pageChangeCount &&
			RelOidsIsEqual(desc.oids, lockerState.reloids) {
			result[count] = pgprocnum
			count++
			if count >= BT_PAGE_MAX_SPLIT_ITEMS || count >= len(result) {
				break
			}
		}

		pgprocnum = lockerState.next
	}

	return count
}

// WakeupWaitersWithTuples marks the selected waiters as serviced. The
// caller must have already merged their serialized tuples into the page;
// the actual wakeup happens at the next unlock.
func WakeupWaitersWithTuples(blkno Blkno, procnums []uint32, count int) {
	util.AssertFunc(count > 0)
	for i := 0; i < count; i++ {
		getLockerState(procnums[i]).inserted.Store(true)
	}
}

// WaiterTupleData exposes a queued waiter's serialized tuple so the lock
// holder can fold it into a split item list.
func WaiterTupleData(procno uint32) (tuphdr *BTLeafTuphdr, tuple OTuple, reservedUndoSize uint32) {
	lockerState := getLockerState(procno)
	tuphdr = (*BTLeafTuphdr)(unsafe.Pointer(&lockerState.tupleData[0]))
	tuple.data = unsafe.Pointer(&lockerState.tupleData[BT_LEAF_TUPHDR_SIZE])
	tuple.formatFlags = lockerState.tupleFlags
	return tuphdr, tuple, lockerState.reservedUndoSize
}

// unlockCheckPage panics on structurally broken pages; continuing would
// propagate the corruption.
func unlockCheckPage(blkno Blkno) {
	pageDesc := GetInMemPageDesc(blkno)
	if IndexType(pageDesc.GetType()) == oIndexInvalid {
		return
	}
	header := (*BTPageHeader)(GetInMemPage(blkno))
	lastChunk := header.GetChunkDesc(int(header.chunksCount) - 1)
	if ShortGetLocation(lastChunk.GetShortLocation()) > uint32(header.dataSize) ||
		uint32(header.dataSize) > BLOCK_SIZE {
		util.Panic("broken page",
			zap.Uint32("blkno", uint32(blkno)),
			zap.Uint32("lastChunk", ShortGetLocation(lastChunk.GetShortLocation())),
			zap.Uint16("dataSize", uint16(header.dataSize)))
	}
}

// unlockPageInternal clears the lock and partitions the wait list into
// "wake now" and "remains queued". Every reader and every already-serviced
// waiter is released; at most one exclusive waiter is granted. Concurrent
// queuers may prepend between CAS attempts, so a failed CAS re-walks only
// the newly added prefix and splices the previously computed remainder
// back (prevTail/prevTailReplace).
func unlockPageInternal(blkno Blkno, split bool) {
	header := GetPageHeader(GetInMemPage(blkno))
	var (
		wakeupTail      = InvalidProcno
		prevTail        = InvalidProcno
		prevTailReplace = InvalidProcno
		exclusive       = InvalidProcno
		exclusivePrev   = InvalidProcno
	)
	wokeupExclusive := false

	unlockCheckPage(blkno)

	state := atomic.LoadUint64(&header.stateAtomic)
	for {
		tail := PageStateGetProcno(state)
		newTail := tail
		pgprocnum := tail

		prevPgprocnum := InvalidProcno
		for pgprocnum != prevTail {
			lockerState := getLockerState(pgprocnum)

			if lockerState.inserted.Load() ||
				!lockerState.waitExclusive ||
				(split && BlknoIsValid(lockerState.blkno)) {
				next := lockerState.next

				if !lockerState.inserted.Load() && split && BlknoIsValid(lockerState.blkno) {
					lockerState.split.Store(true)
				}

				// Remove from the waiters list
				if prevPgprocnum == InvalidProcno {
					newTail = next
				} else {
					getLockerState(prevPgprocnum).next = next
				}

				// Push to the wakeup list
				util.AssertFunc(pgprocnum != wakeupTail)
				lockerState.next = wakeupTail
				wakeupTail = pgprocnum

				pgprocnum = next
			} else {
				if !wokeupExclusive {
					exclusive = pgprocnum
					exclusivePrev = prevPgprocnum
				}

				prevPgprocnum = pgprocnum
				pgprocnum = lockerState.next
			}
		}

		if exclusive != InvalidProcno && !wokeupExclusive {
			wokeupExclusive = true

			if exclusivePrev == InvalidProcno {
				newTail = getLockerState(exclusive).next
			} else {
				util.AssertFunc(exclusivePrev != getLockerState(exclusive).next)
				getLockerState(exclusivePrev).next = getLockerState(exclusive).next
			}

			// Push to the wakeup list
			util.AssertFunc(exclusive != wakeupTail)
			getLockerState(exclusive).next = wakeupTail
			wakeupTail = exclusive

			if prevPgprocnum == exclusive {
				prevPgprocnum = exclusivePrev
			}
		}

		// Redo the previous replacement of tail if needed.
		if prevTail != prevTailReplace {
			util.AssertFunc(prevTail != InvalidProcno)

			if prevPgprocnum == InvalidProcno {
				newTail = prevTailReplace
			} else {
				util.AssertFunc(prevPgprocnum != prevTailReplace)
				getLockerState(prevPgprocnum).next = prevTailReplace
			}
		}

		newState := state & ^(PageStateListTailMask | PageStateLockedFlag | PageStateNoReadFlag)
		if PageStateReadIsBlocked(state) {
			newState += PageStateChangeCountOne
		}
		newState |= uint64(newTail)

		if atomic.CompareAndSwapUint64(&header.stateAtomic, state, newState) {
			break
		}

		prevTail = tail
		prevTailReplace = newTail
		state = atomic.LoadUint64(&header.stateAtomic)
	}

	myLockedPageDel(blkno)

	pgprocnum := wakeupTail
	for pgprocnum != InvalidProcno {
		lockerState := getLockerState(pgprocnum)
		next := lockerState.next

		// The owner may reuse its slot as soon as it observes pageWaiting
		// cleared; read next before publishing.
		lockerState.pageWaiting.Store(false)
		lockerState.sem.Post()

		pgprocnum = next
	}
}

func UnlockPage(blkno Blkno) {
	unlockPageInternal(blkno, false)
}

// UnlockPageAfterSplit is UnlockPage with the split-aware partition rule:
// waiters still carrying a resident target page are woken with the split
// flag so they re-evaluate their target.
func UnlockPageAfterSplit(blkno Blkno) {
	unlockPageInternal(blkno, true)
}

// ReleaseAllPageLocks releases all previously acquired page locks
// one-by-one.
func ReleaseAllPageLocks() {
	tPages := GetThreadPages()
	for tPages.numberOfMyLockedPages > 0 {
		UnlockPage(tPages.myLockedPages[0].blkno)
	}
}

type LockPageResult uint8

const (
	LockPageResultLocked LockPageResult = iota + 1
	LockPageResultQueued
	LockPageResultSplitDetected
)

type PageImg struct {
	img  [BLOCK_SIZE]byte
	load bool
}

func (img *PageImg) ptr() unsafe.Pointer {
	return unsafe.Pointer(&img.img[0])
}

// lockPageOrQueueOrSplitDetect is lockPageOrQueue with stale-page
// detection for a keyed insert: if the candidate key no longer belongs to
// the cached page image, follow the in-memory right link or report a split.
func lockPageOrQueueOrSplitDetect(desc *BTDesc, blkno *Blkno,
	pageChangeCount *uint32, procno uint32,
	img *PageImg, tuple OTuple, prevState *uint64) LockPageResult {
	header := GetPageHeader(GetInMemPage(*blkno))
	imgHeader := GetPageHeader(img.ptr())
	lockerState := getLockerState(procno)

	state := atomic.LoadUint64(&header.stateAtomic)
	for {
		if !img.load ||
			(state&PageStateChangeCountMask) != (imgHeader.stateAtomic&PageStateChangeCountMask) {
			if !readPage(desc, *blkno, *pageChangeCount, img) {
				lockerState.pageWaiting.Store(false)
				return LockPageResultSplitDetected
			}
			img.load = true

			if !PageIs(img.ptr(), BTREE_FLAG_RIGHTMOST) {
				hikey := pageGetHikey(img.ptr())

				if oBtreeCmp(desc, &tuple, BTreeKeyLeafTuple,
					&hikey, BTreeKeyNonLeafKey) >= 0 {
					rightlink := (*BTPageHeader)(img.ptr()).rightLink

					if RightLinkIsValid(rightlink) && BlknoIsValid(RightlinkGetBlkno(rightlink)) {
						*blkno = RightlinkGetBlkno(rightlink)
						*pageChangeCount = RightlinkGetChangeCount(rightlink)
						lockerState.blkno = *blkno
						lockerState.pageChangeCount = *pageChangeCount
						header = GetPageHeader(GetInMemPage(*blkno))
						util.AssertFunc(getMyLockedPageIndex(GetThreadPages(), *blkno) < 0)
						img.load = false
						state = atomic.LoadUint64(&header.stateAtomic)
						continue
					} else {
						lockerState.pageWaiting.Store(false)
						return LockPageResultSplitDetected
					}
				}
			}
		}

		var newState uint64
		if !PageStateIsLocked(state) {
			lockerState.pageWaiting.Store(false)
			newState = PageStateLock(state)
		} else {
			util.AssertFunc(PageStateGetProcno(state) != procno)
			lockerState.next = PageStateGetProcno(state)
			lockerState.waitExclusive = true
			lockerState.pageWaiting.Store(true)
			newState = (state & ^PageStateListTailMask) | uint64(procno)
		}

		if atomic.CompareAndSwapUint64(&header.stateAtomic, state, newState) {
			break
		}
		state = atomic.LoadUint64(&header.stateAtomic)
	}

	*prevState = state

	if !PageStateIsLocked(state) {
		return LockPageResultLocked
	}
	return LockPageResultQueued
}

// LockPageWithTuple combines lock acquisition with stale-page detection
// for an insert/replace of a specific tuple. Outcomes:
//
//	ok              — lock acquired, blkno/pageChangeCount possibly moved
//	                  right to the correct sibling;
//	!ok && upwards  — split detected and the sibling is not resident, the
//	                  caller must restart the descent from an ancestor;
//	!ok && !upwards — a lock holder performed our insert on our behalf, the
//	                  lock was never acquired.
func LockPageWithTuple(desc *BTDesc,
	blkno *Blkno, pageChangeCount *uint32,
	xactInfo TupleXactInfo, tuple OTuple) (ok bool, upwards bool) {
	procno := MyProcNumber()
	lockerState := getLockerState(procno)
	extraWaits := 0
	keySerialized := false
	var prevState uint64
	var img PageImg

	img.load = false
	util.AssertFunc(getMyLockedPageIndex(GetThreadPages(), *blkno) < 0)

	for {
		lockerState.blkno = *blkno
		lockerState.pageChangeCount = *pageChangeCount
		lockerState.split.Store(false)
		lockerState.inserted.Store(false)

		if !keySerialized {
			var tuphdr BTLeafTuphdr
			tuphdr.SetDeleted(false)
			tuphdr.SetUndoLocation(InvalidUndoLocation)
			tuphdr.SetXactInfo(xactInfo)

			lockerState.reloids = desc.oids
			if desc.undoType != UndoLogNone {
				lockerState.reservedUndoSize = undoLog.ReservedSize(desc.undoType)
			} else {
				lockerState.reservedUndoSize = 0
			}
			lockerState.tupleFlags = tuple.formatFlags
			util.Store(tuphdr, unsafe.Pointer(&lockerState.tupleData[0]))
			tuplen := oBtreeLen(desc, tuple, OTupleLength)
			util.AssertFunc(tuplen <= BT_MAX_TUPLE_SIZE)
			util.PointerCopy(unsafe.Pointer(&lockerState.tupleData[BT_LEAF_TUPHDR_SIZE]),
				tuple.data, tuplen)
			for pad := tuplen; pad < util.AlignValue8(tuplen); pad++ {
				lockerState.tupleData[int(BT_LEAF_TUPHDR_SIZE)+pad] = 0
			}
			keySerialized = true
		}

		lockResult := lockPageOrQueueOrSplitDetect(desc, blkno,
			pageChangeCount, procno, &img, tuple, &prevState)

		if lockResult == LockPageResultLocked {
			break
		} else if lockResult == LockPageResultSplitDetected {
			for extraWaits > 0 {
				lockerState.sem.Post()
				extraWaits--
			}
			return false, true
		}
		util.AssertFunc(lockResult == LockPageResultQueued)

		if !PageStateIsLocked(prevState) {
			break
		}

		for {
			lockerState.sem.Wait()
			if !lockerState.pageWaiting.Load() {
				break
			}
			extraWaits++
		}

		if keySerialized && lockerState.inserted.Load() {
			lockerState.blkno = InvalidBlkno
			lockerState.inserted.Store(false)
			if desc.undoType != UndoLogNone {
				undoLog.GiveUpReserved(desc.undoType)
			}

			// Fix the semaphore's count for any absorbed wakeups.
			for extraWaits > 0 {
				lockerState.sem.Post()
				extraWaits--
			}
			return false, false
		}

		if !lockerState.split.Load() {
			continue
		}

		for extraWaits > 0 {
			lockerState.sem.Post()
			extraWaits--
		}
	}

	if keySerialized {
		lockerState.blkno = InvalidBlkno
	}

	header := GetPageHeader(GetInMemPage(*blkno))
	pageIncUsageCount(*blkno, atomic.LoadUint32(&header.usageCountAtomic))

	myLockedPageAdd(*blkno, prevState|PageStateLockedFlag)

	// Fix the semaphore's count for any absorbed wakeups.
	for extraWaits > 0 {
		lockerState.sem.Post()
		extraWaits--
	}

	return true, false
}

// BTreeRegisterInProgressSplit records an open split. It will be marked
// incomplete on error cleanup unless unregistered before.
func BTreeRegisterInProgressSplit(rightBlkno Blkno) {
	tPages := GetThreadPages()
	for i := 0; i < tPages.numberOfMyInProgressSplitPages; i++ {
		util.AssertFunc(tPages.myInProgressSplitPages[i] != rightBlkno)
	}
	util.AssertFunc(tPages.numberOfMyInProgressSplitPages+1 <=
		len(tPages.myInProgressSplitPages))
	tPages.myInProgressSplitPages[tPages.numberOfMyInProgressSplitPages] = rightBlkno
	tPages.numberOfMyInProgressSplitPages++
}

func BTreeUnregisterInProgressSplit(rightBlkno Blkno) {
	tPages := GetThreadPages()
	util.AssertFunc(tPages.numberOfMyInProgressSplitPages > 0)
	for i := 0; i < tPages.numberOfMyInProgressSplitPages; i++ {
		if tPages.myInProgressSplitPages[i] == rightBlkno {
			tPages.myInProgressSplitPages[i] =
				tPages.myInProgressSplitPages[tPages.numberOfMyInProgressSplitPages-1]
			tPages.numberOfMyInProgressSplitPages--
			return
		}
	}
	util.AssertFunc(false)
}

// BTreeMarkIncompleteSplits conservatively marks every split this worker
// still has open as broken, for later repair.
func BTreeMarkIncompleteSplits() {
	tPages := GetThreadPages()
	for i := 0; i < tPages.numberOfMyInProgressSplitPages; i++ {
		BTreeSplitMarkFinished(tPages.myInProgressSplitPages[i], true, false)
	}
	tPages.numberOfMyInProgressSplitPages = 0
}

// WithInProgressSplit runs fn with rightBlkno registered as an open split.
// On success the registration is removed; on error or panic the worker's
// page locks are released and every open split is marked broken, exactly
// once.
func WithInProgressSplit(rightBlkno Blkno, fn func() error) (err error) {
	BTreeRegisterInProgressSplit(rightBlkno)
	defer func() {
		if r := recover(); r != nil {
			ReleaseAllPageLocks()
			BTreeMarkIncompleteSplits()
			panic(r)
		}
	}()
	err = fn()
	if err != nil {
		ReleaseAllPageLocks()
		BTreeMarkIncompleteSplits()
		return err
	}
	BTreeUnregisterInProgressSplit(rightBlkno)
	return nil
}

// BTreeSplitMarkFinished closes out a split: on success it clears the
// right page's broken-split flag and the left page's right link, otherwise
// it sets the broken-split flag. The current left sibling may have been
// reassigned by a concurrent re-link, so the lock is retried until the
// observed left pointer is stable.
func BTreeSplitMarkFinished(rightBlkno Blkno, useLock bool, success bool) {
	rightPageDesc := GetInMemPageDesc(rightBlkno)
	leftBlkno := rightPageDesc.leftBlkno
	util.AssertFunc(BlknoIsValid(leftBlkno))

	// The left page is locked even when we only set BROKEN_SPLIT on the
	// right page: waiters redirected at the left page must be notified.
	if useLock {
		for {
			LockPage(leftBlkno)

			if rightPageDesc.leftBlkno == leftBlkno {
				PageBlockReads(leftBlkno)
				break
			}

			UnlockPage(leftBlkno)
			leftBlkno = rightPageDesc.leftBlkno
			util.AssertFunc(BlknoIsValid(leftBlkno))
		}
	}

	LockPage(rightBlkno)
	PageBlockReads(rightBlkno)

	leftHeader := (*BTPageHeader)(GetInMemPage(leftBlkno))
	rightHeader := (*BTPageHeader)(GetInMemPage(rightBlkno))

	util.AssertFunc(RightLinkIsValid(leftHeader.rightLink))
	util.AssertFunc(useLock || success)

	if success {
		rightHeader.SetFlags(rightHeader.GetFlags() & ^BTREE_FLAG_BROKEN_SPLIT)
		leftHeader.rightLink = InvalidRightLink
		rightPageDesc.leftBlkno = InvalidBlkno
	} else {
		util.AssertFunc(!PageIs(GetInMemPage(rightBlkno), BTREE_FLAG_BROKEN_SPLIT))
		rightHeader.SetFlags(rightHeader.GetFlags() | BTREE_FLAG_BROKEN_SPLIT)
		util.Warn("split marked broken",
			zap.Uint32("leftBlkno", uint32(leftBlkno)),
			zap.Uint32("rightBlkno", uint32(rightBlkno)))
	}

	UnlockPage(rightBlkno)

	if useLock {
		UnlockPageAfterSplit(leftBlkno)
	}
}
