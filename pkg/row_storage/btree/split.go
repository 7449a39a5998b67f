package btree

import (
	"unsafe"

	"github.com/daviszhen/rowstore/pkg/util"
)

// BTreeSplitItems is the flat item list a split or compaction works from:
// every surviving page item plus the tuple being inserted, in key order.
type BTreeSplitItems struct {
	items      [BT_PAGE_MAX_SPLIT_ITEMS]BTPageItem
	itemsCount int
	maxKeyLen  int
	hikeySize  LocationIndex
	hikeysEnd  LocationIndex
	leaf       bool
}

// MakeSplitItems flattens the page into items, inserting the new tuple at
// *offset (or replacing the item there). On leaf pages tuples deleted by
// transactions finished for everybody are dropped when csn permits, and
// tuples are resized to their minimal representation; *offset is adjusted
// for drops before the insertion point.
func MakeSplitItems(desc *BTDesc, page unsafe.Pointer,
	items *BTreeSplitItems,
	offset *OffsetNumber, tupleheader unsafe.Pointer, tuple OTuple,
	tuplesize LocationIndex, replace bool, csn CommitSeqNo) {
	var loc BTPageItemLocator
	leaf := PageIs(page, BTREE_FLAG_LEAF)
	tupleHeaderSize := int(BT_NON_LEAF_TUPHDR_SIZE)
	if leaf {
		tupleHeaderSize = int(BT_LEAF_TUPHDR_SIZE)
	}
	newItem := GetThreadPages().newItemBuf[:]
	maxKeyLen := util.AlignValue8(int((*BTPageHeader)(page).maxKeyLen))

	i := OffsetNumber(0)
	pageLocatorFirst(page, &loc)
	for pageLocatorIsValid(&loc) || i == *offset {
		if i == *offset {
			util.PointerCopy(unsafe.Pointer(&newItem[0]), tupleheader, tupleHeaderSize)
			util.PointerCopy(unsafe.Pointer(&newItem[tupleHeaderSize]),
				tuple.data, int(tuplesize))
			for pad := int(tuplesize); pad < util.AlignValue8(int(tuplesize)); pad++ {
				newItem[tupleHeaderSize+pad] = 0
			}
			items.items[i].data = unsafe.Pointer(&newItem[0])
			items.items[i].flags = tuple.formatFlags
			items.items[i].size = LocationIndex(tupleHeaderSize + util.AlignValue8(int(tuplesize)))
			items.items[i].newItem = false
			lenType := OKeyLength
			if leaf {
				lenType = OTupleKeyLengthNoVersion
			}
			newKeyLen := oBtreeLen(desc, tuple, lenType)
			if newKeyLen > maxKeyLen {
				maxKeyLen = newKeyLen
			}
			i++
			if replace {
				pageLocatorNext(page, &loc)
				continue
			}
		}

		if !pageLocatorIsValid(&loc) {
			break
		}

		// On leaf pages, get rid of tuples deleted by finished
		// transactions. Also, resize tuples to minimal size. On non-leaf
		// pages, copy tuples as-is.
		if leaf {
			tupHdr := (*BTLeafTuphdr)(pageLocatorGetItem(&loc))
			tup := OTuple{
				data:        util.PointerAdd(unsafe.Pointer(tupHdr), int(BT_LEAF_TUPHDR_SIZE)),
				formatFlags: uint8(pageLocatorGetItemFlags(&loc)),
			}
			finished := false
			if !CommitSeqNoIsFrozen(csn) {
				finished = XactInfoFinishedForEverybody(tupHdr.GetXactInfo())
			}
			if finished && tupHdr.IsDeleted() &&
				(CommitSeqNoIsInProgress(csn) || XactInfoMapCSN(tupHdr.GetXactInfo()) < csn) {
				if i < *offset {
					*offset--
				}
				pageLocatorNext(page, &loc)
				continue
			}

			items.items[i].data = unsafe.Pointer(tupHdr)
			items.items[i].flags = tup.formatFlags
			if finished {
				items.items[i].size = LocationIndex(int(BT_LEAF_TUPHDR_SIZE) +
					util.AlignValue8(oBtreeLen(desc, tup, OTupleLength)))
			} else {
				items.items[i].size = pageLocatorGetItemSize(&loc)
			}
			items.items[i].newItem = false
		} else {
			items.items[i].data = pageLocatorGetItem(&loc)
			items.items[i].flags = uint8(pageLocatorGetItemFlags(&loc))
			items.items[i].size = pageLocatorGetItemSize(&loc)
			items.items[i].newItem = false
		}

		i++
		pageLocatorNext(page, &loc)
	}
	items.itemsCount = int(i)
	items.maxKeyLen = maxKeyLen
	if PageIs(page, BTREE_FLAG_RIGHTMOST) {
		items.hikeySize = 0
	} else {
		items.hikeySize = pageGetHikeySize(page)
	}
	items.hikeysEnd = BTPageHikeysEnd(desc, page)
	items.leaf = leaf
}

// PerformPageCompaction rewrites a leaf page from its flattened item list,
// reclaiming the space of vacated tuples. With needsUndo the pre-image is
// pushed to the undo log first and the page gets stamped with the new undo
// location and csn.
func PerformPageCompaction(desc *BTDesc, blkno Blkno,
	items *BTreeSplitItems, needsUndo bool, csn CommitSeqNo) {
	p := GetInMemPage(blkno)
	header := (*BTPageHeader)(p)
	var hikey OTuple
	var hikeySize LocationIndex

	util.AssertFunc(PageIs(p, BTREE_FLAG_LEAF))

	if needsUndo {
		undoLocation := pageAddImageToUndo(desc, p, csn)

		// Block reads only after the undo image is complete; readers
		// following undoLocation must find a finished image.
		PageBlockReads(blkno)

		header.undoLocation = undoLocation
		header.prevInsertOffset = MaxOffsetNumber
		header.csn = csn
	} else {
		PageBlockReads(blkno)
	}

	if PageIs(p, BTREE_FLAG_RIGHTMOST) {
		hikey.SetNull()
		hikeySize = 0
	} else {
		hikey = pageGetHikey(p)
		hikeySize = pageGetHikeySize(p)
	}

	btreePageReorg(desc, p, items.items[:items.itemsCount], hikeySize, hikey)
	header.maxKeyLen = LocationIndex(items.maxKeyLen)
	util.AssertFunc(uint32(header.dataSize) <= BLOCK_SIZE)
	oBtreePageCalculateStatistics(desc, p)
}

// BTreePageSplitLocation finds the split point over the flattened item
// list. It keeps as close as possible to targetLocation, or, when
// targetLocation is zero, to spaceRatio. Returns the number of items going
// to the left page and sets splitItem to the first tuple of the right
// page.
func BTreePageSplitLocation(desc *BTDesc, items *BTreeSplitItems,
	targetLocation OffsetNumber, spaceRatio float32,
	splitItem *OTuple) OffsetNumber {
	util.AssertFunc(spaceRatio >= 0.0 && spaceRatio <= 1.0)

	headerSpace := util.AlignValue8(int(BT_PAGE_HEADER_SIZE)) + items.maxKeyLen
	if int(items.hikeysEnd) > headerSpace {
		headerSpace = int(items.hikeysEnd)
	}
	leftPageSpaceLeft := BLOCK_SIZE - headerSpace

	headerSpace = util.AlignValue8(int(BT_PAGE_HEADER_SIZE)) + int(items.hikeySize)
	if int(items.hikeysEnd) > headerSpace {
		headerSpace = int(items.hikeysEnd)
	}
	rightPageSpaceLeft := BLOCK_SIZE - headerSpace

	// The left page contains at least one item and leaves at least one
	// item for the right page.
	minLeftPageItemsCount := 1
	maxLeftPageItemsCount := items.itemsCount - 1
	leftPageSpaceLeft -= int(items.items[0].size) + util.AlignValue8(int(LocationIndexSize))
	rightPageSpaceLeft -= int(items.items[items.itemsCount-1].size) + util.AlignValue8(int(LocationIndexSize))

	util.AssertFunc(leftPageSpaceLeft >= 0 && rightPageSpaceLeft >= 0)

	// Narrow the minimal and maximal left item counts until they meet.
	for minLeftPageItemsCount != maxLeftPageItemsCount {
		util.AssertFunc(minLeftPageItemsCount < maxLeftPageItemsCount)

		// Pick the side to grow. While both sides still have room, follow
		// targetLocation, or spaceRatio when no target is given.
		var growLeft bool
		if rightPageSpaceLeft <= 0 {
			growLeft = true
		} else if leftPageSpaceLeft > 0 {
			if targetLocation == 0 {
				growLeft = float32(leftPageSpaceLeft)*spaceRatio >
					float32(rightPageSpaceLeft)*(1.0-spaceRatio)
			} else {
				growLeft = minLeftPageItemsCount < int(targetLocation)
			}
		}

		if growLeft {
			util.AssertFunc(leftPageSpaceLeft > 0)
			leftPageSpaceLeft -= int(items.items[minLeftPageItemsCount].size) +
				util.AlignValue8(int(LocationIndexSize)*(minLeftPageItemsCount+1)) -
				util.AlignValue8(int(LocationIndexSize)*minLeftPageItemsCount)
			if leftPageSpaceLeft < 0 {
				continue
			}
			minLeftPageItemsCount++
		} else {
			util.AssertFunc(rightPageSpaceLeft > 0)
			rightPageSpaceLeft -= int(items.items[maxLeftPageItemsCount-1].size) +
				util.AlignValue8(int(LocationIndexSize)*(items.itemsCount-maxLeftPageItemsCount+1)) -
				util.AlignValue8(int(LocationIndexSize)*(items.itemsCount-maxLeftPageItemsCount))
			if rightPageSpaceLeft < 0 {
				continue
			}
			maxLeftPageItemsCount--
		}
	}

	if splitItem != nil {
		splitItem.formatFlags = items.items[minLeftPageItemsCount].flags
		tupleHeaderSize := int(BT_NON_LEAF_TUPHDR_SIZE)
		if items.leaf {
			tupleHeaderSize = int(BT_LEAF_TUPHDR_SIZE)
		}
		splitItem.data = util.PointerAdd(items.items[minLeftPageItemsCount].data,
			tupleHeaderSize)
	}

	return OffsetNumber(minLeftPageItemsCount)
}

// BTreeGetSplitLeftCount picks the split point with ordered-insert
// detection: consecutive inserts at the same spot shift the split towards
// the insertion point so the steadily filled side keeps receiving tuples
// at the configured fillfactor. Returns the left item count and the split
// key separating the two pages.
func BTreeGetSplitLeftCount(desc *BTDesc, page unsafe.Pointer,
	offset OffsetNumber, replace bool,
	items *BTreeSplitItems) (leftCount OffsetNumber, splitKey OTuple, splitKeyLen LocationIndex) {
	header := (*BTPageHeader)(page)
	var splitItem OTuple
	targetCount := OffsetNumber(0)
	spaceRatio := float32(0.5)
	fillfactorRatio := float32(desc.fillfactor) / 100.0

	// Autodetect ordered inserts and split near the insertion point. Close
	// to the end of the page, split the already inserted data away from
	// the insertion point when that still gives decent utilization;
	// otherwise keep the inserted data together with the insertion point.
	if offset == header.prevInsertOffset+1 {
		fill := float32(offset) / float32(header.itemsCount)
		if fill > fillfactorRatio {
			spaceRatio = fillfactorRatio
		} else if fill >= 0.9 {
			targetCount = offset
		} else {
			targetCount = offset + 1
		}
	} else if (!replace && offset == header.prevInsertOffset) ||
		(replace && offset == header.prevInsertOffset-1) {
		fill := float32(offset) / float32(header.itemsCount)
		if fill < 1.0-fillfactorRatio {
			spaceRatio = 1.0 - fillfactorRatio
		} else if fill <= 0.1 {
			targetCount = offset + 1
		} else {
			targetCount = offset
		}
	} else if (desc.typ == oIndexToast && PageIs(page, BTREE_FLAG_LEAF)) ||
		PageIs(page, BTREE_FLAG_RIGHTMOST) {
		// TOAST and rightmost inserts are assumed ascending.
		spaceRatio = fillfactorRatio
	}

	leftCount = BTreePageSplitLocation(desc, items, targetCount, spaceRatio,
		&splitItem)

	if PageIs(page, BTREE_FLAG_LEAF) {
		splitItem = oBtreeTupleMakeKey(desc, splitItem)
	}
	splitKeyLen = LocationIndex(oBtreeLen(desc, splitItem, OKeyLength))

	// The split key must survive the reorg of the page it points into.
	keyBuf := make([]byte, splitKeyLen)
	util.PointerCopy(unsafe.Pointer(unsafe.SliceData(keyBuf)),
		splitItem.data, int(splitKeyLen))
	splitKey.data = unsafe.Pointer(unsafe.SliceData(keyBuf))
	splitKey.formatFlags = splitItem.formatFlags

	return leftCount, splitKey, splitKeyLen
}

// PerformPageSplit moves the items at and after leftCount to a fresh right
// page and rewrites the left page with the remainder, with splitKey as its
// new high key. Both pages come out locked, cross-linked and stamped with
// csn/undoLoc; the right page inherits the left page's high key and old
// right link. The caller publishes the downlink and finishes via
// BTreeSplitMarkFinished.
func PerformPageSplit(desc *BTDesc, blkno Blkno, newBlkno Blkno,
	items *BTreeSplitItems, leftCount OffsetNumber,
	splitKey OTuple, splitKeyLen LocationIndex,
	csn CommitSeqNo, undoLoc UndoLocation) {
	leftPage := GetInMemPage(blkno)
	rightPage := GetInMemPage(newBlkno)
	leftHeader := (*BTPageHeader)(leftPage)
	rightHeader := (*BTPageHeader)(rightPage)
	leaf := PageIs(leftPage, BTREE_FLAG_LEAF)
	var hikey OTuple
	var hikeySize LocationIndex

	rightlink := leftHeader.rightLink
	initNewBtreePage(desc, newBlkno,
		leftHeader.GetFlags() & ^BTREE_FLAG_LEFTMOST,
		leftHeader.GetLevel(), false)

	// The first right-page item of a non-leaf page needs no key: the
	// downlink path arrives through the parent's separator.
	if !leaf {
		items.items[leftCount].size = LocationIndex(BT_NON_LEAF_TUPHDR_SIZE)
	}

	if PageIs(leftPage, BTREE_FLAG_RIGHTMOST) {
		hikeySize = 0
		hikey.SetNull()
	} else {
		hikeySize = pageGetHikeySize(leftPage)
		hikey = pageGetHikey(leftPage)
	}

	btreePageReorg(desc, rightPage,
		items.items[leftCount:items.itemsCount], hikeySize, hikey)
	rightHeader.maxKeyLen = LocationIndex(items.maxKeyLen)

	PageBlockReads(blkno)

	leftHeader.undoLocation = undoLoc
	rightHeader.undoLocation = undoLoc

	leftHeader.csn = csn
	rightHeader.csn = csn
	rightHeader.rightLink = rightlink
	leftHeader.rightLink = MakeInMemoryRightlink(newBlkno,
		GetPageHeader(rightPage).pageChangeCount)
	leftHeader.SetFlags(leftHeader.GetFlags() & ^BTREE_FLAG_RIGHTMOST)
	if RightLinkIsValid(rightlink) {
		GetInMemPageDesc(RightlinkGetBlkno(rightlink)).leftBlkno = newBlkno
	}
	GetInMemPageDesc(newBlkno).leftBlkno = blkno

	btreePageReorg(desc, leftPage, items.items[:leftCount],
		splitKeyLen, splitKey)
	leftHeader.maxKeyLen = LocationIndex(items.maxKeyLen)

	oBtreePageCalculateStatistics(desc, leftPage)
	oBtreePageCalculateStatistics(desc, rightPage)

	markDirty(blkno)
	markDirty(newBlkno)
}
