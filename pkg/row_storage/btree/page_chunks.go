package btree

import (
	"unsafe"

	"github.com/daviszhen/rowstore/pkg/util"
)

func initPageFirstChunk(
	desc *BTDesc,
	p unsafe.Pointer,
	hikeySize LocationIndex) {
	header := (*BTPageHeader)(p)

	util.AssertFunc(hikeySize == util.AlignValue(hikeySize, 8))

	header.chunksCount = 1
	header.itemsCount = 0
	header.hikeysEnd = OffsetNumber(util.AlignValue(BT_PAGE_HEADER_SIZE, 8)) + OffsetNumber(hikeySize)

	if header.hikeysEnd > OffsetNumber(BTPageHikeysEnd(desc, p)) {
		header.dataSize = LocationIndex(header.hikeysEnd)
	} else {
		header.dataSize = BTPageHikeysEnd(desc, p)
	}
	header.chunksDesc[0].SetHikeyShortLocation(LocationGetShort(util.AlignValue(BT_PAGE_HEADER_SIZE, 8)))
	header.chunksDesc[0].SetShortLocation(LocationGetShort(uint32(header.dataSize)))
	header.chunksDesc[0].SetOffset(0)
	header.chunksDesc[0].SetHikeyFlags(0)
}

func pageChunkFillLocator(
	p unsafe.Pointer,
	chunkOffset OffsetNumber,
	locator *BTPageItemLocator,
) {
	header := (*BTPageHeader)(p)
	util.AssertFunc(chunkOffset < header.chunksCount)
	currChunkDesc := header.GetChunkDesc(int(chunkOffset))
	if chunkOffset+1 < header.chunksCount {
		nextChunkDesc := header.GetChunkDesc(int(chunkOffset + 1))
		locator.chunkItemsCount =
			OffsetNumber(
				nextChunkDesc.GetOffset() -
					currChunkDesc.GetOffset())
		locator.chunkSize = LocationIndex(
			ShortGetLocation(nextChunkDesc.GetShortLocation()) -
				ShortGetLocation(currChunkDesc.GetShortLocation()))
	} else {
		locator.chunkItemsCount = header.itemsCount -
			OffsetNumber(currChunkDesc.GetOffset())
		locator.chunkSize = header.dataSize -
			LocationIndex(ShortGetLocation(currChunkDesc.GetShortLocation()))
	}
	locator.chunkOffset = chunkOffset
	locator.itemOffset = 0
	locator.chunk = (*BTPageChunk)(util.PointerAdd(
		p,
		int(ShortGetLocation(currChunkDesc.GetShortLocation()))))
}

func pageItemFillLocator(
	p unsafe.Pointer,
	itemOffset OffsetNumber,
	locator *BTPageItemLocator,
) {
	header := (*BTPageHeader)(p)
	chunkOffset := OffsetNumber(0)
	for chunkOffset < header.chunksCount-1 &&
		uint32(itemOffset) >= header.GetChunkDesc(int(chunkOffset+1)).GetOffset() {
		chunkOffset++
	}
	pageChunkFillLocator(p, chunkOffset, locator)
	locator.itemOffset = itemOffset -
		OffsetNumber(header.GetChunkDesc(int(chunkOffset)).GetOffset())
}

func pageItemFillLocatorBackwards(
	p unsafe.Pointer,
	itemOffset OffsetNumber,
	locator *BTPageItemLocator,
) {
	header := (*BTPageHeader)(p)
	chunkOffset := header.chunksCount - 1
	for uint32(itemOffset) < header.GetChunkDesc(int(chunkOffset)).GetOffset() {
		util.AssertFunc(chunkOffset > 0)
		chunkOffset--
	}
	pageChunkFillLocator(p, chunkOffset, locator)
	locator.itemOffset = itemOffset -
		OffsetNumber(header.GetChunkDesc(int(chunkOffset)).GetOffset())
}

func pageLocatorNextChunk(
	p unsafe.Pointer,
	locator *BTPageItemLocator,
) bool {
	header := (*BTPageHeader)(p)
	for locator.itemOffset >= locator.chunkItemsCount {
		if locator.chunkOffset+1 < header.chunksCount {
			pageChunkFillLocator(p, locator.chunkOffset+1, locator)
		} else {
			return false
		}
	}
	return true
}

func pageLocatorFirst(p unsafe.Pointer, locator *BTPageItemLocator) {
	pageChunkFillLocator(p, 0, locator)
	pageLocatorNextChunk(p, locator)
}

func pageLocatorNext(p unsafe.Pointer, locator *BTPageItemLocator) {
	locator.itemOffset++
	pageLocatorNextChunk(p, locator)
}

func pageLocatorIsValid(locator *BTPageItemLocator) bool {
	return locator.chunk != nil && locator.itemOffset < locator.chunkItemsCount
}

func pageLocatorGetItem(locator *BTPageItemLocator) unsafe.Pointer {
	util.AssertFunc(pageLocatorIsValid(locator))
	return util.PointerAdd(
		unsafe.Pointer(locator.chunk),
		int(ItemGetOffset(locator.chunk.GetItem(int(locator.itemOffset)))))
}

// pageLocatorGetItemSize derives the item size from the distance to the
// next item, or to the chunk end for the last one.
func pageLocatorGetItemSize(locator *BTPageItemLocator) LocationIndex {
	offset := LocationIndex(ItemGetOffset(locator.chunk.GetItem(int(locator.itemOffset))))
	if locator.itemOffset+1 < locator.chunkItemsCount {
		return LocationIndex(ItemGetOffset(locator.chunk.GetItem(int(locator.itemOffset+1)))) - offset
	}
	return locator.chunkSize - offset
}

func pageLocatorGetItemFlags(locator *BTPageItemLocator) uint16 {
	return ItemGetFlags(locator.chunk.GetItem(int(locator.itemOffset)))
}

func pageLocatorGetOffset(p unsafe.Pointer, locator *BTPageItemLocator) OffsetNumber {
	header := (*BTPageHeader)(p)
	return OffsetNumber(header.GetChunkDesc(int(locator.chunkOffset)).GetOffset()) +
		locator.itemOffset
}

func pageLocatorFitsNewItem(
	p unsafe.Pointer,
	locator *BTPageItemLocator,
	itemSize LocationIndex,
) bool {
	nextSize := util.AlignValue(OffsetNumber(LocationIndexSize)*(locator.chunkItemsCount+1), 8)
	curSize := util.AlignValue(OffsetNumber(LocationIndexSize)*locator.chunkItemsCount, 8)
	sizeDiff := LocationIndex(nextSize - curSize)
	sizeDiff += util.AlignValue(itemSize, 8)
	return BTPageFreeSpace(p) >= sizeDiff
}

// btreePageReorg rebuilds a page from an explicit item list into a single
// chunk. The image is assembled in a scratch buffer and copied over the
// page body in one pass, so item and hikey pointers into the old page body
// stay readable throughout. The caller holds the lock with reads blocked;
// hikey may be null for rightmost pages.
func btreePageReorg(desc *BTDesc, p unsafe.Pointer,
	items []BTPageItem, hikeySize LocationIndex, hikey OTuple) {
	tPages := GetThreadPages()
	scratch := unsafe.Pointer(&tPages.reorgBuf[0])
	header := (*BTPageHeader)(scratch)
	count := len(items)
	alignedHikeySize := util.AlignValue(hikeySize, 8)

	util.AssertFunc(count <= int(BT_PAGE_MAX_ITEMS))

	util.PointerCopy(scratch, p, int(BT_PAGE_HEADER_SIZE))

	hikeyLocation := util.AlignValue(BT_PAGE_HEADER_SIZE, 8)
	chunkLocation := uint32(BTPageHikeysEnd(desc, p))
	util.AssertFunc(hikeyLocation+uint32(alignedHikeySize) <= chunkLocation)

	header.chunksCount = 1
	header.itemsCount = OffsetNumber(count)
	header.hikeysEnd = OffsetNumber(hikeyLocation) + OffsetNumber(alignedHikeySize)
	header.prevInsertOffset = MaxOffsetNumber
	header.SetNVacatedBytes(0)

	chunkDesc := header.GetChunkDesc(0)
	chunkDesc.SetShortLocation(LocationGetShort(chunkLocation))
	chunkDesc.SetOffset(0)
	chunkDesc.SetHikeyShortLocation(LocationGetShort(hikeyLocation))
	if hikey.IsNull() {
		chunkDesc.SetHikeyFlags(0)
	} else {
		chunkDesc.SetHikeyFlags(uint32(hikey.formatFlags))
		util.PointerCopy(util.PointerAdd(scratch, int(hikeyLocation)),
			hikey.data, int(hikeySize))
		if alignedHikeySize > hikeySize {
			util.Memset(util.PointerAdd(scratch, int(hikeyLocation)+int(hikeySize)),
				0, int(alignedHikeySize-hikeySize))
		}
	}

	chunk := (*BTPageChunk)(util.PointerAdd(scratch, int(chunkLocation)))
	itemLocation := uint32(util.AlignValue8(count * int(LocationIndexSize)))
	for i := 0; i < count; i++ {
		loc := LocationIndex(itemLocation)
		if items[i].flags != 0 {
			loc = ItemSetFlags(loc, 1)
		}
		chunk.SetItem(i, loc)
		util.PointerCopy(
			util.PointerAdd(scratch, int(chunkLocation+itemLocation)),
			items[i].data, int(items[i].size))
		pad := util.AlignValue8(int(items[i].size)) - int(items[i].size)
		if pad > 0 {
			util.Memset(util.PointerAdd(scratch,
				int(chunkLocation+itemLocation)+int(items[i].size)), 0, pad)
		}
		itemLocation += uint32(util.AlignValue8(int(items[i].size)))
	}
	header.dataSize = LocationIndex(chunkLocation + itemLocation)
	util.AssertFunc(uint32(header.dataSize) <= BLOCK_SIZE)

	util.PointerCopy(
		util.PointerAdd(p, PageHeaderSize),
		util.PointerAdd(scratch, PageHeaderSize),
		BLOCK_SIZE-PageHeaderSize)
}
