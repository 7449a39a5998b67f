package btree

import (
	"sync"
	"sync/atomic"

	"github.com/daviszhen/rowstore/pkg/util"
	"github.com/petermattis/goid"
	"golang.org/x/sync/syncmap"
)

const (
	InvalidProcno uint32 = 0x3FFF
)

// LockerShmemState is one worker's slot in the shared locker arena. It
// doubles as the intrusive wait-list node and as the cross-worker payload
// carrier for batched inserts.
//
// Ownership: every field is written by the owning worker, except inserted,
// split and pageWaiting, which another worker may write while the owner is
// parked (pageWaiting true). pageWaiting is the synchronization edge: the
// waker clears it last, the owner re-reads the rest of the slot only after
// observing it cleared.
type LockerShmemState struct {
	sem             *util.Semaphore
	blkno           Blkno
	pageChangeCount uint32
	next            uint32
	waitExclusive   bool
	pageWaiting     atomic.Bool
	inserted        atomic.Bool
	split           atomic.Bool

	reloids          RelOids
	reservedUndoSize uint32
	tupleFlags       uint8
	tupleData        [BT_LEAF_TUPHDR_SIZE + BT_MAX_TUPLE_SIZE]byte
}

var (
	lockerStates []LockerShmemState
	maxProcs     uint32

	procnoMap     syncmap.Map // goid -> uint32 procno
	freeProcnos   []uint32
	freeProcnosMu sync.Mutex
)

func lockerStatesInit(maxWorkers int) {
	util.AssertFunc(maxWorkers > 0 && uint32(maxWorkers) < InvalidProcno)
	maxProcs = uint32(maxWorkers)
	lockerStates = make([]LockerShmemState, maxWorkers)
	freeProcnos = freeProcnos[:0]
	procnoMap = syncmap.Map{}
	for i := maxWorkers - 1; i >= 0; i-- {
		lockerStates[i].sem = util.NewSemaphore(0)
		lockerStates[i].blkno = InvalidBlkno
		lockerStates[i].next = InvalidProcno
		freeProcnos = append(freeProcnos, uint32(i))
	}
}

// MyProcNumber returns this goroutine's procno, assigning a slot from the
// free list on first use.
func MyProcNumber() uint32 {
	gid := goid.Get()
	if val, ok := procnoMap.Load(gid); ok {
		return val.(uint32)
	}
	freeProcnosMu.Lock()
	util.AssertFunc(len(freeProcnos) > 0)
	procno := freeProcnos[len(freeProcnos)-1]
	freeProcnos = freeProcnos[:len(freeProcnos)-1]
	freeProcnosMu.Unlock()
	procnoMap.Store(gid, procno)
	return procno
}

// ReleaseWorkerSlot returns this goroutine's procno to the free list. The
// caller must not hold page locks or be queued anywhere.
func ReleaseWorkerSlot() {
	gid := goid.Get()
	val, ok := procnoMap.LoadAndDelete(gid)
	if !ok {
		return
	}
	procno := val.(uint32)
	util.AssertFunc(!lockerStates[procno].pageWaiting.Load())
	lockerStates[procno].blkno = InvalidBlkno
	lockerStates[procno].inserted.Store(false)
	lockerStates[procno].split.Store(false)
	freeProcnosMu.Lock()
	freeProcnos = append(freeProcnos, procno)
	freeProcnosMu.Unlock()
}

func getLockerState(procno uint32) *LockerShmemState {
	util.AssertFunc(procno < maxProcs)
	return &lockerStates[procno]
}
