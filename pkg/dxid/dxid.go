package dxid

import "fmt"

/*
The DXID names a position in the total order of a DwarfKeeper group. It is a 64-bit number with two parts:
the epoch and a counter. We use the high order 32-bits for the epoch and the low order 32-bits for the counter.
The epoch changes every time the sequencer that orders the group is (re)started, so ids handed out by a new
sequencer never collide with ids written to disk by an older one. The counter is incremented for every
ordered delivery (broadcast or view change) in that epoch.
Because the epoch lives in the high bits, comparing two DXIDs as plain integers gives their order in the stream.
*/
type DXID int64

// Zero is the id before any delivery. Nothing is ever stamped with it.
const Zero DXID = 0

func NewDXID(epoch int32, counter int32) DXID {
	// Set up the epoch and counter to be lined up with the high and low 32 bits of the dxid.
	var dxid int64 = 0
	highBits := int64(epoch) << 32
	lowBits := int64(uint32(counter))

	// Set the high and low bits of the dxid using bitwise OR.
	dxid |= highBits
	dxid |= lowBits
	return DXID(dxid)
}

func (d DXID) GetEpoch() int32 {
	// Get the epoch from the higher 32 bits of the dxid.
	return int32(d >> 32)
}

func (d DXID) GetCounter() int32 {
	// Get the counter from the lower 32 bits of the dxid. We do this by creating a bit mask of the lower 32 bits
	// and doing a bitwise AND to only get those bits.
	var maskLow32 DXID = 0xFFFFFFFF
	return int32(d & maskLow32)
}

// Next returns the id that follows d in the same epoch.
func (d DXID) Next() DXID {
	return NewDXID(d.GetEpoch(), d.GetCounter()+1)
}

func (d DXID) String() string {
	return fmt.Sprintf("%d:%d", d.GetEpoch(), d.GetCounter())
}
