package virtqueue

import "sync/atomic"

var fenceWord atomic.Uint32

// fence is a full memory barrier. A sequentially consistent read-modify-write
// orders every earlier load and store against every later one.
func fence() {
	fenceWord.Add(1)
}
