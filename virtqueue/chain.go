package virtqueue

import (
	"fmt"
	"math"
)

// Range is a peer-physical memory range a descriptor chain refers to.
type Range struct {
	Address  uint64
	Length   uint32
	Writable bool
}

// chainWalker resolves descriptor chains into readable and writable range
// lists. The lists are reused between walks and never grow beyond the queue
// size.
type chainWalker struct {
	table *DescriptorTable
	size  int

	readable []Range
	writable []Range
	// skipped counts zero-length descriptors of the last walk.
	skipped int
}

func newChainWalker(table *DescriptorTable, queueSize int) chainWalker {
	return chainWalker{
		table:    table,
		size:     queueSize,
		readable: make([]Range, 0, queueSize),
		writable: make([]Range, 0, queueSize),
	}
}

func (w *chainWalker) reset() {
	w.readable = w.readable[:0]
	w.writable = w.writable[:0]
	w.skipped = 0
}

// walk follows the chain starting at head. On error the range lists are
// empty.
func (w *chainWalker) walk(head uint16) error {
	w.reset()

	if int(head) >= w.size {
		return fmt.Errorf("%w: %w: %d >= %d", ErrMalformedChain, ErrHeadOutOfRange, head, w.size)
	}

	index := head
	for visited := 0; ; visited++ {
		// A chain can never be longer than the table. Anything beyond that
		// is a loop.
		if visited == w.size {
			w.reset()
			return fmt.Errorf("%w: %w: more than %d descriptors from head %d",
				ErrMalformedChain, ErrChainTooLong, w.size, head)
		}

		desc := w.table.descriptor(index)

		if desc.Flags&DescriptorFlagIndirect != 0 {
			w.reset()
			return fmt.Errorf("%w: %w: descriptor %d", ErrMalformedChain, ErrIndirectUnsupported, index)
		}
		if desc.Address > math.MaxUint64-uint64(desc.Length) {
			w.reset()
			return fmt.Errorf("%w: %w: descriptor %d", ErrMalformedChain, ErrRangeOverflow, index)
		}

		switch {
		case desc.Length == 0:
			w.skipped++
		case desc.Flags&DescriptorFlagWritable != 0:
			w.writable = append(w.writable, Range{Address: desc.Address, Length: desc.Length, Writable: true})
		default:
			if len(w.writable) > 0 {
				w.reset()
				return fmt.Errorf("%w: %w: descriptor %d", ErrMalformedChain, ErrChainOrder, index)
			}
			w.readable = append(w.readable, Range{Address: desc.Address, Length: desc.Length})
		}

		if desc.Flags&DescriptorFlagHasNext == 0 {
			return nil
		}
		if int(desc.Next) >= w.size {
			w.reset()
			return fmt.Errorf("%w: %w: descriptor %d links to %d",
				ErrMalformedChain, ErrChainNextOutOfRange, index, desc.Next)
		}
		index = desc.Next
	}
}
