package virtqueue

import "errors"

var (
	// ErrMalformedChain is returned when the peer published ring data that
	// violates the ring protocol. The specific reason is wrapped alongside.
	ErrMalformedChain = errors.New("malformed descriptor chain")

	// ErrHeadOutOfRange means a chain head is not a valid descriptor index.
	ErrHeadOutOfRange = errors.New("head index out of range")
	// ErrChainNextOutOfRange means a descriptor links to an index outside of
	// the descriptor table.
	ErrChainNextOutOfRange = errors.New("next index out of range")
	// ErrChainTooLong means a chain visits more descriptors than the table
	// holds, which only happens with a loop.
	ErrChainTooLong = errors.New("descriptor chain too long")
	// ErrChainOrder means a device-readable descriptor follows a
	// device-writable one.
	ErrChainOrder = errors.New("readable descriptor after writable descriptor")
	// ErrIndirectUnsupported means the peer used an indirect descriptor
	// although the feature is not offered.
	ErrIndirectUnsupported = errors.New("indirect descriptors are not supported")
	// ErrRangeOverflow means a descriptor's buffer wraps around the end of
	// the address space.
	ErrRangeOverflow = errors.New("descriptor range overflows address space")
	// ErrHeadInUse means the peer offered a head that is still claimed.
	ErrHeadInUse = errors.New("descriptor chain head is still in use")

	// ErrAvailableIndexCorrupt means the peer's available index ran more than
	// a full ring ahead of the consumer.
	ErrAvailableIndexCorrupt = errors.New("available index corrupt")

	// ErrTranslate wraps the transport's error when a chain could not be
	// translated into local memory.
	ErrTranslate = errors.New("failed to translate descriptor chain")

	// ErrQueueFailed is returned for every operation on a queue after the
	// transport lost track of its resources.
	ErrQueueFailed = errors.New("queue has failed")

	// ErrAbandonTooMany is returned when more chains are abandoned than are
	// currently claimed.
	ErrAbandonTooMany = errors.New("cannot abandon more chains than are claimed")
	// ErrNotClaimed is returned when completing a head that is not claimed.
	ErrNotClaimed = errors.New("descriptor chain is not claimed")
)
