// Package virtqueue implements the device-side consumer of a split virtio
// queue as described in the virtio specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// The queue memory belongs to the driver (the peer). This package never
// allocates it. It reads the descriptor table and the available ring, writes
// the used ring, and treats everything the peer wrote as untrusted: each field
// is read exactly once into a local copy before it is validated.
//
// A [Queue] supports exactly one consuming goroutine. Fetch, Complete and
// Abandon must not be called concurrently on the same queue.
package virtqueue
