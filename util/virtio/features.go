package virtio

import (
	"fmt"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureRingEventIndex enables the used_event and avail_event fields.
	// Both sides then suppress notifications by publishing the ring index they
	// want to be notified at instead of toggling the ring flags.
	FeatureRingEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that the device can be used on a
	// platform where device access to data in memory is limited and/or
	// translated.
	FeatureAccessPlatform Feature = 1 << 33

	// FeatureRingPacked indicates support for the packed virtqueue layout.
	FeatureRingPacked Feature = 1 << 34

	// FeatureInOrder indicates that all buffers are used by the device in the
	// same order in which they have been made available.
	FeatureInOrder Feature = 1 << 35

	// FeatureOrderPlatform indicates that memory accesses by the driver and
	// the device are ordered in a way described by the platform. Without it
	// both sides may use weaker, relaxed barriers.
	FeatureOrderPlatform Feature = 1 << 36
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureIndirectDescriptors, "indirect_desc"},
	{FeatureRingEventIndex, "event_idx"},
	{FeatureVersion1, "version_1"},
	{FeatureAccessPlatform, "access_platform"},
	{FeatureRingPacked, "ring_packed"},
	{FeatureInOrder, "in_order"},
	{FeatureOrderPlatform, "order_platform"},
}

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

func (f Feature) String() string {
	var names []string
	rest := f
	for _, n := range featureNames {
		if f.Has(n.f) {
			names = append(names, n.name)
			rest &^= n.f
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint64(rest)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
