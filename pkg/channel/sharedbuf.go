package channel

import (
	"errors"
	"fmt"

	"github.com/edsrzf/mmap-go"
)

// DefaultSharedBufferSize is the size of the reserved zero-copy region.
const DefaultSharedBufferSize = 16 << 10

// ErrChannelUnavailable reports that the shared-memory fast path could not
// be set up. Callers fall back to message delivery and never surface it.
var ErrChannelUnavailable = errors.New("shared memory channel unavailable")

// SharedBuffer is an anonymous shared mapping reserved for future binary
// transfer.
//
// Nothing reads or writes it today. Using it across contexts requires a
// synchronization protocol (for example a sequence-numbered header) first.
type SharedBuffer struct {
	region mmap.MMap
}

// ProbeSharedBuffer resolves the zero-copy capability once at startup.
//
// Returns (nil, ErrChannelUnavailable) when the feature is disabled or the
// platform refuses the mapping. If size <= 0, DefaultSharedBufferSize is used.
func ProbeSharedBuffer(enabled bool, size int) (*SharedBuffer, error) {
	if !enabled {
		return nil, fmt.Errorf("%w: disabled", ErrChannelUnavailable)
	}
	if size <= 0 {
		size = DefaultSharedBufferSize
	}

	region, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return &SharedBuffer{region: region}, nil
}

// Size returns the reserved size in bytes.
func (b *SharedBuffer) Size() int {
	if b == nil {
		return 0
	}
	return len(b.region)
}

// Close unmaps the region. Safe on a nil buffer.
func (b *SharedBuffer) Close() error {
	if b == nil || b.region == nil {
		return nil
	}
	err := b.region.Unmap()
	b.region = nil
	return err
}
