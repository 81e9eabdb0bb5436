package vchan

// ring is the SPSC byte ring of spec §4.2, addressed over the list of
// mmap'd pages hv.Conn.Mmap returns rather than one flat slice: page 0
// is the leftover bytes of the meta frame after wire.MetaPage (per
// Invariant I4, the ring starts right after the control block, not at
// the next page boundary), the rest are full data frames. Go's mmap
// wrapper has no MAP_FIXED composition to lay the underlying memfds
// out as one contiguous VMA, so this type does the wrap-around address
// translation a single slice would have given for free.
type ring struct {
	pages   [][]byte
	offsets []uint32 // offsets[i] = byte offset where pages[i] begins
	cap     uint32   // B: total ring bytes
}

func newRing(pages [][]byte) *ring {
	r := &ring{pages: pages, offsets: make([]uint32, len(pages))}
	var total uint32
	for i, p := range pages {
		r.offsets[i] = total
		total += uint32(len(p))
	}
	r.cap = total
	return r
}

// locate returns the page index and in-page offset for a logical ring
// offset in [0, cap).
func (r *ring) locate(off uint32) (page int, within uint32) {
	for i := len(r.offsets) - 1; i >= 0; i-- {
		if off >= r.offsets[i] {
			return i, off - r.offsets[i]
		}
	}
	return 0, off
}

// copyFrom writes src into the ring starting at logical offset dst,
// which must not require wrapping (the caller clamps to the wrap
// point before calling, per spec's "writes and reads never cross the
// wrap boundary in a single copy"), but may still span more than one
// physical page since pages are no larger than 4096 bytes and a
// granularity-bounded chunk can be larger than that.
func (r *ring) copyFrom(dst uint32, src []byte) {
	written := 0
	for written < len(src) {
		idx, within := r.locate(dst + uint32(written))
		n := copy(r.pages[idx][within:], src[written:])
		written += n
	}
}

// copyTo is copyFrom's mirror for reads.
func (r *ring) copyTo(dst []byte, src uint32) {
	read := 0
	for read < len(dst) {
		idx, within := r.locate(src + uint32(read))
		n := copy(dst[read:], r.pages[idx][within:])
		read += n
	}
}

// distanceToWrap returns how many bytes can be copied starting at off
// before hitting the end of the ring (offset 0), i.e. the largest
// contiguous-in-ring-index-space run available without wrapping. This
// is one of the three clamps spec §4.2 requires on every copy.
func (r *ring) distanceToWrap(off uint32) uint32 {
	return r.cap - off
}

// RingControl field accessors (slotsFree/slotsUsed, write_pos/read_pos
// ownership) live on Pipe in pipe.go; ring stays state-agnostic and
// only knows how to move bytes.
