// Package wire defines the fixed-offset, packed layouts shared between
// the two independently built ends of a pipe: the meta page that lives
// in the first granted frame, the ioctl-equivalent request/reply
// structs exchanged with the broker, and the UDP rendezvous messages.
//
// Every struct here is wire format: field order and widths are part of
// the contract and must not be reordered. Padding fields are explicit
// rather than relying on the compiler's layout rules, mirroring how
// the FUSE wire structs in the teacher's raw package spell out Unused/
// Padding fields by hand.
package wire

// MaxAlignedPages bounds the grant-reference array embedded in the
// meta page. 128 matches the constant the original xen_shm driver
// compiles in.
const MaxAlignedPages = 128

// Peer states, one per side, stored in MetaPage.
const (
	PeerNone uint8 = iota
	PeerOpened
	PeerClosed
)

// RingControl flag bits, one word per side.
const (
	FlagOpened   uint32 = 1 << 0
	FlagClosed   uint32 = 1 << 1
	FlagWaiting  uint32 = 1 << 2
	FlagSleeping uint32 = 1 << 3
)

// RingControl is the tail of MetaPage: the SPSC ring's head/tail
// indices and per-side flag words. Only the writer ever mutates
// WritePos/WriterFlags; only the reader ever mutates ReadPos/
// ReaderFlags (spec invariant: one field group per role).
type RingControl struct {
	WriterFlags uint32
	ReaderFlags uint32
	WritePos    uint32
	ReadPos     uint32
}

// MetaPage is the first page of the shared region. Its size must not
// exceed one page; callers that embed it in a larger mmap compute the
// usable ring as the bytes following it.
type MetaPage struct {
	OffererState  uint8
	ReceiverState uint8
	PageCount     uint8
	_pad0         uint8 // align OffererEventPort to 4 bytes

	OffererEventPort uint32

	GrantRefs [MaxAlignedPages]uint32

	Ring RingControl
}

// Size is the number of bytes MetaPage occupies in the shared region,
// i.e. where the ring's payload bytes begin.
const Size = 4 + 4 + MaxAlignedPages*4 + 4*4

func init() {
	// Guard against silent layout drift: if this ever fails, the
	// hand-computed Size constant above and the struct have diverged.
	if sz := sizeofMetaPage(); sz != Size {
		panic("wire: MetaPage size mismatch")
	}
}
