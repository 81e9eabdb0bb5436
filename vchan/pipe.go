// Package vchan is the L2 pipe library of spec §4.2: it drives an
// hv.Conn through the init→offer/connect→open→closed state machine,
// interprets the mapped region's first bytes as wire.MetaPage, and
// implements the SPSC ring with adaptive spin/sleep signalling.
package vchan

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/wire"
)

// Role is which end of the byte stream this Pipe is: the direction of
// data flow, independent of which side offered the frames (see
// Convention).
type Role int

const (
	RoleReader Role = iota + 1
	RoleWriter
)

// Convention mirrors spec §3's PipeHandle.convention: it must agree
// between the two ends, and decides which of them calls Offers versus
// Connect (see shouldOffer); convention.go holds its display string.
type Convention int

const (
	WriterOffers Convention = iota + 1
	ReaderOffers
)

// firstChunk is the size of the first bulk-transfer chunk, kept small
// to minimize start-up latency (spec §4.2).
const firstChunk = 128

// Pipe is spec §3's PipeHandle: one end of one unidirectional stream,
// exclusively owned by the process that created it.
type Pipe struct {
	role       Role
	convention Convention
	domain     *hv.Domain
	conn       *hv.Conn

	meta *wire.MetaPage
	ring *ring

	granularity uint32
	sawEPIPE    bool
	wroteOnce   bool // clamps only the very first Write to firstChunk bytes
	awaitCount  uint64
}

// AwaitCount returns how many times this pipe's end has parked in
// AWAIT, the adaptive-sleep counter cmd/vchan-bench reports alongside
// throughput (spec §8's S3 "at least one AWAIT was issued" check).
func (p *Pipe) AwaitCount() uint64 { return atomic.LoadUint64(&p.awaitCount) }

// New creates a Pipe bound to domain, not yet attached to any peer.
func New(domain *hv.Domain, role Role, convention Convention) *Pipe {
	return &Pipe{domain: domain, role: role, convention: convention}
}

func (p *Pipe) shouldOffer() bool {
	switch p.convention {
	case WriterOffers:
		return p.role == RoleWriter
	case ReaderOffers:
		return p.role == RoleReader
	default:
		return false
	}
}

// Offers allocates and exports pages+1 frames to distant, the
// grant-exporting half of spec §3's "offers" transition. The caller is
// responsible for getting the returned grant ref to the peer (normally
// via the rendezvous protocol, package rendezvous).
func (p *Pipe) Offers(pages uint8, distant hv.Domid) (grantRef uint32, localDomid hv.Domid, err error) {
	if !p.shouldOffer() {
		return 0, 0, fmt.Errorf("vchan: Offers called on the connecting side of a %v pipe", p.convention)
	}
	conn, err := p.domain.Open()
	if err != nil {
		return 0, 0, err
	}
	ref, dom, err := conn.InitOfferer(pages, distant)
	if err != nil {
		conn.Close()
		return 0, 0, err
	}
	if err := p.attach(conn); err != nil {
		conn.Close()
		return 0, 0, err
	}
	return ref, dom, nil
}

// Connect imports the frames distant exported via Offers, the
// grant-importing half of spec §3's "connect" transition.
func (p *Pipe) Connect(pages uint8, distant hv.Domid, grantRef uint32) error {
	if p.shouldOffer() {
		return fmt.Errorf("vchan: Connect called on the offering side of a %v pipe", p.convention)
	}
	conn, err := p.domain.Open()
	if err != nil {
		return err
	}
	if err := conn.InitReceiver(pages, distant, grantRef); err != nil {
		conn.Close()
		return err
	}
	return p.attach(conn)
}

func (p *Pipe) attach(conn *hv.Conn) error {
	meta, pages, err := conn.Mmap()
	if err != nil {
		return err
	}
	p.conn = conn
	p.meta = meta
	p.ring = newRing(pages)
	p.granularity = p.ring.cap / 4
	return nil
}

// isOfferer reports whether this end allocated the frames (as opposed
// to having mapped a peer's grant), the thing spec's MetaPage.OffererState
// vs ReceiverState distinguishes.
func (p *Pipe) isOfferer() bool { return p.shouldOffer() }

// ownFlags/peerFlags resolve per Invariant I3: the writer owns
// writer_flags/write_pos, the reader owns reader_flags/read_pos.
func (p *Pipe) ownFlags() *uint32 {
	if p.role == RoleWriter {
		return &p.meta.Ring.WriterFlags
	}
	return &p.meta.Ring.ReaderFlags
}

func (p *Pipe) peerFlags() *uint32 {
	if p.role == RoleWriter {
		return &p.meta.Ring.ReaderFlags
	}
	return &p.meta.Ring.WriterFlags
}

func (p *Pipe) ownPos() *uint32 {
	if p.role == RoleWriter {
		return &p.meta.Ring.WritePos
	}
	return &p.meta.Ring.ReadPos
}

func (p *Pipe) peerPos() *uint32 {
	if p.role == RoleWriter {
		return &p.meta.Ring.ReadPos
	}
	return &p.meta.Ring.WritePos
}

func (p *Pipe) setOwnFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(p.ownFlags())
		if atomic.CompareAndSwapUint32(p.ownFlags(), old, old|bit) {
			return
		}
	}
}

func (p *Pipe) clearOwnFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(p.ownFlags())
		if atomic.CompareAndSwapUint32(p.ownFlags(), old, old&^bit) {
			return
		}
	}
}

// peerClosed checks both the per-role RingControl flag Free sets on a
// graceful close and MetaPage.OffererState/ReceiverState, which
// hv.Broker's crash-disconnect path (hv/dispatch.go's notifyPeerClosed)
// sets instead: the broker only knows which side of the *grant* a
// vanished session was on (offerer or receiver), not which side of the
// *stream* (reader or writer) the vchan layer built on top of it, so it
// cannot set the right one of WriterFlags/ReaderFlags itself. Checking
// both here means a peer's process dying mid-pipe is detected the same
// way a peer's graceful Free is.
func (p *Pipe) peerClosed() bool {
	if atomic.LoadUint32(p.peerFlags())&wire.FlagClosed != 0 {
		return true
	}
	if p.isOfferer() {
		return p.meta.ReceiverState == wire.PeerClosed
	}
	return p.meta.OffererState == wire.PeerClosed
}

// slotsFree/slotsUsed implement spec §4.2's formulas directly;
// Invariant I4 keeps one slot always empty so the two positions alone
// disambiguate empty from full.
func (p *Pipe) slotsFree() uint32 {
	w := atomic.LoadUint32(p.writePos())
	r := atomic.LoadUint32(p.readPos())
	return mod(r-w-1, p.ring.cap)
}

func (p *Pipe) slotsUsed() uint32 {
	w := atomic.LoadUint32(p.writePos())
	r := atomic.LoadUint32(p.readPos())
	return mod(w-r, p.ring.cap)
}

func (p *Pipe) writePos() *uint32 {
	if p.role == RoleWriter {
		return p.ownPos()
	}
	return p.peerPos()
}

func (p *Pipe) readPos() *uint32 {
	if p.role == RoleReader {
		return p.ownPos()
	}
	return p.peerPos()
}

func mod(x, m uint32) uint32 { return x % m }

// Write implements spec §4.2's single-chunk write(): it blocks (via
// the adaptive protocol) until at least one byte of buf can be copied,
// copies as much as the wrap boundary and the granularity budget
// allow, publishes the new write_pos with a release store, and returns
// the count actually written. WriteAll loops this to completion.
func (p *Pipe) Write(buf []byte) (int, error) {
	if p.role != RoleWriter {
		return 0, ErrWrongState
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if err := p.parkUntil(func() bool { return p.slotsFree() > 0 }, p.writerTerminal); err != nil {
		return 0, err
	}

	want := uint32(len(buf))
	max := p.granularity
	if !p.wroteOnce {
		max = firstChunk
	}
	if want > max {
		want = max
	}
	if free := p.slotsFree(); want > free {
		want = free
	}
	pos := atomic.LoadUint32(p.ownPos())
	if wrap := p.ring.distanceToWrap(pos); want > wrap {
		want = wrap
	}

	p.ring.copyFrom(pos, buf[:want])
	newPos := (pos + want) % p.ring.cap
	atomic.StoreUint32(p.ownPos(), newPos) // release: publishes the bytes just copied
	p.wroteOnce = true

	if atomic.LoadUint32(p.peerFlags())&wire.FlagSleeping != 0 {
		p.conn.Ssig()
	}
	return int(want), nil
}

// Read is Write's mirror: it blocks until at least one byte is
// available, copies up to the wrap boundary and granularity budget,
// and publishes read_pos. It returns io.EOF once the writer has
// closed and the ring has been fully drained.
func (p *Pipe) Read(buf []byte) (int, error) {
	if p.role != RoleReader {
		return 0, ErrWrongState
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if err := p.parkUntil(func() bool { return p.slotsUsed() > 0 }, p.readerTerminal); err != nil {
		return 0, err
	}

	want := uint32(len(buf))
	if max := p.granularity; want > max {
		want = max
	}
	if used := p.slotsUsed(); want > used {
		want = used
	}
	pos := atomic.LoadUint32(p.ownPos())
	if wrap := p.ring.distanceToWrap(pos); want > wrap {
		want = wrap
	}

	p.ring.copyTo(buf[:want], pos)
	newPos := (pos + want) % p.ring.cap
	atomic.StoreUint32(p.ownPos(), newPos) // release: publishes that we consumed up to here

	if atomic.LoadUint32(p.peerFlags())&wire.FlagSleeping != 0 {
		p.conn.Ssig()
	}
	return int(want), nil
}

// WriteAll loops Write until buf is fully sent or an error occurs.
func (p *Pipe) WriteAll(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := p.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadAll loops Read until buf is full, EOF, or an error occurs,
// mirroring io.ReadFull's contract over this pipe.
func (p *Pipe) ReadAll(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := p.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF && total > 0 {
				return total, io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

// Ssig raises the doorbell without touching the ring: the
// signalling-only path test/notifyer.c exercises, folded into
// cmd/vchan-bench's --notify-only mode to test the signalling layer in
// isolation from ring traffic.
func (p *Pipe) Ssig() error { return p.conn.Ssig() }

// WaitForPeer blocks until the peer has connected (InitReceiver's
// trailing CmdSsig, spec §4.1's INIT_RECEIVER contract) or timeout
// elapses. An offerer normally calls this once, right after Offers,
// before its first Write/Read.
func (p *Pipe) WaitForPeer(timeout time.Duration) error {
	_, err := p.conn.Await(timeout)
	return err
}

// Free implements release() (spec §4.1/§4.2): sets the local CLOSED
// bit, raises the channel once to wake a peer parked in Wait/Await,
// unmaps, and releases the device instance. It is infallible from the
// caller's perspective, per spec §7.
func (p *Pipe) Free() error {
	if p.conn == nil {
		return nil
	}
	if p.isOfferer() {
		p.meta.OffererState = wire.PeerClosed
	} else {
		p.meta.ReceiverState = wire.PeerClosed
	}
	p.setOwnFlag(wire.FlagClosed)
	p.conn.Ssig()
	err := p.conn.Close()
	p.conn = nil // the meta page is unmapped now; a second Free is a no-op
	return err
}
