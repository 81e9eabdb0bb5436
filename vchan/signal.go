package vchan

import (
	"io"
	"sync/atomic"

	"github.com/oryonlabs/govchan/wire"
)

// parkUntil implements the three-tier adaptive wait of spec §4.2 and
// §9: spin, spin-with-WAITING, SLEEPING-and-blocked-in-the-driver.
// cond reports whether the caller can make progress; terminal is
// called once, with the ring's current state, when the peer has
// closed and cond still reports false — it decides between io.EOF
// (reader) and ErrPipeClosed (writer).
func (p *Pipe) parkUntil(cond func() bool, terminal func() error) error {
	for {
		if p.sawEPIPE {
			return ErrPipeClosed
		}
		if cond() {
			return nil
		}

		peerSnapshot := atomic.LoadUint32(p.peerFlags())
		p.setOwnFlag(wire.FlagWaiting)

		if cond() { // double-check: closes the race with a last-moment peer write
			p.clearOwnFlag(wire.FlagWaiting)
			return nil
		}
		if p.peerClosed() {
			p.clearOwnFlag(wire.FlagWaiting)
			return terminal()
		}

		switch {
		case peerSnapshot&wire.FlagSleeping != 0:
			p.clearOwnFlag(wire.FlagWaiting)
			p.conn.Ssig()
			continue
		case peerSnapshot&wire.FlagWaiting != 0:
			continue
		}

		p.clearOwnFlag(wire.FlagWaiting)
		p.setOwnFlag(wire.FlagSleeping)
		atomic.AddUint64(&p.awaitCount, 1)
		err := p.conn.Wait()
		p.clearOwnFlag(wire.FlagSleeping)

		switch err {
		case nil:
			continue
		case ErrInterrupted:
			continue // retried here; the interruption is not returned to the caller
		case ErrPipeClosed:
			p.sawEPIPE = true
			return terminal()
		default:
			return err
		}
	}
}

func (p *Pipe) readerTerminal() error {
	if p.slotsUsed() > 0 {
		return nil
	}
	return io.EOF
}

func (p *Pipe) writerTerminal() error {
	return ErrPipeClosed
}
