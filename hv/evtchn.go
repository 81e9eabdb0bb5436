package hv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// eventChannel is the broker's half of a bound event-channel port: two
// eventfds, one per direction, so raising the channel from one side
// always wakes a blocking reader on the other without either side
// ever reading back its own signal. This is the same split vhostuser
// uses for KickFD (guest-to-device) and CallFD (device-to-guest),
// generalized to a symmetric pair here since either pipe end may be
// the offerer.
type eventChannel struct {
	port  uint32
	aToB  int // offerer raises this, receiver waits on it
	bToA  int // receiver raises this, offerer waits on it

	// ownerDomid/distantDomid record who this channel was created for,
	// so a later CmdBindEvtchn from the receiver can be authorized the
	// same way mapGrantRef authorizes a frame mapping.
	ownerDomid   Domid
	distantDomid Domid

	// refs counts the two sides that must each call close before the
	// underlying eventfds are actually destroyed. Closing them as soon
	// as the offerer releases would race a receiver still blocked in
	// doWait's poll on a different connection's goroutine; refcounting
	// defers the real close until that side's own doClose runs, which
	// can only happen after its own doWait has already returned.
	refs int32
}

type eventTable struct {
	mu       sync.Mutex
	nextPort uint32
	ports    map[uint32]*eventChannel
}

func newEventTable() *eventTable {
	return &eventTable{ports: make(map[uint32]*eventChannel)}
}

func (t *eventTable) alloc(owner, distant Domid) (*eventChannel, error) {
	a, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	b, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(a)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	port := atomic.AddUint32(&t.nextPort, 1)
	ch := &eventChannel{port: port, aToB: a, bToA: b, ownerDomid: owner, distantDomid: distant, refs: 2}

	t.mu.Lock()
	t.ports[port] = ch
	t.mu.Unlock()
	return ch, nil
}

// lookup finds a channel by port; both ends of a pipe live in the same
// broker process, so binding to it is just handing out the struct
// pointer, not an fd transfer (unlike frames, which cross process
// boundaries and so do need SCM_RIGHTS).
func (t *eventTable) lookup(port uint32) (*eventChannel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.ports[port]
	return ch, ok
}

// close releases one side's hold on port's channel. The underlying
// eventfds are only actually closed once both sides have called this,
// so a side that is still blocked polling them in another goroutine is
// never handed a closed fd out from under it.
func (t *eventTable) close(port uint32) {
	t.mu.Lock()
	ch, ok := t.ports[port]
	if !ok {
		t.mu.Unlock()
		return
	}
	last := atomic.AddInt32(&ch.refs, -1) == 0
	if last {
		delete(t.ports, port)
	}
	t.mu.Unlock()
	if last {
		unix.Close(ch.aToB)
		unix.Close(ch.bToA)
	}
}

// doorbell is the process-local handle to one direction of an event
// channel: a raise fd and a wait fd, exactly the split spec §3/§4.1
// describes ("raising it wakes any handler bound on the other side").
type doorbell struct {
	raiseFd int
	waitFd  int
}

// ssig raises the channel. Never blocks, per spec §4.1.
func (d *doorbell) ssig() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(d.raiseFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// drain consumes any pending signal without blocking, returning true
// if one was pending. Used after a successful poll-driven wait.
func (d *doorbell) drain() bool {
	var buf [8]byte
	n, err := unix.Read(d.waitFd, buf[:])
	return err == nil && n == 8
}

// await blocks until the channel is raised or timeout elapses (0 =
// infinite), returning signaled=true on signal (with remaining set to
// the time left when a timeout was given, zero otherwise), or
// signaled=false on timeout. It is interruptible in the sense that the caller's context
// cancellation (stand-in for ERESTARTSYS, spec §4.1) aborts the poll.
func (d *doorbell) await(timeout time.Duration, cancel <-chan struct{}) (remaining time.Duration, signaled bool, interrupted bool) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	pollTimeoutMs := -1
	for {
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return 0, false, false
			}
			pollTimeoutMs = int(remaining / time.Millisecond)
			if pollTimeoutMs == 0 {
				pollTimeoutMs = 1
			}
		}

		fds := []unix.PollFd{{Fd: int32(d.waitFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		select {
		case <-cancel:
			return 0, false, true
		default:
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false, false
		}
		if n == 0 {
			continue // deadline loop above re-checks elapsed time
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			d.drain()
			if !deadline.IsZero() {
				remaining = time.Until(deadline)
				if remaining < 0 {
					remaining = 0
				}
			}
			return remaining, true, false
		}
	}
}
