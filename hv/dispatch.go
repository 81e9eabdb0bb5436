package hv

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oryonlabs/govchan/wire"
)

// encodeStruct/decodeStruct view a fixed-layout wire struct as raw
// bytes, the same unsafe-pointer trick the teacher's raw package uses
// for its fuse_in_header/fuse_out_header wire structs. Every struct
// these are called with is declared in package wire with explicit
// padding, so there is no hidden compiler-inserted gap to worry about.
func encodeStruct[T any](v T) []byte {
	sz := int(unsafe.Sizeof(v))
	out := make([]byte, sz)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&v)), sz))
	return out
}

func decodeStruct[T any](buf []byte) (T, error) {
	var v T
	sz := int(unsafe.Sizeof(v))
	if len(buf) < sz {
		return v, fmt.Errorf("short body: want %d got %d", sz, len(buf))
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), sz), buf)
	return v, nil
}

// dispatch is the ioctl table of spec §6, realized as a switch over
// the command byte instead of a kernel file_operations.unlocked_ioctl.
// It owns all the state-machine and invariant checks the original
// driver performs before touching the grant table or an event channel.
func (s *session) dispatch(cmd wire.Command, body []byte, fds []int) (replyBody []byte, replyFds []int, status Status) {
	switch cmd {
	case wire.CmdGetDomid:
		return s.doGetDomid(body)
	case wire.CmdInitOfferer:
		return s.doInitOfferer(body, fds)
	case wire.CmdInitReceiver:
		return s.doInitReceiver(body)
	case wire.CmdMapFrames:
		return s.doMapFrames(body)
	case wire.CmdBindEvtchn:
		return s.doBindEvtchn(body)
	case wire.CmdWait:
		return s.doWait()
	case wire.CmdAwait:
		return s.doAwait(body)
	case wire.CmdSsig:
		return s.doSsig()
	case wire.CmdEndForeignAccess:
		return s.doEndForeignAccess(body)
	case wire.CmdClose:
		return s.doClose()
	default:
		return nil, nil, ENOTTY
	}
}

func (s *session) doGetDomid(body []byte) ([]byte, []int, Status) {
	in, err := decodeStruct[wire.GetDomidIn](body)
	if err != nil {
		return nil, nil, EINVAL
	}
	if s.domidKnown {
		if in.Requested != 0 && in.Requested != s.domid {
			return nil, nil, EINVAL
		}
	} else if in.Requested != 0 {
		s.domid = in.Requested
		s.domidKnown = true
	} else {
		s.domid = s.broker.allocDomid()
		s.domidKnown = true
	}
	return encodeStruct(wire.GetDomidOut{LocalDomid: s.domid}), nil, OK
}

// doInitOfferer is the broker's half of spec §4.1 INIT_OFFERER: the
// offerer has already memfd_create'd pages+1 frames itself (see
// hv/grant.go's createLocalFrame) and hands their fds over here purely
// so the broker can register and later relay them; the broker never
// maps frame 0 to initialize the meta page itself; that happens in the
// client library, which is the process that actually has it mapped.
func (s *session) doInitOfferer(body []byte, fds []int) ([]byte, []int, Status) {
	if !s.domidKnown || s.role != roleNone {
		closeAll(fds)
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.InitOffererIn](body)
	if err != nil {
		closeAll(fds)
		return nil, nil, EINVAL
	}
	want := int(in.Pages) + 1
	if in.Pages == 0 || want > wire.MaxAlignedPages || len(fds) != want {
		closeAll(fds)
		return nil, nil, EINVAL
	}

	distant := Domid(in.DistantDomid)
	refs := make([]uint32, want)
	for i, fd := range fds {
		refs[i] = s.broker.grants.grantForeignAccess(fd, s.domid, distant)
	}

	ch, err := s.broker.events.alloc(s.domid, distant)
	if err != nil {
		for _, r := range refs {
			s.broker.grants.endForeignAccess(r)
		}
		return nil, nil, ENOMEM
	}

	s.role = roleOfferer
	s.pages = in.Pages
	s.distant = distant
	s.grantRefs = refs
	s.channel = ch
	s.bell = &doorbell{raiseFd: ch.aToB, waitFd: ch.bToA}

	out := wire.InitOffererOut{
		GrantRef:   refs[0],
		Port:       ch.port,
		LocalDomid: s.domid,
		PageCount:  in.Pages,
	}
	copy(out.GrantRefs[:], refs)
	return encodeStruct(out), nil, OK
}

func (s *session) doInitReceiver(body []byte) ([]byte, []int, Status) {
	if !s.domidKnown || s.role != roleNone {
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.InitReceiverIn](body)
	if err != nil {
		return nil, nil, EINVAL
	}
	owner, ok := s.broker.grants.ownerOf(in.GrantRef)
	if !ok || owner != Domid(in.DistantDomid) {
		return nil, nil, EINVAL
	}
	fd, err := s.broker.grants.mapGrantRef(in.GrantRef, s.domid)
	if err != nil {
		return nil, nil, EINVAL
	}

	s.role = roleReceiver
	s.pages = in.Pages
	s.distant = Domid(in.DistantDomid)
	s.metaFd = fd
	s.mappedRefs = []uint32{in.GrantRef}
	return nil, []int{fd}, OK
}

// doMapFrames is spec §4.2's mmap(): the receiver has already read the
// remaining grant refs out of the meta page it mapped from
// doInitReceiver's fd, and asks the broker to turn them into fds in
// one batch so a partial failure can be unwound per spec ("unmaps all
// successes and returns EFAULT").
func (s *session) doMapFrames(body []byte) ([]byte, []int, Status) {
	if s.role != roleReceiver {
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.MapFramesIn](body)
	if err != nil || int(in.Count) != int(s.pages) {
		return nil, nil, EINVAL
	}

	fds := make([]int, 0, in.Count)
	okRefs := make([]uint32, 0, in.Count)
	for i := 0; i < int(in.Count); i++ {
		ref := in.Refs[i]
		owner, ok := s.broker.grants.ownerOf(ref)
		if !ok || owner != s.distant {
			s.unwindMapped(fds, okRefs)
			return nil, nil, EFAULT
		}
		fd, err := s.broker.grants.mapGrantRef(ref, s.domid)
		if err != nil {
			s.unwindMapped(fds, okRefs)
			return nil, nil, EFAULT
		}
		fds = append(fds, fd)
		okRefs = append(okRefs, ref)
	}

	s.mappedRefs = append(s.mappedRefs, okRefs...)
	return nil, fds, OK
}

func (s *session) unwindMapped(fds []int, refs []uint32) {
	for _, fd := range fds {
		unix.Close(fd)
	}
	for _, r := range refs {
		s.broker.grants.unmapGrantRef(r)
	}
}

func (s *session) doBindEvtchn(body []byte) ([]byte, []int, Status) {
	if s.role != roleReceiver {
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.BindEvtchnIn](body)
	if err != nil {
		return nil, nil, EINVAL
	}
	ch, ok := s.broker.events.lookup(in.Port)
	if !ok || ch.distantDomid != s.domid {
		return nil, nil, EINVAL
	}
	s.channel = ch
	s.bell = &doorbell{raiseFd: ch.bToA, waitFd: ch.aToB}
	return nil, nil, OK
}

func (s *session) doWait() ([]byte, []int, Status) {
	if s.bell == nil {
		return nil, nil, ENOTTY
	}
	_, _, interrupted := s.bell.await(0, s.cancel)
	if interrupted {
		return nil, nil, ERESTARTSYS
	}
	return nil, nil, OK
}

func (s *session) doAwait(body []byte) ([]byte, []int, Status) {
	if s.bell == nil {
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.AwaitIn](body)
	if err != nil {
		return nil, nil, EINVAL
	}
	remaining, _, interrupted := s.bell.await(time.Duration(in.TimeoutMs)*time.Millisecond, s.cancel)
	if interrupted {
		return nil, nil, ERESTARTSYS
	}
	out := wire.AwaitOut{RemainingMs: uint64(remaining / time.Millisecond)}
	return encodeStruct(out), nil, OK
}

func (s *session) doSsig() ([]byte, []int, Status) {
	if s.bell == nil {
		return nil, nil, ENOTTY
	}
	if err := s.bell.ssig(); err != nil {
		return nil, nil, EFAULT
	}
	return nil, nil, OK
}

// doEndForeignAccess is the standalone retry CmdClose's offerer path
// leans on once it can no longer make progress inline: any connection
// that has asserted the owning domid may ask the broker to try again,
// which is exactly what the client-side deferred-teardown list (see
// hv/teardown.go) does on every subsequent open and close.
func (s *session) doEndForeignAccess(body []byte) ([]byte, []int, Status) {
	if !s.domidKnown {
		return nil, nil, ENOTTY
	}
	in, err := decodeStruct[wire.EndForeignAccessIn](body)
	if err != nil {
		return nil, nil, EINVAL
	}
	owner, ok := s.broker.grants.ownerOf(in.Ref)
	if !ok {
		return nil, nil, OK // already gone; idempotent
	}
	if owner != s.domid {
		return nil, nil, EINVAL
	}
	if s.broker.grants.endForeignAccess(in.Ref) {
		return nil, nil, OK
	}
	return nil, nil, EBUSY
}

// metaRef returns the grant ref for frame 0 (the meta page) as this
// session sees it, whichever side of the grant it is on: an offerer's
// own grantRefs[0], or the ref a receiver mapped first in doInitReceiver.
func (s *session) metaRef() (uint32, bool) {
	switch s.role {
	case roleOfferer:
		if len(s.grantRefs) > 0 {
			return s.grantRefs[0], true
		}
	case roleReceiver:
		if len(s.mappedRefs) > 0 {
			return s.mappedRefs[0], true
		}
	}
	return 0, false
}

// notifyPeerClosed is this session's half of xen_shm_release's
// unconditional peer-notify (original_source/xen_shm.c's
// xen_shm_release): it marks this side's state CLOSED in the meta page
// and raises the doorbell, regardless of whether this session got to
// run its own graceful close first. The broker never keeps its own
// mapping of a frame — grantForeignAccess just holds the fd for later
// relay — so this mmaps it itself just long enough to write one byte
// and unmaps again.
func (s *session) notifyPeerClosed() {
	if ref, ok := s.metaRef(); ok {
		if fd, ok := s.broker.grants.fdForRef(ref); ok {
			if b, err := unix.Mmap(fd, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err == nil {
				meta := metaPageOf(b)
				if s.role == roleOfferer {
					meta.OffererState = wire.PeerClosed
				} else {
					meta.ReceiverState = wire.PeerClosed
				}
				unix.Munmap(b)
			}
		}
	}
	if s.bell != nil {
		s.bell.ssig()
	}
}

// doClose implements release() (spec §4.1). It runs both for an
// explicit CmdClose and for a connection that simply vanished (see
// hv/broker.go's handleConn), so it is the only place that can be
// trusted to notify the peer and release broker-held resources when a
// client crashes mid-pipe. notifyPeerClosed runs first so the peer
// observes the closed state as soon as the doorbell wakes it. Frame
// teardown for an offerer's own grants is attempted here too (a crashed
// offerer never gets to run its client-side deferred-teardown retries);
// a ref still mapped by the receiver is simply left in the grant table,
// same as a refused EndForeignAccess would leave it. release is
// infallible from the caller's point of view, exactly as spec requires.
// Both sides release their hold on the event channel here; eventTable.close
// only destroys the underlying eventfds once both have (see its doc
// comment) so the other side is never handed a closed fd while still
// polling it.
func (s *session) doClose() ([]byte, []int, Status) {
	s.notifyPeerClosed()
	if s.channel != nil {
		s.broker.events.close(s.channel.port)
	}
	switch s.role {
	case roleOfferer:
		for i := len(s.grantRefs) - 1; i >= 0; i-- {
			s.broker.grants.endForeignAccess(s.grantRefs[i])
		}
	case roleReceiver:
		for i := len(s.mappedRefs) - 1; i >= 0; i-- {
			s.broker.grants.unmapGrantRef(s.mappedRefs[i])
		}
	}
	s.closed = true
	return nil, nil, OK
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
