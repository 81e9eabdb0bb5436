package hv

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oryonlabs/govchan/wire"
)

// metaPageOf views an mmap'd frame as a *wire.MetaPage, the same
// unsafe-pointer technique encodeStruct/decodeStruct use for the
// control-socket wire structs, except here the backing bytes live in
// shared memory rather than a socket buffer.
func metaPageOf(b []byte) *wire.MetaPage {
	return (*wire.MetaPage)(unsafe.Pointer(&b[0]))
}

// Domain is a process's handle to its own domain ID and the broker's
// control socket, standing in for the combination of "this host's Xen
// domid" and "the /dev/xen_shm node" spec §3 assumes. A process opens
// one Domain and derives as many Conns from it as it has pipes.
type Domain struct {
	sockPath string

	mu    sync.Mutex
	domid Domid
	known bool
}

// NewDomain creates a handle bound to sockPath. preset, if nonzero,
// pins the domain ID instead of letting the broker assign one — the
// module-parameter escape hatch spec §6 describes for the kernel
// driver's self-discovery.
func NewDomain(sockPath string, preset Domid) *Domain {
	return &Domain{sockPath: sockPath, domid: preset, known: preset != 0}
}

// Domid returns this process's domain ID, discovering and caching it
// on first use.
func (d *Domain) Domid() (Domid, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known {
		return d.domid, nil
	}
	c, err := dialBroker(d.sockPath)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	id, err := rpcGetDomid(c, d.domid)
	if err != nil {
		return 0, err
	}
	d.domid, d.known = id, true
	return id, nil
}

// Open starts a new instance against the broker, the counterpart of
// opening the character device node (spec §3/§4.1). Every subsequent
// open sweeps the process-wide deferred-teardown list, per spec.
func (d *Domain) Open() (*Conn, error) {
	Sweep()
	id, err := d.Domid()
	if err != nil {
		return nil, err
	}
	c, err := dialBroker(d.sockPath)
	if err != nil {
		return nil, err
	}
	if _, err := rpcGetDomid(c, id); err != nil {
		c.Close()
		return nil, err
	}
	return &Conn{sockPath: d.sockPath, domid: id, c: c}, nil
}

// Conn is one open instance, spec §3's DriverInstance: it is either an
// offerer or a receiver for exactly one pipe, never both, and never
// changes role once set (Invariant I2).
type Conn struct {
	sockPath string
	domid    Domid
	c        *net.UnixConn

	mu      sync.Mutex
	role    role
	pages   uint8
	distant Domid

	grantRefs []uint32 // offerer only, frame order

	metaBytes []byte
	dataPages [][]byte
}

// InitOfferer implements spec §4.1 INIT_OFFERER: allocate pages+1
// frames locally, grant them to distant, and return the meta page's
// grant ref for out-of-band exchange (the rendezvous protocol carries
// it in practice). The offerer's own process creates and keeps mapping
// the frames itself; the broker only relays fds to the receiver.
func (c *Conn) InitOfferer(pages uint8, distant Domid) (grantRef uint32, localDomid Domid, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != roleNone {
		return 0, 0, ENOTTY
	}
	if pages == 0 || int(pages)+1 > wire.MaxAlignedPages {
		return 0, 0, EINVAL
	}

	fds := make([]int, pages+1)
	for i := range fds {
		fd, err := createLocalFrame()
		if err != nil {
			for _, f := range fds[:i] {
				unix.Close(f)
			}
			return 0, 0, err
		}
		fds[i] = fd
	}

	// The broker holds its own dup'd-on-receipt copies once rpcCall has
	// sent them; ours are closed on return, after mmapLocalFrames below
	// has mapped them (a mapping outlives its fd).
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()

	body, _, status, err := rpcCall(c.c, wire.CmdInitOfferer,
		encodeStruct(wire.InitOffererIn{Pages: pages, DistantDomid: uint16(distant)}), fds)
	if err != nil {
		return 0, 0, err
	}
	if !status.Ok() {
		return 0, 0, status.AsError()
	}
	out, err := decodeStruct[wire.InitOffererOut](body)
	if err != nil {
		return 0, 0, err
	}

	refs := append([]uint32(nil), out.GrantRefs[:pages+1]...)
	metaBytes, dataPages, err := mmapLocalFrames(fds[0], fds[1:])
	if err != nil {
		return 0, 0, err
	}

	meta := metaPageOf(metaBytes)
	meta.PageCount = pages + 1
	meta.OffererEventPort = out.Port
	meta.OffererState = wire.PeerOpened
	meta.ReceiverState = wire.PeerNone
	copy(meta.GrantRefs[:], refs)

	c.role = roleOfferer
	c.pages = pages
	c.distant = distant
	c.grantRefs = refs
	c.metaBytes = metaBytes
	c.dataPages = dataPages
	return refs[0], out.LocalDomid, nil
}

// InitReceiver implements spec §4.1 INIT_RECEIVER: map the meta frame
// the offerer granted, validate its page count, pull the remaining
// data frames, and bind the event channel recorded in the meta page.
func (c *Conn) InitReceiver(pages uint8, distant Domid, grantRef uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != roleNone {
		return ENOTTY
	}

	body, fds, status, err := rpcCall(c.c, wire.CmdInitReceiver,
		encodeStruct(wire.InitReceiverIn{Pages: pages, DistantDomid: uint16(distant), GrantRef: grantRef}), nil)
	_ = body
	if err != nil {
		return err
	}
	if !status.Ok() {
		return status.AsError()
	}
	if len(fds) != 1 {
		return EFAULT
	}
	metaBytes, err := mmapOneFrame(fds[0])
	if err != nil {
		return err
	}

	meta := metaPageOf(metaBytes)
	if meta.PageCount != pages+1 {
		unix.Munmap(metaBytes)
		return EINVAL
	}
	dataRefs := append([]uint32(nil), meta.GrantRefs[1:pages+1]...)
	port := meta.OffererEventPort

	mfIn := wire.MapFramesIn{Count: pages}
	copy(mfIn.Refs[:], dataRefs)
	_, dataFds, status, err := rpcCall(c.c, wire.CmdMapFrames, encodeStruct(mfIn), nil)
	if err != nil {
		unix.Munmap(metaBytes)
		return err
	}
	if !status.Ok() {
		unix.Munmap(metaBytes)
		return status.AsError()
	}
	dataPages := make([][]byte, len(dataFds))
	for i, fd := range dataFds {
		b, err := mmapOneFrame(fd)
		if err != nil {
			for _, p := range dataPages[:i] {
				unix.Munmap(p)
			}
			unix.Munmap(metaBytes)
			return err
		}
		dataPages[i] = b
	}

	_, _, status, err = rpcCall(c.c, wire.CmdBindEvtchn, encodeStruct(wire.BindEvtchnIn{Port: port}), nil)
	if err == nil && !status.Ok() {
		err = status.AsError()
	}
	if err != nil {
		for _, p := range dataPages {
			unix.Munmap(p)
		}
		unix.Munmap(metaBytes)
		return err
	}

	meta.ReceiverState = wire.PeerOpened

	c.role = roleReceiver
	c.pages = pages
	c.distant = distant
	c.metaBytes = metaBytes
	c.dataPages = dataPages

	// "I am here": the offerer's first WAIT/AWAIT completes on this,
	// per spec §4.1's INIT_RECEIVER contract.
	rpcCall(c.c, wire.CmdSsig, nil, nil)
	return nil
}

// Mmap returns the caller's view of the shared region: the control
// block, plus the ring's byte range as a list of pages in address
// order. Per spec's Invariant I4 the ring starts right after the meta
// struct within frame 0 (not at the next page boundary), so ringPages
// [0] is that frame's leftover tail and ringPages[1:] are the full
// data frames that follow it. vchan/ring.go addresses this as one
// logical byte range spanning page boundaries, since Go's mmap wrapper
// exposes no MAP_FIXED composition to lay separate memfds out
// contiguously the way a single VMA would.
func (c *Conn) Mmap() (meta *wire.MetaPage, ringPages [][]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == roleNone {
		return nil, nil, ENOTTY
	}
	pages := make([][]byte, 0, len(c.dataPages)+1)
	pages = append(pages, c.metaBytes[wire.Size:])
	pages = append(pages, c.dataPages...)
	return metaPageOf(c.metaBytes), pages, nil
}

// Wait blocks until the peer raises the event channel. It never
// inspects peer state in the meta page; that interpretation (EPIPE on
// a peer that has already closed) belongs to package vchan.
func (c *Conn) Wait() error {
	_, _, status, err := rpcCall(c.c, wire.CmdWait, nil, nil)
	if err != nil {
		return err
	}
	return status.AsError()
}

// Await is Wait with a timeout; remaining is the time left when it
// returns, zero if it timed out.
func (c *Conn) Await(timeout time.Duration) (remaining time.Duration, err error) {
	body, _, status, err := rpcCall(c.c, wire.CmdAwait,
		encodeStruct(wire.AwaitIn{TimeoutMs: uint64(timeout / time.Millisecond)}), nil)
	if err != nil {
		return 0, err
	}
	if !status.Ok() {
		return 0, status.AsError()
	}
	out, err := decodeStruct[wire.AwaitOut](body)
	if err != nil {
		return 0, err
	}
	return time.Duration(out.RemainingMs) * time.Millisecond, nil
}

// Ssig raises the event channel, waking a peer blocked in Wait/Await.
func (c *Conn) Ssig() error {
	_, _, status, err := rpcCall(c.c, wire.CmdSsig, nil, nil)
	if err != nil {
		return err
	}
	return status.AsError()
}

// GetDomid returns the domain ID this Conn authenticated as.
func (c *Conn) GetDomid() Domid {
	return c.domid
}

// Close implements release() (spec §4.1): infallible from the
// caller's point of view. An offerer walks its grant refs back to
// front; whatever the broker refuses because the receiver is still
// mapped goes on the process-wide deferred-teardown list instead of
// failing the call.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.role {
	case roleOfferer:
		var pending []uint32
		for i := len(c.grantRefs) - 1; i >= 0; i-- {
			ref := c.grantRefs[i]
			if len(pending) > 0 {
				pending = append(pending, ref)
				continue
			}
			ok, err := rpcEndForeignAccess(c.c, ref)
			if err != nil || !ok {
				pending = append(pending, ref)
			}
		}
		if len(pending) > 0 {
			deferClose(c.sockPath, c.domid, pending)
		}
		for _, p := range c.dataPages {
			unix.Munmap(p)
		}
		unix.Munmap(c.metaBytes)
	case roleReceiver:
		for _, p := range c.dataPages {
			unix.Munmap(p)
		}
		unix.Munmap(c.metaBytes)
	}

	rpcCall(c.c, wire.CmdClose, nil, nil)
	err := c.c.Close()
	c.role = roleNone
	Sweep()
	return err
}

// Abandon drops the control connection without running any of Close's
// release steps: the stand-in for a process that crashes or is killed
// mid-pipe rather than calling Close. hv.Broker.handleConn's deferred
// doClose is what recovers from this on the broker side; Abandon exists
// so tests can exercise that path deliberately.
func (c *Conn) Abandon() error {
	return c.c.Close()
}

func mmapLocalFrames(metaFd int, dataFds []int) (metaBytes []byte, dataPages [][]byte, err error) {
	metaBytes, err = mmapOneFrame(metaFd)
	if err != nil {
		return nil, nil, err
	}
	dataPages = make([][]byte, len(dataFds))
	for i, fd := range dataFds {
		b, err := mmapOneFrame(fd)
		if err != nil {
			for _, p := range dataPages[:i] {
				unix.Munmap(p)
			}
			unix.Munmap(metaBytes)
			return nil, nil, err
		}
		dataPages[i] = b
	}
	return metaBytes, dataPages, nil
}

func mmapOneFrame(fd int) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return b, nil
}
