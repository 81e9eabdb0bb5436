package hv

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PageSize is the frame size this module grants in, matching the
// spec's PAGE_SIZE assumption throughout.
const PageSize = 4096

// frame is one grant-table entry: a memfd-backed page, owned by one
// domain and authorized for mapping by exactly one other. This is
// Invariant I1's unit of ownership (spec §3): the owning domain may
// not reclaim it while mapped records a live mapping by authorizedDomid.
type frame struct {
	ref             uint32
	fd              int
	ownerDomid      Domid
	authorizedDomid Domid
	mapped          bool // true once the authorized domain has mapped it
}

// grantTable is the broker's half of the hypervisor's grant-table
// hypercalls (grant_foreign_access / end_foreign_access_ref), realized
// over memfd_create + SCM_RIGHTS the way vhostuser.deviceRegion mmaps
// a fd handed to it over the vhost-user control socket.
type grantTable struct {
	mu      sync.Mutex
	nextRef uint32
	frames  map[uint32]*frame
}

func newGrantTable() *grantTable {
	return &grantTable{frames: make(map[uint32]*frame), nextRef: 1}
}

// createLocalFrame mints one PageSize memfd-backed frame in the
// calling process, for the offerer to keep mapping itself; it is the
// client-side half of "allocate pages+1 contiguous frames" (spec
// §4.1). The offerer hands a duplicate of the returned fd to the
// broker via grantForeignAccess below so the broker can relay it to
// the receiver later without the offerer ever losing its own copy.
func createLocalFrame() (fd int, err error) {
	fd, err = unix.MemfdCreate(fmt.Sprintf("govchan-frame-%d", atomic.AddUint32(&frameNameCounter, 1)), unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, PageSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	return fd, nil
}

var frameNameCounter uint32

// grantForeignAccess registers fd (already owned by owner, received
// over the control socket) as a frame authorized for distant to map.
// The broker keeps fd open for later relay via mapGrantRef; the only
// place it writes through it is session.notifyPeerClosed.
func (g *grantTable) grantForeignAccess(fd int, owner, distant Domid) (ref uint32) {
	ref = atomic.AddUint32(&g.nextRef, 1)
	g.mu.Lock()
	g.frames[ref] = &frame{
		ref:             ref,
		fd:              fd,
		ownerDomid:      owner,
		authorizedDomid: distant,
	}
	g.mu.Unlock()
	return ref
}

// mapGrantRef authorizes requester to map ref, returning a duplicate
// fd for the broker to hand over via SCM_RIGHTS. Fails if requester is
// not the domain the frame was granted to.
func (g *grantTable) mapGrantRef(ref uint32, requester Domid) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.frames[ref]
	if !ok {
		return -1, fmt.Errorf("unknown grant ref %d", ref)
	}
	if f.authorizedDomid != requester {
		return -1, fmt.Errorf("grant ref %d not authorized for domain %d", ref, requester)
	}
	dup, err := unix.Dup(f.fd)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	f.mapped = true
	return dup, nil
}

// endForeignAccess attempts to revoke ref. It refuses (ok=false) if
// the remote still holds a mapping, per Invariant I1; the caller is
// responsible for deferring the retry.
func (g *grantTable) endForeignAccess(ref uint32) (ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, present := g.frames[ref]
	if !present {
		return true
	}
	if f.mapped {
		return false
	}
	unix.Close(f.fd)
	delete(g.frames, ref)
	return true
}

// ownerOf reports the domain a still-live grant ref was issued by, for
// callers that need to check a claimed distant domain against the
// broker's own record rather than trust the wire.
func (g *grantTable) ownerOf(ref uint32) (Domid, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.frames[ref]
	if !ok {
		return 0, false
	}
	return f.ownerDomid, true
}

// fdForRef returns the still-open fd backing ref without altering its
// mapped bookkeeping, for a caller that needs to read or write through
// the frame itself (the broker mapping the meta page to notify a peer
// whose session vanished before it could do that itself).
func (g *grantTable) fdForRef(ref uint32) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.frames[ref]
	if !ok {
		return -1, false
	}
	return f.fd, true
}

// unmapGrantRef records that the mapping domain has released its
// mapping, allowing a subsequent endForeignAccess to succeed. This is
// the receiver-side counterpart that clears I1's hold.
func (g *grantTable) unmapGrantRef(ref uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.frames[ref]; ok {
		f.mapped = false
	}
}
