// Package hv is the Go-native stand-in for spec's privileged driver
// plus the hypervisor primitives it calls (grant table, event
// channels) — see SPEC_FULL.md §0. Broker fuses both roles into one
// daemon reachable over a UNIX control socket; Conn is the per-open
// client handle, i.e. the DriverInstance of spec §3.
package hv

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/oryonlabs/govchan/wire"
)

// Domid is a domain identifier, assigned by the broker's self-discovery
// path or pinned by NewDomain's preset (spec §6 "module parameter").
type Domid = uint16

// BrokerConfig configures the daemon; the zero value is almost usable
// (only SocketPath must be set).
type BrokerConfig struct {
	SocketPath string
	Log        *logrus.Logger
}

// Broker is the process that plays hypervisor (grant table, event
// channels, domain-ID allocation) and privileged driver (the ioctl
// dispatch table of spec §6) at once.
type Broker struct {
	cfg     BrokerConfig
	log     *logrus.Entry
	grants  *grantTable
	events  *eventTable
	nextDom uint32

	mu sync.Mutex
	ln *net.UnixListener
}

// NewBroker creates a Broker bound to cfg.SocketPath; call Serve to
// accept connections.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Broker{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "hv.Broker"),
		grants:  newGrantTable(),
		events:  newEventTable(),
		nextDom: 1,
	}
}

// Serve listens on cfg.SocketPath and handles connections until ctx is
// canceled or accepting a connection fails.
// Modeled on vhostuser.Server.Serve's one-request-at-a-time loop, with
// an errgroup fanning each accepted connection into its own goroutine
// (the teacher instead spawns a bare `go func(){}()` per virtqueue
// kick; this daemon needs to report the first fatal error and unwind
// cleanly on shutdown, which errgroup gives for free).
func (b *Broker) Serve(ctx context.Context) error {
	unix.Unlink(b.cfg.SocketPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: b.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.SocketPath, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				return err
			}
		}
		g.Go(func() error {
			b.handleConn(ctx, conn)
			return nil
		})
	}
}

func (b *Broker) allocDomid() Domid {
	return Domid(atomic.AddUint32(&b.nextDom, 1))
}

const hdrSize = int(unsafe.Sizeof(wire.Header{}))

// handleConn services one opened instance (one DriverInstance, spec
// §3) for its whole lifetime: it blocks in whatever command the
// client last issued (including WAIT/AWAIT) and returns once the
// client closes the socket or sends CmdClose. The deferred doClose
// covers the case oneRequest just returning an error doesn't: a client
// that crashes or is killed never sends CmdClose, so without this the
// session's grant refs and event-channel ref leak forever and its peer
// is left blocked in Wait/Await with nothing left to wake it — doClose
// is what xen_shm_release runs unconditionally on last-fd-close, for
// exactly this reason (see its doc comment in dispatch.go).
func (b *Broker) handleConn(ctx context.Context, c *net.UnixConn) {
	defer c.Close()
	sess := &session{broker: b, conn: c, log: b.log, cancel: ctx.Done()}
	defer func() {
		if !sess.closed {
			sess.doClose()
		}
	}()
	for {
		if err := sess.oneRequest(); err != nil {
			return
		}
		if sess.closed {
			return
		}
	}
}

// session holds the per-connection state a privileged driver would
// keep in its DriverInstance: which domain owns this open, and (for
// offerers) the list of frames it granted, in order, so release can
// walk it back-to-front per spec §4.1.
type session struct {
	broker *Broker
	conn   *net.UnixConn
	log    *logrus.Entry

	domid      Domid
	domidKnown bool

	role      role
	pages     uint8
	distant   Domid
	grantRefs []uint32 // offerer: refs it granted, in frame order
	metaFd    int      // receiver: fd for frame 0 (the meta page)
	mappedRefs []uint32 // receiver: refs successfully mapped (meta + data), for Close
	channel   *eventChannel
	bell      *doorbell
	closed    bool
	cancel    <-chan struct{} // broker shutdown, stands in for ERESTARTSYS
}

type role int

const (
	roleNone role = iota
	roleOfferer
	roleReceiver
)

func (s *session) oneRequest() error {
	var hdr wire.Header
	var hdrBuf [hdrSize]byte
	var oob [64]byte

	n, oobn, _, _, err := s.conn.ReadMsgUnix(hdrBuf[:], oob[:])
	if err != nil {
		return err
	}
	if n < hdrSize {
		return fmt.Errorf("short header")
	}
	decodeHeader(hdrBuf[:], &hdr)

	var fds []int
	if oobn > 0 {
		fds, _ = parseFds(oob[:oobn])
	}

	body := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if _, err := fullReadUnix(s.conn, body); err != nil {
			return err
		}
	}

	replyBody, replyFds, status := s.dispatch(hdr.Command, body, fds)
	return s.reply(hdr.Command, status, replyBody, replyFds)
}

func fullReadUnix(c *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func decodeHeader(buf []byte, hdr *wire.Header) {
	hdr.Command = wire.Command(buf[0])
	hdr.Size = binary.LittleEndian.Uint32(buf[4:8])
}

func encodeHeader(cmd wire.Command, size uint32) []byte {
	buf := make([]byte, hdrSize)
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	return buf
}

func parseFds(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, err
		}
		out = append(out, fds...)
	}
	return out, nil
}

func (s *session) reply(cmd wire.Command, status Status, body []byte, fds []int) error {
	hdr := encodeHeader(cmd, uint32(len(body)))
	statusBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(statusBuf, uint32(int32(status)))
	out := append(hdr, statusBuf...)
	out = append(out, body...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := s.conn.WriteMsgUnix(out, oob, nil)
	return err
}
