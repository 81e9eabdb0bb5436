package rendezvous

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/vchan"
	"github.com/oryonlabs/govchan/wire"
)

// DefaultPages is the page count a Listener grants when a caller
// doesn't override it via ListenerConfig.
const DefaultPages uint8 = 4

// Handler receives the two pipes a completed handshake produced: send
// carries bytes from the listener to the client, recv the other way.
// It runs in its own goroutine per peer and owns closing both pipes.
type Handler func(peer *net.UDPAddr, send, recv *vchan.Pipe)

// ListenerConfig configures a Listener; the zero value needs only
// Addr, Domain, and Handler filled in.
type ListenerConfig struct {
	Addr    string
	Domain  *hv.Domain
	Handler Handler
	Pages   uint8
	Log     *logrus.Logger
}

// halfOpen is one pending handshake: the listener has sent
// SERVER_GRANT and is waiting for CLIENT_GRANT from the same
// (ip, port). Per spec.md §9's resolution of the duplicate-HELLO
// question, a second HELLO from the same peer frees this entry's pipe
// and replaces the entry rather than being rejected or queued.
type halfOpen struct {
	clientDomid hv.Domid
	recv        *vchan.Pipe
	recvRef     uint32
}

// Listener is the core of spec §4.3: a UDP socket plus a half-open
// session table keyed by peer address. Grounded on vhostuser/server.go's
// request-dispatch-by-code loop, adapted from a UNIX stream socket
// accept loop to one blocking ReadFromUDP per datagram.
type Listener struct {
	cfg   ListenerConfig
	log   *logrus.Entry
	conn  *net.UDPConn
	pages uint8

	mu    sync.Mutex
	half  map[string]*halfOpen
}

// NewListener binds cfg.Addr and returns a Listener ready for Serve.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Pages == 0 {
		cfg.Pages = DefaultPages
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listen %s: %w", cfg.Addr, err)
	}
	return &Listener{
		cfg:   cfg,
		log:   cfg.Log.WithField("component", "rendezvous.Listener"),
		conn:  conn,
		pages: cfg.Pages,
		half:  make(map[string]*halfOpen),
	}, nil
}

// Close releases the UDP socket. Pipes already handed to a Handler
// outlive it and must be closed by the handler.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve reads datagrams until the socket is closed or read fails. One
// datagram is processed at a time — spec's per-scenario tolerances
// (S6 and neighbors) are all about a single listener goroutine's
// response to one malformed or out-of-order packet, not concurrent
// datagram handling.
func (l *Listener) Serve() error {
	buf := make([]byte, wire.MaxDatagram+1)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		l.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (l *Listener) handleDatagram(addr *net.UDPAddr, buf []byte) {
	if len(buf) > wire.MaxDatagram {
		l.log.WithField("peer", addr).Warn("rendezvous: oversized datagram, dropped")
		return
	}
	hdr, ok := decodeHeader(buf)
	if !ok {
		l.log.WithField("peer", addr).Warn("rendezvous: truncated header, dropped")
		return
	}
	if hdr.Version != wire.RendezvousVersion {
		l.log.WithFields(logrus.Fields{"peer": addr, "version": hdr.Version}).Warn("rendezvous: version mismatch, dropped")
		return
	}

	body := buf[headerSize:]
	switch hdr.Message {
	case wire.MsgClientHello:
		l.onClientHello(addr, body)
	case wire.MsgClientGrant:
		l.onClientGrant(addr, body)
	case wire.MsgClientReset:
		l.onClientReset(addr)
	default:
		l.log.WithFields(logrus.Fields{"peer": addr, "message": hdr.Message}).Warn("rendezvous: unexpected message, dropped")
	}
}

func (l *Listener) onClientHello(addr *net.UDPAddr, body []byte) {
	hello, err := decodeClientHello(body)
	if err != nil {
		l.log.WithField("peer", addr).Warn(err)
		return
	}

	p := vchan.New(l.cfg.Domain, vchan.RoleReader, vchan.ReaderOffers)
	ref, localDomid, err := p.Offers(l.pages, hv.Domid(hello.Domid))
	if err != nil {
		l.log.WithError(err).WithField("peer", addr).Error("rendezvous: Offers failed for HELLO")
		return
	}

	key := addr.String()
	l.mu.Lock()
	if prev, ok := l.half[key]; ok {
		prev.recv.Free() // second HELLO from the same peer replaces the first, per spec.md §9
	}
	l.half[key] = &halfOpen{clientDomid: hv.Domid(hello.Domid), recv: p, recvRef: ref}
	l.mu.Unlock()

	grant := wire.GrantBody{GrantRef: ref, Domid: uint32(localDomid), Mode: wire.ModeReaderOffers, PageCount: l.pages}
	l.send(addr, wire.MsgServerGrant, encodeGrant(grant))
	l.log.WithFields(logrus.Fields{"peer": addr, "ref": ref}).Debug("rendezvous: HELLO answered")
}

func (l *Listener) onClientGrant(addr *net.UDPAddr, body []byte) {
	grant, err := decodeGrant(body)
	if err != nil {
		l.log.WithField("peer", addr).Warn(err)
		return
	}

	key := addr.String()
	l.mu.Lock()
	ho, ok := l.half[key]
	if ok {
		delete(l.half, key)
	}
	l.mu.Unlock()
	if !ok {
		l.send(addr, wire.MsgServerReset, nil)
		l.log.WithField("peer", addr).Warn("rendezvous: CLIENT_GRANT without a matching HELLO, reset sent")
		return
	}

	send := vchan.New(l.cfg.Domain, vchan.RoleWriter, vchan.ReaderOffers)
	if err := send.Connect(grant.PageCount, ho.clientDomid, grant.GrantRef); err != nil {
		l.log.WithError(err).WithField("peer", addr).Error("rendezvous: Connect failed for CLIENT_GRANT")
		ho.recv.Free()
		return
	}

	l.log.WithField("peer", addr).Info("rendezvous: handshake complete")
	if l.cfg.Handler != nil {
		go l.cfg.Handler(addr, send, ho.recv)
	}
}

func (l *Listener) onClientReset(addr *net.UDPAddr) {
	key := addr.String()
	l.mu.Lock()
	ho, ok := l.half[key]
	if ok {
		delete(l.half, key)
	}
	l.mu.Unlock()
	if ok {
		ho.recv.Free()
		l.log.WithField("peer", addr).Debug("rendezvous: half-open session abandoned by CLIENT_RESET")
	}
}

func (l *Listener) send(addr *net.UDPAddr, msg wire.RendezvousMessage, body []byte) {
	if _, err := l.conn.WriteToUDP(datagram(msg, body), addr); err != nil {
		l.log.WithError(err).WithField("peer", addr).Warn("rendezvous: send failed")
	}
}
