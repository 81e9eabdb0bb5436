package rendezvous

import (
	"fmt"
	"net"
	"time"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/vchan"
	"github.com/oryonlabs/govchan/wire"
)

// ClientConfig configures Dial; the zero value needs ServerAddr and
// Domain filled in (Pages defaults to DefaultPages, Timeout to 5s).
type ClientConfig struct {
	ServerAddr string
	Domain     *hv.Domain
	Pages      uint8
	Timeout    time.Duration
}

// Dial runs the client half of spec §4.3's handshake against a
// rendezvous.Listener: CLIENT_HELLO, wait for SERVER_GRANT, then
// CLIENT_GRANT. It returns two pipes, send (this process writes,
// the listener reads) and recv (the listener writes, this process
// reads), mirroring what Listener.Handler receives on the other end.
func Dial(cfg ClientConfig) (send, recv *vchan.Pipe, err error) {
	if cfg.Pages == 0 {
		cfg.Pages = DefaultPages
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("rendezvous: resolve %s: %w", cfg.ServerAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("rendezvous: dial %s: %w", cfg.ServerAddr, err)
	}
	defer conn.Close()

	localDomid, err := cfg.Domain.Domid()
	if err != nil {
		return nil, nil, err
	}

	conn.SetDeadline(time.Now().Add(cfg.Timeout))
	if _, err := conn.Write(datagram(wire.MsgClientHello, encodeClientHello(wire.ClientHelloBody{Domid: uint32(localDomid)}))); err != nil {
		return nil, nil, fmt.Errorf("rendezvous: send HELLO: %w", err)
	}

	buf := make([]byte, wire.MaxDatagram+1)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("rendezvous: waiting for SERVER_GRANT: %w", err)
	}
	if n > wire.MaxDatagram {
		return nil, nil, fmt.Errorf("rendezvous: oversized SERVER_GRANT datagram")
	}
	hdr, ok := decodeHeader(buf[:n])
	if !ok {
		return nil, nil, fmt.Errorf("rendezvous: truncated SERVER_GRANT header")
	}
	if hdr.Version != wire.RendezvousVersion {
		return nil, nil, fmt.Errorf("rendezvous: server speaks version %d", hdr.Version)
	}
	if hdr.Message == wire.MsgServerReset {
		return nil, nil, fmt.Errorf("rendezvous: server reset the session")
	}
	if hdr.Message != wire.MsgServerGrant {
		return nil, nil, fmt.Errorf("rendezvous: expected SERVER_GRANT, got message %d", hdr.Message)
	}
	grant, err := decodeGrant(buf[headerSize:n])
	if err != nil {
		return nil, nil, err
	}

	send = vchan.New(cfg.Domain, vchan.RoleWriter, vchan.ReaderOffers)
	if err := send.Connect(grant.PageCount, hv.Domid(grant.Domid), grant.GrantRef); err != nil {
		return nil, nil, fmt.Errorf("rendezvous: Connect failed for SERVER_GRANT: %w", err)
	}

	recv = vchan.New(cfg.Domain, vchan.RoleReader, vchan.ReaderOffers)
	recvRef, recvLocalDomid, err := recv.Offers(cfg.Pages, hv.Domid(grant.Domid))
	if err != nil {
		send.Free()
		return nil, nil, fmt.Errorf("rendezvous: Offers failed for CLIENT_GRANT: %w", err)
	}

	reply := wire.GrantBody{GrantRef: recvRef, Domid: uint32(recvLocalDomid), Mode: wire.ModeReaderOffers, PageCount: cfg.Pages}
	if _, err := conn.Write(datagram(wire.MsgClientGrant, encodeGrant(reply))); err != nil {
		send.Free()
		recv.Free()
		return nil, nil, fmt.Errorf("rendezvous: send CLIENT_GRANT: %w", err)
	}

	return send, recv, nil
}
