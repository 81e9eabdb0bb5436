// Package rendezvous is the L3 bootstrap protocol of spec §4.3/§6: a
// UDP handshake that lets two processes agree on a pair of grant refs
// without any shared configuration beyond the listener's address.
//
// Every rendezvous exchange produces two vchan.Pipe objects, one per
// direction. Both directions use the reader-offers convention: the
// reader always exports the frames it will read into, and the writer
// always connects to a ref the peer handed it — the buffer a process
// reads from is always one it mapped itself, never one a peer mapped
// on its behalf.
package rendezvous

import (
	"fmt"

	"github.com/oryonlabs/govchan/wire"
)

const headerSize = 4

func decodeHeader(buf []byte) (wire.RendezvousHeader, bool) {
	if len(buf) < headerSize {
		return wire.RendezvousHeader{}, false
	}
	return wire.RendezvousHeader{
		Version: buf[0],
		Message: wire.RendezvousMessage(buf[1]),
	}, true
}

func encodeHeader(msg wire.RendezvousMessage) []byte {
	return []byte{wire.RendezvousVersion, byte(msg), 0, 0}
}

const helloBodySize = 4 // ClientHelloBody.Domid

func decodeClientHello(body []byte) (wire.ClientHelloBody, error) {
	if len(body) < helloBodySize {
		return wire.ClientHelloBody{}, fmt.Errorf("rendezvous: truncated HELLO")
	}
	return wire.ClientHelloBody{Domid: le32(body)}, nil
}

func encodeClientHello(b wire.ClientHelloBody) []byte {
	return putLe32(b.Domid)
}

const grantBodySize = 4 + 4 + 1 + 1 // GrantRef, Domid, Mode, PageCount

func decodeGrant(body []byte) (wire.GrantBody, error) {
	if len(body) < grantBodySize {
		return wire.GrantBody{}, fmt.Errorf("rendezvous: truncated GRANT")
	}
	return wire.GrantBody{
		GrantRef:  le32(body[0:4]),
		Domid:     le32(body[4:8]),
		Mode:      wire.GrantMode(body[8]),
		PageCount: body[9],
	}, nil
}

func encodeGrant(b wire.GrantBody) []byte {
	out := make([]byte, grantBodySize)
	copy(out[0:4], putLe32(b.GrantRef))
	copy(out[4:8], putLe32(b.Domid))
	out[8] = byte(b.Mode)
	out[9] = b.PageCount
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLe32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func datagram(msg wire.RendezvousMessage, body []byte) []byte {
	return append(encodeHeader(msg), body...)
}
