package hv

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/oryonlabs/govchan/wire"
)

// dialBroker opens a fresh control connection. Conn keeps one open for
// its whole lifetime; the deferred-teardown sweep in teardown.go opens
// and discards a short-lived one per retry.
func dialBroker(sockPath string) (*net.UnixConn, error) {
	return net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
}

// rpcCall sends one request and blocks for its matching reply. The
// broker control protocol is strictly request/reply (never pipelined),
// so there's no need to tag replies with a request ID.
func rpcCall(c *net.UnixConn, cmd wire.Command, body []byte, fds []int) (replyBody []byte, replyFds []int, status Status, err error) {
	out := append(encodeHeader(cmd, uint32(len(body))), body...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := c.WriteMsgUnix(out, oob, nil); err != nil {
		return nil, nil, 0, err
	}

	var hdr wire.Header
	var hdrBuf [hdrSize]byte
	var roob [64]byte
	n, oobn, _, _, err := c.ReadMsgUnix(hdrBuf[:], roob[:])
	if err != nil {
		return nil, nil, 0, err
	}
	if n < hdrSize {
		return nil, nil, 0, fmt.Errorf("short reply header")
	}
	decodeHeader(hdrBuf[:], &hdr)

	if oobn > 0 {
		replyFds, _ = parseFds(roob[:oobn])
	}

	statusBuf := make([]byte, 4)
	if _, err := fullReadUnix(c, statusBuf); err != nil {
		return nil, nil, 0, err
	}
	status = Status(int32(binary.LittleEndian.Uint32(statusBuf)))

	replyBody = make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if _, err := fullReadUnix(c, replyBody); err != nil {
			return nil, nil, 0, err
		}
	}
	return replyBody, replyFds, status, nil
}

func rpcGetDomid(c *net.UnixConn, requested Domid) (Domid, error) {
	body, _, status, err := rpcCall(c, wire.CmdGetDomid, encodeStruct(wire.GetDomidIn{Requested: requested}), nil)
	if err != nil {
		return 0, err
	}
	if !status.Ok() {
		return 0, status.AsError()
	}
	out, err := decodeStruct[wire.GetDomidOut](body)
	if err != nil {
		return 0, err
	}
	return out.LocalDomid, nil
}

// rpcEndForeignAccess reports ok=false (not an error) when the broker
// refuses because the ref is still mapped, so callers can tell
// "not yet" apart from a broken connection.
func rpcEndForeignAccess(c *net.UnixConn, ref uint32) (ok bool, err error) {
	_, _, status, err := rpcCall(c, wire.CmdEndForeignAccess, encodeStruct(wire.EndForeignAccessIn{Ref: ref}), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case OK:
		return true, nil
	case EBUSY:
		return false, nil
	default:
		return false, status.AsError()
	}
}
