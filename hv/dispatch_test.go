package hv

import (
	"os"
	"testing"

	"github.com/oryonlabs/govchan/wire"
)

func TestEncodeDecodeStructRoundTrip(t *testing.T) {
	in := wire.InitOffererIn{Pages: 7, DistantDomid: 42}
	buf := encodeStruct(in)
	out, err := decodeStruct[wire.InitOffererIn](buf)
	if err != nil {
		t.Fatalf("decodeStruct: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeStructRejectsShortBody(t *testing.T) {
	if _, err := decodeStruct[wire.InitOffererIn](make([]byte, 1)); err == nil {
		t.Fatal("expected an error decoding a truncated body")
	}
}

func newTestBroker() *Broker {
	return NewBroker(BrokerConfig{SocketPath: "/tmp/govchan-test.sock"})
}

// TestInitOffererRejectsBadPageCount exercises Testable Property 5
// (setup atomicity): a failing INIT_OFFERER must leave no grant refs
// allocated and the session's state unchanged.
func TestInitOffererRejectsBadPageCount(t *testing.T) {
	b := newTestBroker()
	s := &session{broker: b, domid: 1, domidKnown: true}

	r1, w1, _ := os.Pipe()
	defer r1.Close()
	defer w1.Close()

	body := encodeStruct(wire.InitOffererIn{Pages: 0, DistantDomid: 2})
	_, _, status := s.dispatch(wire.CmdInitOfferer, body, []int{int(r1.Fd())})
	if status != EINVAL {
		t.Fatalf("status = %v, want EINVAL", status)
	}
	if s.role != roleNone {
		t.Fatalf("session role = %v after failed setup, want roleNone", s.role)
	}
	if len(b.grants.frames) != 0 {
		t.Fatalf("grant table has %d entries after a failed setup call, want 0", len(b.grants.frames))
	}
}

func TestInitOffererRejectsUnknownDomain(t *testing.T) {
	b := newTestBroker()
	s := &session{broker: b}

	body := encodeStruct(wire.InitOffererIn{Pages: 1, DistantDomid: 2})
	_, _, status := s.dispatch(wire.CmdInitOfferer, body, nil)
	if status != ENOTTY {
		t.Fatalf("status = %v, want ENOTTY for an unauthenticated session", status)
	}
}

// TestMapFramesUnwindsPartialSuccess exercises the SPSC setup's
// partial-failure rollback: when MAP_FRAMES hits an unauthorized ref
// partway through the batch, every ref it had already mapped must be
// unmapped again, leaving the grant table exactly as it was before the
// call (Testable Property 5, generalized to MAP_FRAMES).
func TestMapFramesUnwindsPartialSuccess(t *testing.T) {
	b := newTestBroker()

	r1, w1, _ := os.Pipe()
	defer r1.Close()
	defer w1.Close()
	r2, w2, _ := os.Pipe()
	defer r2.Close()
	defer w2.Close()

	offererDomid, receiverDomid := Domid(1), Domid(2)
	okRef := b.grants.grantForeignAccess(int(r1.Fd()), offererDomid, receiverDomid)
	otherOwnersRef := b.grants.grantForeignAccess(int(r2.Fd()), Domid(99), receiverDomid)

	recv := &session{broker: b, domid: receiverDomid, domidKnown: true, role: roleReceiver, pages: 2, distant: offererDomid}

	in := wire.MapFramesIn{Count: 2}
	in.Refs[0] = okRef
	in.Refs[1] = otherOwnersRef // granted by a different domain than recv.distant, so this must fail
	_, fds, status := recv.dispatch(wire.CmdMapFrames, encodeStruct(in), nil)
	if status != EFAULT {
		t.Fatalf("status = %v, want EFAULT", status)
	}
	if len(fds) != 0 {
		t.Fatalf("got %d fds back on a failed MAP_FRAMES, want 0", len(fds))
	}
	if b.grants.frames[okRef].mapped {
		t.Fatal("okRef is still marked mapped after the batch was unwound")
	}
	if len(recv.mappedRefs) != 0 {
		t.Fatalf("session.mappedRefs = %v after a failed MAP_FRAMES, want empty", recv.mappedRefs)
	}
}

func TestGetDomidAssignsThenPinsDomid(t *testing.T) {
	b := newTestBroker()
	s := &session{broker: b}

	body, _, status := s.dispatch(wire.CmdGetDomid, encodeStruct(wire.GetDomidIn{}), nil)
	if status != OK {
		t.Fatalf("status = %v, want OK", status)
	}
	out, err := decodeStruct[wire.GetDomidOut](body)
	if err != nil {
		t.Fatalf("decodeStruct: %v", err)
	}
	if out.LocalDomid == 0 {
		t.Fatal("allocated domid is zero")
	}

	// A second GETDOMID asking for a different domid than the one
	// already assigned must fail rather than silently reassigning it.
	_, _, status = s.dispatch(wire.CmdGetDomid, encodeStruct(wire.GetDomidIn{Requested: out.LocalDomid + 1}), nil)
	if status != EINVAL {
		t.Fatalf("status = %v, want EINVAL for a mismatched re-assert", status)
	}
}

func TestEndForeignAccessRefusesBusyRef(t *testing.T) {
	b := newTestBroker()
	r, w, _ := os.Pipe()
	defer r.Close()
	defer w.Close()

	owner, distant := Domid(1), Domid(2)
	ref := b.grants.grantForeignAccess(int(r.Fd()), owner, distant)
	if _, err := b.grants.mapGrantRef(ref, distant); err != nil {
		t.Fatalf("mapGrantRef: %v", err)
	}

	s := &session{broker: b, domid: owner, domidKnown: true}
	_, _, status := s.dispatch(wire.CmdEndForeignAccess, encodeStruct(wire.EndForeignAccessIn{Ref: ref}), nil)
	if status != EBUSY {
		t.Fatalf("status = %v, want EBUSY while the receiver still holds a mapping", status)
	}

	b.grants.unmapGrantRef(ref)
	_, _, status = s.dispatch(wire.CmdEndForeignAccess, encodeStruct(wire.EndForeignAccessIn{Ref: ref}), nil)
	if status != OK {
		t.Fatalf("status = %v, want OK once the mapping is released", status)
	}
}
