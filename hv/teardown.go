package hv

import "sync"

// pendingTeardown is one offerer instance that could not fully release
// its frames when Close was called, because a remote mapping was still
// live (Invariant I1). It is retried by dialing the broker fresh and
// reissuing CmdEndForeignAccess for whatever refs remain.
type pendingTeardown struct {
	sockPath string
	domid    Domid
	refs     []uint32
}

// deferredList is the process-wide queue spec §4.1's release()
// describes: "register the instance on a deferred list, retried on
// every subsequent open and close, and once more at module unload."
// It is a package-level singleton because the spec's list is
// per-process, not per-Domain or per-Conn.
var deferredList = struct {
	mu      sync.Mutex
	entries []*pendingTeardown
}{}

func deferClose(sockPath string, domid Domid, refs []uint32) {
	if len(refs) == 0 {
		return
	}
	cp := append([]uint32(nil), refs...)
	deferredList.mu.Lock()
	deferredList.entries = append(deferredList.entries, &pendingTeardown{sockPath: sockPath, domid: domid, refs: cp})
	deferredList.mu.Unlock()
}

// Sweep retries every deferred teardown once. Domain.Open calls this
// unconditionally before doing its own work and Conn.Close after doing
// its own, matching spec's "on every subsequent open and close";
// Shutdown calls it once more for the final attempt at unload.
//
// The original's traversal has a bug where a freed list node's next
// pointer is read after the node is released, occasionally skipping an
// entry; this implementation avoids it by snapshotting the slice of
// entries still pending before iterating, rather than walking and
// mutating the same structure at once.
func Sweep() {
	deferredList.mu.Lock()
	entries := deferredList.entries
	deferredList.entries = nil
	deferredList.mu.Unlock()

	var still []*pendingTeardown
	for _, e := range entries {
		remaining := retryEndForeignAccess(e.sockPath, e.domid, e.refs)
		if len(remaining) > 0 {
			e.refs = remaining
			still = append(still, e)
		}
	}

	if len(still) > 0 {
		deferredList.mu.Lock()
		deferredList.entries = append(still, deferredList.entries...)
		deferredList.mu.Unlock()
	}
}

// retryEndForeignAccess dials a fresh connection, asserts domid, and
// asks the broker to end each ref still outstanding, returning the
// refs that are still refused.
func retryEndForeignAccess(sockPath string, domid Domid, refs []uint32) []uint32 {
	c, err := dialBroker(sockPath)
	if err != nil {
		return refs
	}
	defer c.Close()

	if _, err := rpcGetDomid(c, domid); err != nil {
		return refs
	}

	var remaining []uint32
	for _, ref := range refs {
		ok, err := rpcEndForeignAccess(c, ref)
		if err != nil || !ok {
			remaining = append(remaining, ref)
		}
	}
	return remaining
}

// Shutdown makes one final sweep of the deferred-teardown list, the
// stand-in for the original driver's module-unload path. Any entry
// still refused after this call stays on the list, and the broker
// process keeps holding its frames open, same as the original driver
// would hold a grant table entry open across an unclean unload.
func Shutdown() {
	Sweep()
}
