package vchan

import "github.com/oryonlabs/govchan/hv"

// Error kinds a pipe operation can return, reusing hv.Status the way
// the driver itself does (fuse.Status generalized once already in
// hv/status.go; no need for a second parallel error type here).
// Read returns io.EOF for a clean peer close, never one of these.
var (
	ErrPipeClosed  = hv.EPIPE
	ErrInterrupted = hv.ERESTARTSYS
	ErrWrongState  = hv.ENOTTY
	ErrBadArgument = hv.EINVAL
)
