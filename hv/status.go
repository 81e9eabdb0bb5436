package hv

import "fmt"

// Status mirrors the small negative-errno-or-zero contract spec §4.1
// gives every driver operation, generalized from the teacher's
// fuse.Status/ToStatus pattern (a typed wrapper around syscall.Errno
// with an Ok() and a String()), but over the handful of error kinds
// this transport actually produces.
type Status int32

const (
	OK Status = 0
)

// Negative status codes, named after the POSIX errno they stand in
// for per spec §4.1/§7.
const (
	EINVAL      Status = -1
	ENOMEM      Status = -2
	EPIPE       Status = -3
	ENOTTY      Status = -4
	ERESTARTSYS Status = -5
	EBUSY       Status = -6
	EFAULT      Status = -7
)

func (s Status) Ok() bool { return s == OK }

func (s Status) Error() string {
	switch s {
	case OK:
		return "ok"
	case EINVAL:
		return "invalid argument"
	case ENOMEM:
		return "out of memory"
	case EPIPE:
		return "broken pipe"
	case ENOTTY:
		return "wrong operation for state"
	case ERESTARTSYS:
		return "interrupted"
	case EBUSY:
		return "device busy"
	case EFAULT:
		return "bad address"
	default:
		return fmt.Sprintf("status %d", int32(s))
	}
}

// AsError returns nil for OK, s otherwise, so callers can treat Status
// as an ordinary Go error at API boundaries.
func (s Status) AsError() error {
	if s.Ok() {
		return nil
	}
	return s
}
