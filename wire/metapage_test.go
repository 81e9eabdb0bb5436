package wire

import (
	"testing"
	"unsafe"
)

func TestMetaPageSizeMatchesLayout(t *testing.T) {
	if got := unsafe.Sizeof(MetaPage{}); got != Size {
		t.Fatalf("unsafe.Sizeof(MetaPage{}) = %d, want Size = %d", got, Size)
	}
}

func TestMetaPageFitsOnePage(t *testing.T) {
	const pageSize = 4096
	if Size > pageSize {
		t.Fatalf("MetaPage.Size = %d exceeds a %d-byte page; the ring's start offset assumes it doesn't", Size, pageSize)
	}
}

func TestRingControlFieldOrder(t *testing.T) {
	var rc RingControl
	base := unsafe.Pointer(&rc)
	offsets := []struct {
		name string
		ptr  unsafe.Pointer
	}{
		{"WriterFlags", unsafe.Pointer(&rc.WriterFlags)},
		{"ReaderFlags", unsafe.Pointer(&rc.ReaderFlags)},
		{"WritePos", unsafe.Pointer(&rc.WritePos)},
		{"ReadPos", unsafe.Pointer(&rc.ReadPos)},
	}
	var last uintptr
	for i, f := range offsets {
		off := uintptr(f.ptr) - uintptr(base)
		if i > 0 && off <= last {
			t.Fatalf("field %s is not laid out after the previous field", f.name)
		}
		last = off
	}
}
