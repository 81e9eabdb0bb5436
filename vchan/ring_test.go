package vchan

import (
	"bytes"
	"testing"
)

func newTestRing(pageSizes ...int) *ring {
	pages := make([][]byte, len(pageSizes))
	for i, sz := range pageSizes {
		pages[i] = make([]byte, sz)
	}
	return newRing(pages)
}

func TestRingLocateAcrossPages(t *testing.T) {
	r := newTestRing(4, 4, 4) // cap = 12, page boundaries at 0, 4, 8

	cases := []struct {
		off      uint32
		wantPage int
		wantWith uint32
	}{
		{0, 0, 0},
		{3, 0, 3},
		{4, 1, 0},
		{7, 1, 3},
		{8, 2, 0},
		{11, 2, 3},
	}
	for _, c := range cases {
		page, within := r.locate(c.off)
		if page != c.wantPage || within != c.wantWith {
			t.Errorf("locate(%d) = (%d, %d), want (%d, %d)", c.off, page, within, c.wantPage, c.wantWith)
		}
	}
}

func TestRingCopyFromAndToRoundTrip(t *testing.T) {
	r := newTestRing(4, 4, 4) // cap = 12

	src := []byte("hello world!") // 12 bytes, exactly fills the ring once
	r.copyFrom(0, src)

	dst := make([]byte, len(src))
	r.copyTo(dst, 0)
	if !bytes.Equal(dst, src) {
		t.Fatalf("round trip = %q, want %q", dst, src)
	}
}

func TestRingCopySpansPageBoundary(t *testing.T) {
	r := newTestRing(4, 4, 4)

	// Start at offset 2 within page 0, write 5 bytes: spans page 0's
	// last 2 bytes and all 3 of page 1's first 3... exercises the
	// multi-page loop in copyFrom/copyTo without wrapping past cap.
	src := []byte("ABCDE")
	r.copyFrom(2, src)

	dst := make([]byte, 5)
	r.copyTo(dst, 2)
	if !bytes.Equal(dst, src) {
		t.Fatalf("cross-page round trip = %q, want %q", dst, src)
	}
	if r.pages[0][2] != 'A' || r.pages[0][3] != 'B' {
		t.Fatalf("page 0 tail = %q, want AB", r.pages[0][2:4])
	}
	if r.pages[1][0] != 'C' || r.pages[1][1] != 'D' || r.pages[1][2] != 'E' {
		t.Fatalf("page 1 head = %q, want CDE", r.pages[1][0:3])
	}
}

func TestRingDistanceToWrap(t *testing.T) {
	r := newTestRing(4, 4, 4) // cap = 12
	if d := r.distanceToWrap(0); d != 12 {
		t.Errorf("distanceToWrap(0) = %d, want 12", d)
	}
	if d := r.distanceToWrap(9); d != 3 {
		t.Errorf("distanceToWrap(9) = %d, want 3", d)
	}
	if d := r.distanceToWrap(12); d != 0 {
		t.Errorf("distanceToWrap(12) = %d, want 0", d)
	}
}

func TestNewRingCapIsSumOfPageLengths(t *testing.T) {
	r := newTestRing(4096, 4096, 4096)
	if r.cap != 3*4096 {
		t.Fatalf("cap = %d, want %d", r.cap, 3*4096)
	}
	if r.offsets[0] != 0 || r.offsets[1] != 4096 || r.offsets[2] != 8192 {
		t.Fatalf("offsets = %v, want [0 4096 8192]", r.offsets)
	}
}
