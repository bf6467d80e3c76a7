package storage

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// fakeSched lets a test play several threads by switching self.
type fakeSched struct {
	self  tcb.Handle
	depth int
}

func (f *fakeSched) Enter(string) error { return nil }
func (f *fakeSched) Mask()              { f.depth++ }
func (f *fakeSched) Unmask()            { f.depth-- }
func (f *fakeSched) Self() tcb.Handle   { return f.self }

// countingPages wraps MmapPages, fails Map once limit maps have succeeded
// (limit < 0 never fails) and counts unmaps.
type countingPages struct {
	MmapPages
	limit  int
	mapped int
	freed  int
}

func (c *countingPages) Map() ([]byte, error) {
	if c.limit >= 0 && c.mapped >= c.limit {
		return nil, errors.New("test limit reached")
	}
	mem, err := c.MmapPages.Map()
	if err == nil {
		c.mapped++
	}
	return mem, err
}

func (c *countingPages) Unmap(mem []byte) error {
	c.freed++
	return c.MmapPages.Unmap(mem)
}

func newTestManager(t *testing.T, limit int) (*Manager, *fakeSched, *countingPages) {
	t.Helper()
	fs := &fakeSched{self: 1}
	cp := &countingPages{limit: limit}
	return NewManager(fs, WithPageAllocator(cp)), fs, cp
}

// verifyRead reads len(want) bytes at offset and compares.
func verifyRead(t *testing.T, m *Manager, offset int, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	if err := m.Read(offset, got); err != nil {
		t.Fatalf("Read(%d, %d): %v", offset, len(want), err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read(%d) = %x, want %x", offset, got, want)
	}
}

// verifySealed checks that no page of h's segment is left accessible.
func verifySealed(t *testing.T, m *Manager, h tcb.Handle) {
	t.Helper()
	seg, ok := m.Segment(h)
	if !ok {
		t.Fatalf("thread %d owns no segment", h)
	}
	for i, p := range seg.Pages() {
		if p.Mode() != NoAccess {
			t.Errorf("thread %d page %d mode = %s after API call", h, i, p.Mode())
		}
	}
}

func TestCreatePageRounding(t *testing.T) {
	ps := MmapPages{}.PageSize()
	tests := []struct {
		size  int
		pages int
	}{
		{1, 1},
		{ps - 1, 1},
		{ps, 1},
		{ps + 1, 2},
		{3 * ps, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.size), func(t *testing.T) {
			m, _, _ := newTestManager(t, -1)
			if err := m.Create(tt.size); err != nil {
				t.Fatalf("Create(%d): %v", tt.size, err)
			}
			seg, _ := m.Segment(1)
			if len(seg.Pages()) != tt.pages {
				t.Errorf("pages = %d, want %d", len(seg.Pages()), tt.pages)
			}
			if n, _ := m.Size(); n != tt.size {
				t.Errorf("Size = %d, want %d", n, tt.size)
			}
			verifySealed(t, m, 1)
			verifyRead(t, m, 0, make([]byte, tt.size))
		})
	}
}

func TestRoundTripBoundaries(t *testing.T) {
	m, fs, _ := newTestManager(t, -1)
	ps := m.PageSize()
	size := 2*ps + 100

	if err := m.Create(size); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name   string
		offset int
		length int
	}{
		{"start", 0, 16},
		{"single byte", 7, 1},
		{"end", size - 16, 16},
		{"last byte", size - 1, 1},
		{"across page", ps - 3, 6},
		{"across two pages", ps - 1, ps + 2},
		{"whole", 0, size},
		{"empty at end", size, 0},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{byte(0x10 + i)}, tt.length)
			if err := m.Write(tt.offset, data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			verifyRead(t, m, tt.offset, data)
			verifySealed(t, m, 1)
			if fs.depth != 0 {
				t.Errorf("mask depth = %d after call", fs.depth)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	m, fs, _ := newTestManager(t, -1)
	buf := make([]byte, 4)

	// No segment yet.
	if err := m.Read(0, buf); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Read without segment = %v", err)
	}
	if err := m.Write(0, buf); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Write without segment = %v", err)
	}
	if err := m.Destroy(); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Destroy without segment = %v", err)
	}
	if _, err := m.Size(); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Size without segment = %v", err)
	}
	if err := m.Clone(9); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Clone of missing source = %v", err)
	}

	for _, size := range []int{0, -5} {
		if err := m.Create(size); !errors.Is(err, errs.ErrInvalidSize) {
			t.Errorf("Create(%d) = %v, want ErrInvalidSize", size, err)
		}
	}

	for _, size := range []int{math.MaxInt, math.MaxInt - 1, DefaultMaxSize + 1} {
		if err := m.Create(size); !errors.Is(err, errs.ErrAllocationFailed) {
			t.Errorf("Create(%d) = %v, want ErrAllocationFailed", size, err)
		}
	}

	if err := m.Create(10); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(10); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("second Create = %v, want ErrAlreadyExists", err)
	}

	rangeTests := []struct {
		offset, length int
	}{
		{7, 4},
		{10, 1},
		{-1, 1},
		{0, 11},
		{11, 0},
		{math.MaxInt, 1},
		{1, math.MaxInt},
		{math.MaxInt - 3, 8},
	}
	for _, tt := range rangeTests {
		p := make([]byte, tt.length)
		if err := m.Read(tt.offset, p); !errors.Is(err, errs.ErrOutOfRange) {
			t.Errorf("Read(%d, %d) = %v, want ErrOutOfRange", tt.offset, tt.length, err)
		}
		if err := m.Write(tt.offset, p); !errors.Is(err, errs.ErrOutOfRange) {
			t.Errorf("Write(%d, %d) = %v, want ErrOutOfRange", tt.offset, tt.length, err)
		}
	}

	// Another thread with its own segment cannot clone over it.
	fs.self = 2
	if err := m.Create(1); err != nil {
		t.Fatalf("Create for thread 2: %v", err)
	}
	if err := m.Clone(1); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("Clone into existing segment = %v, want ErrAlreadyExists", err)
	}
	if fs.depth != 0 {
		t.Errorf("mask depth = %d after failed calls", fs.depth)
	}
}

func TestCopyOnWriteScenario(t *testing.T) {
	m, fs, _ := newTestManager(t, -1)

	fs.self = 1
	if err := m.Create(1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Write(0, []byte{0xAA}); err != nil {
		t.Fatalf("Write 0xAA: %v", err)
	}

	fs.self = 2
	if err := m.Clone(1); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if st := m.Stats(); st.Pages != 1 || st.SharedPages != 1 {
		t.Errorf("after clone: %+v, want 1 page shared", st)
	}
	verifyRead(t, m, 0, []byte{0xAA})

	if err := m.Write(0, []byte{0xBB}); err != nil {
		t.Fatalf("Write 0xBB: %v", err)
	}
	verifyRead(t, m, 0, []byte{0xBB})

	fs.self = 1
	verifyRead(t, m, 0, []byte{0xAA})

	st := m.Stats()
	if st.Pages != 2 || st.SharedPages != 0 || st.CowCopies != 1 {
		t.Errorf("after copy-on-write: %+v, want 2 private pages, 1 copy", st)
	}
	verifySealed(t, m, 1)
	verifySealed(t, m, 2)
}

func TestCloneIsolationBothWays(t *testing.T) {
	m, fs, _ := newTestManager(t, -1)
	ps := m.PageSize()
	size := 3 * ps

	fs.self = 1
	if err := m.Create(size); err != nil {
		t.Fatalf("Create: %v", err)
	}
	orig := bytes.Repeat([]byte{0x11}, size)
	if err := m.Write(0, orig); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fs.self = 2
	if err := m.Clone(1); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	// Clone side writes in the middle page only.
	if err := m.Write(ps+10, []byte{0x22, 0x22}); err != nil {
		t.Fatalf("clone Write: %v", err)
	}
	// Source side writes in the last page only.
	fs.self = 1
	if err := m.Write(2*ps, []byte{0x33}); err != nil {
		t.Fatalf("source Write: %v", err)
	}
	verifyRead(t, m, ps+10, []byte{0x11, 0x11})
	verifyRead(t, m, 2*ps, []byte{0x33})

	fs.self = 2
	verifyRead(t, m, ps+10, []byte{0x22, 0x22})
	verifyRead(t, m, 2*ps, []byte{0x11})

	seg1, _ := m.Segment(1)
	seg2, _ := m.Segment(2)
	if seg1.Pages()[0] != seg2.Pages()[0] {
		t.Error("untouched first page no longer shared")
	}
	if seg1.Pages()[0].Refs() != 2 {
		t.Errorf("first page refs = %d, want 2", seg1.Pages()[0].Refs())
	}
	for _, i := range []int{1, 2} {
		if seg1.Pages()[i] == seg2.Pages()[i] {
			t.Errorf("page %d still shared after writes", i)
		}
		if seg1.Pages()[i].Refs() != 1 || seg2.Pages()[i].Refs() != 1 {
			t.Errorf("page %d refs = %d/%d, want 1/1", i, seg1.Pages()[i].Refs(), seg2.Pages()[i].Refs())
		}
	}
}

func TestDestroyReleasesUnsharedPages(t *testing.T) {
	m, fs, cp := newTestManager(t, -1)
	ps := m.PageSize()

	fs.self = 1
	if err := m.Create(2 * ps); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Write(0, []byte("keep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	fs.self = 2
	if err := m.Clone(1); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := m.Write(ps, []byte{1}); err != nil { // private copy of page 1
		t.Fatalf("Write: %v", err)
	}

	fs.self = 1
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Page 0 is still referenced by thread 2; the old page 1 is not.
	if cp.freed != 1 {
		t.Errorf("unmapped = %d, want 1", cp.freed)
	}
	if _, ok := m.Segment(1); ok {
		t.Error("segment still registered after Destroy")
	}

	fs.self = 2
	verifyRead(t, m, 0, []byte("keep"))
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if cp.freed != cp.mapped {
		t.Errorf("unmapped %d of %d pages", cp.freed, cp.mapped)
	}
	if st := m.Stats(); st.Segments != 0 || st.Pages != 0 {
		t.Errorf("Stats after destroy = %+v", st)
	}

	// A thread can create again after destroying.
	if err := m.Create(1); err != nil {
		t.Errorf("Create after Destroy: %v", err)
	}
}

func TestAllocationFailureLeavesTableUnchanged(t *testing.T) {
	m, fs, cp := newTestManager(t, 2)
	ps := m.PageSize()

	if err := m.Create(3 * ps); !errors.Is(err, errs.ErrAllocationFailed) {
		t.Fatalf("Create = %v, want ErrAllocationFailed", err)
	}
	if cp.freed != 2 {
		t.Errorf("partial pages unmapped = %d, want 2", cp.freed)
	}
	if _, ok := m.Segment(1); ok {
		t.Error("failed Create registered a segment")
	}

	// Exhaust the allocator with a shared segment, then write to force a
	// copy that cannot be mapped.
	cp.limit = cp.mapped + 1
	if err := m.Create(1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Write(0, []byte{0x5A}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	fs.self = 2
	if err := m.Clone(1); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := m.Write(0, []byte{0x00}); !errors.Is(err, errs.ErrAllocationFailed) {
		t.Fatalf("Write = %v, want ErrAllocationFailed", err)
	}
	verifyRead(t, m, 0, []byte{0x5A})
	if st := m.Stats(); st.SharedPages != 1 || st.CowCopies != 0 {
		t.Errorf("Stats after failed Write = %+v", st)
	}
	verifySealed(t, m, 2)
}

func TestSizeLimit(t *testing.T) {
	fs := &fakeSched{self: 1}
	cp := &countingPages{limit: -1}
	m := NewManager(fs, WithPageAllocator(cp), WithMaxSize(2*cp.PageSize()))
	ps := m.PageSize()

	if err := m.Create(2*ps + 1); !errors.Is(err, errs.ErrAllocationFailed) {
		t.Fatalf("Create over limit = %v, want ErrAllocationFailed", err)
	}
	if cp.mapped != 0 {
		t.Errorf("pages mapped for rejected segment = %d", cp.mapped)
	}
	if err := m.Create(2 * ps); err != nil {
		t.Fatalf("Create at limit: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// Limits that cannot be honoured fall back to the default.
	for _, n := range []int{0, -1, math.MaxInt} {
		m := NewManager(fs, WithPageAllocator(cp), WithMaxSize(n))
		if m.maxSize != DefaultMaxSize {
			t.Errorf("WithMaxSize(%d): limit = %d, want %d", n, m.maxSize, DefaultMaxSize)
		}
	}
}

func TestOwnerAndAddr(t *testing.T) {
	m, fs, _ := newTestManager(t, -1)
	ps := m.PageSize()

	fs.self = 3
	if err := m.Create(2 * ps); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fs.self = 1
	if err := m.Clone(3); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	fs.self = 3
	addr, err := m.Addr(ps + 5)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	seg, _ := m.Segment(3)
	if want := seg.Pages()[1].Base() + 5; addr != want {
		t.Errorf("Addr = %#x, want %#x", addr, want)
	}

	owner, page, ok := m.Owner(addr)
	if !ok {
		t.Fatal("Owner did not match a segment address")
	}
	// Shared page: lowest owning handle.
	if owner != 1 {
		t.Errorf("owner = %d, want 1", owner)
	}
	if page != seg.Pages()[1].Base() {
		t.Errorf("page = %#x, want %#x", page, seg.Pages()[1].Base())
	}

	var local byte
	if _, _, ok := m.Owner(uintptr(unsafe.Pointer(&local))); ok {
		t.Error("Owner matched a Go heap address")
	}
	if _, err := m.Addr(2 * ps); !errors.Is(err, errs.ErrOutOfRange) {
		t.Errorf("Addr past end = %v, want ErrOutOfRange", err)
	}
}

func BenchmarkWrite(b *testing.B) {
	fs := &fakeSched{self: 1}
	m := NewManager(fs)
	if err := m.Create(4096); err != nil {
		b.Fatal(err)
	}
	data := make([]byte, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Write(i%4000, data); err != nil {
			b.Fatal(err)
		}
	}
}
