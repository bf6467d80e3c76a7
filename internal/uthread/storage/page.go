package storage

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/greenthreads/internal/uthread/errs"
)

// Mode is the hardware access mode of a page.
type Mode int

const (
	// NoAccess pages fault on any load or store.
	NoAccess Mode = iota
	// ReadWrite pages are accessible; only inside an API bracket.
	ReadWrite
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "none"
}

// PageAllocator obtains independently protectable pages.
type PageAllocator interface {
	// PageSize returns the size of every page Map returns.
	PageSize() int
	// Map returns a fresh zeroed page in NoAccess mode.
	Map() ([]byte, error)
	// Protect switches the access mode of a page.
	Protect(mem []byte, mode Mode) error
	// Unmap releases a page.
	Unmap(mem []byte) error
}

// MmapPages maps private anonymous pages with mmap and switches their access
// mode with mprotect.
type MmapPages struct{}

// PageSize returns the system page size.
func (MmapPages) PageSize() int {
	return unix.Getpagesize()
}

// Map maps one PROT_NONE page.
func (MmapPages) Map() ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap page: %w", err)
	}
	return mem, nil
}

// Protect applies mode with mprotect.
func (MmapPages) Protect(mem []byte, mode Mode) error {
	prot := unix.PROT_NONE
	if mode == ReadWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(mem, prot)
}

// Unmap releases the page with munmap.
func (MmapPages) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

// Page is one protectable unit of segment memory.
//
// A page with refs > 1 is shared by clone and must never be written in
// place.
type Page struct {
	mem  []byte
	base uintptr
	refs int
	mode Mode
}

func newPage(mem []byte) *Page {
	return &Page{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		refs: 1,
		mode: NoAccess,
	}
}

// Base returns the page's start address.
func (p *Page) Base() uintptr { return p.base }

// Refs returns the number of segments referencing the page.
func (p *Page) Refs() int { return p.refs }

// Mode returns the current access mode.
func (p *Page) Mode() Mode { return p.mode }

// Shared reports whether the page is referenced by more than one segment.
func (p *Page) Shared() bool { return p.refs > 1 }

// setMode changes the hardware protection. A failure here means the
// isolation guarantee can no longer be upheld, so it is fatal.
func (m *Manager) setMode(p *Page, mode Mode) {
	if p.mode == mode {
		return
	}
	if err := m.pages.Protect(p.mem, mode); err != nil {
		panic(fmt.Sprintf("storage: mprotect page %#x to %s: %v", p.base, mode, err))
	}
	p.mode = mode
}

// mapPages maps n fresh pages. On failure every page mapped so far is
// released and errs.ErrAllocationFailed is returned.
func (m *Manager) mapPages(op string, n int) ([]*Page, error) {
	pages := make([]*Page, 0, n)
	for i := 0; i < n; i++ {
		mem, err := m.pages.Map()
		if err != nil {
			m.unmapAll(pages)
			return nil, errs.Newf(op, int(m.sched.Self()), errs.ErrAllocationFailed, "%v", err)
		}
		pages = append(pages, newPage(mem))
	}
	return pages, nil
}

func (m *Manager) unmapAll(pages []*Page) {
	for _, p := range pages {
		// Unmap failure leaks the page; nothing references it any more.
		_ = m.pages.Unmap(p.mem)
	}
}
