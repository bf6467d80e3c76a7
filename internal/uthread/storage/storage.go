// Package storage implements per-thread private storage segments.
//
// Every thread may own one segment: a byte-addressable region backed by
// whole pages that are kept inaccessible (PROT_NONE) except while the
// segment's owner is inside Read or Write. Any other access to a segment
// page faults, and the scheduler's fault interceptor asks Owner whether the
// address belongs to a segment: if so the access is an isolation violation
// and the offending thread is terminated.
//
// Clone shares the source's pages by reference count instead of copying
// them. The first Write that touches a shared page copies it privately
// (copy-on-write), so neither side ever observes the other's later writes.
//
// All table mutation happens inside a scheduler critical section, so the
// segment table and page reference counts are updated atomically with
// respect to the other logical threads.
package storage

import (
	"log/slog"
	"math"
	"sort"

	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// Scheduler is what the storage manager needs from the dispatcher.
type Scheduler interface {
	Enter(op string) error
	Mask()
	Unmask()
	Self() tcb.Handle
}

// Segment is a thread's private storage region.
type Segment struct {
	owner tcb.Handle
	size  int
	pages []*Page
}

// Owner returns the owning thread.
func (s *Segment) Owner() tcb.Handle { return s.owner }

// Size returns the requested size in bytes.
func (s *Segment) Size() int { return s.size }

// Pages returns the segment's pages in address order of the segment.
func (s *Segment) Pages() []*Page { return s.pages }

// Manager is the process-wide segment table.
type Manager struct {
	sched    Scheduler
	pages    PageAllocator
	log      *slog.Logger
	pageSize int
	maxSize  int
	segments map[tcb.Handle]*Segment

	cowCopies uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPageAllocator replaces the default mmap-backed allocator.
func WithPageAllocator(a PageAllocator) Option {
	return func(m *Manager) { m.pages = a }
}

// WithLogger sets the logger for segment lifecycle traces.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMaxSize caps the size of a single segment. Non-positive values and
// values too large to round up to whole pages are ignored.
func WithMaxSize(n int) Option {
	return func(m *Manager) { m.maxSize = n }
}

// DefaultMaxSize is the segment size limit unless WithMaxSize says otherwise.
const DefaultMaxSize = 1 << 30

// NewManager creates an empty segment table.
func NewManager(s Scheduler, opts ...Option) *Manager {
	m := &Manager{
		sched:    s,
		pages:    MmapPages{},
		maxSize:  DefaultMaxSize,
		log:      slog.New(slog.DiscardHandler),
		segments: make(map[tcb.Handle]*Segment),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pageSize = m.pages.PageSize()
	if m.maxSize <= 0 || m.maxSize > math.MaxInt-m.pageSize+1 {
		m.maxSize = DefaultMaxSize
	}
	return m
}

// PageSize returns the page granularity of segments.
func (m *Manager) PageSize() int {
	return m.pageSize
}

// Create allocates a segment of size bytes for the calling thread.
//
// Fails with errs.ErrInvalidSize for size <= 0 and errs.ErrAlreadyExists
// when the caller owns a segment. Sizes above the manager's limit and pages
// that cannot be mapped fail with errs.ErrAllocationFailed.
func (m *Manager) Create(size int) error {
	if err := m.sched.Enter("tls_create"); err != nil {
		return err
	}
	m.sched.Mask()
	defer m.sched.Unmask()

	self := m.sched.Self()
	if size <= 0 {
		return errs.Newf("tls_create", int(self), errs.ErrInvalidSize, "size %d", size)
	}
	if _, ok := m.segments[self]; ok {
		return errs.New("tls_create", int(self), errs.ErrAlreadyExists)
	}
	if size > m.maxSize {
		return errs.Newf("tls_create", int(self), errs.ErrAllocationFailed,
			"size %d exceeds limit %d", size, m.maxSize)
	}

	n := (size + m.pageSize - 1) / m.pageSize
	pages, err := m.mapPages("tls_create", n)
	if err != nil {
		return err
	}
	m.segments[self] = &Segment{owner: self, size: size, pages: pages}
	m.log.Debug("segment created", "thread", self, "size", size, "pages", n)
	return nil
}

// Destroy releases the calling thread's segment. Pages whose reference
// count drops to zero are unmapped; pages still shared by a clone survive.
func (m *Manager) Destroy() error {
	if err := m.sched.Enter("tls_destroy"); err != nil {
		return err
	}
	m.sched.Mask()
	defer m.sched.Unmask()

	self := m.sched.Self()
	seg, ok := m.segments[self]
	if !ok {
		return errs.New("tls_destroy", int(self), errs.ErrNotFound)
	}
	freed := 0
	for _, p := range seg.pages {
		p.refs--
		if p.refs == 0 {
			_ = m.pages.Unmap(p.mem)
			freed++
		}
	}
	delete(m.segments, self)
	m.log.Debug("segment destroyed", "thread", self, "unmapped", freed, "kept", len(seg.pages)-freed)
	return nil
}

// lookup returns the caller's segment after checking offset and length.
func (m *Manager) lookup(op string, offset, length int) (*Segment, error) {
	self := m.sched.Self()
	seg, ok := m.segments[self]
	if !ok {
		return nil, errs.New(op, int(self), errs.ErrNotFound)
	}
	if offset < 0 || length < 0 || offset > seg.size || length > seg.size-offset {
		return nil, errs.Newf(op, int(self), errs.ErrOutOfRange,
			"offset %d length %d size %d", offset, length, seg.size)
	}
	return seg, nil
}

// open makes every page of seg accessible for the duration of an API call.
func (m *Manager) open(seg *Segment) {
	for _, p := range seg.pages {
		m.setMode(p, ReadWrite)
	}
}

// seal restores no-access on every page of seg.
func (m *Manager) seal(seg *Segment) {
	for _, p := range seg.pages {
		m.setMode(p, NoAccess)
	}
}

// Read copies len(p) bytes starting at offset of the caller's segment into
// p. Fails with errs.ErrNotFound when the caller owns no segment and
// errs.ErrOutOfRange when offset+len(p) exceeds the segment.
func (m *Manager) Read(offset int, p []byte) error {
	if err := m.sched.Enter("tls_read"); err != nil {
		return err
	}
	m.sched.Mask()
	defer m.sched.Unmask()

	seg, err := m.lookup("tls_read", offset, len(p))
	if err != nil {
		return err
	}
	m.open(seg)
	defer m.seal(seg)

	for done := 0; done < len(p); {
		idx, in := (offset+done)/m.pageSize, (offset+done)%m.pageSize
		done += copy(p[done:], seg.pages[idx].mem[in:])
	}
	return nil
}

// Write copies p into the caller's segment starting at offset.
//
// Shared pages in the written range are first replaced by private copies;
// all copies are mapped before anything is modified, so a failed Write
// (errs.ErrAllocationFailed) leaves the segment untouched. Fails with
// errs.ErrNotFound and errs.ErrOutOfRange like Read.
func (m *Manager) Write(offset int, p []byte) error {
	if err := m.sched.Enter("tls_write"); err != nil {
		return err
	}
	m.sched.Mask()
	defer m.sched.Unmask()

	seg, err := m.lookup("tls_write", offset, len(p))
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	first, last := offset/m.pageSize, (offset+len(p)-1)/m.pageSize
	var shared []int
	for i := first; i <= last; i++ {
		if seg.pages[i].Shared() {
			shared = append(shared, i)
		}
	}
	fresh, err := m.mapPages("tls_write", len(shared))
	if err != nil {
		return err
	}

	m.open(seg)
	defer m.seal(seg)

	for k, i := range shared {
		old, cp := seg.pages[i], fresh[k]
		m.setMode(cp, ReadWrite)
		copy(cp.mem, old.mem)
		old.refs--
		// The old page stays with its other owners, sealed.
		m.setMode(old, NoAccess)
		seg.pages[i] = cp
		m.cowCopies++
		m.log.Debug("copy-on-write", "thread", seg.owner, "page", i, "remaining_refs", old.refs)
	}

	for done := 0; done < len(p); {
		idx, in := (offset+done)/m.pageSize, (offset+done)%m.pageSize
		done += copy(seg.pages[idx].mem[in:], p[done:])
	}
	return nil
}

// Clone gives the caller a segment that shares every page of src's segment.
//
// Fails with errs.ErrNotFound when src owns no segment and
// errs.ErrAlreadyExists when the caller already owns one.
func (m *Manager) Clone(src tcb.Handle) error {
	if err := m.sched.Enter("tls_clone"); err != nil {
		return err
	}
	m.sched.Mask()
	defer m.sched.Unmask()

	self := m.sched.Self()
	from, ok := m.segments[src]
	if !ok {
		return errs.Newf("tls_clone", int(self), errs.ErrNotFound, "thread %d owns no segment", src)
	}
	if _, ok := m.segments[self]; ok {
		return errs.New("tls_clone", int(self), errs.ErrAlreadyExists)
	}

	pages := make([]*Page, len(from.pages))
	for i, p := range from.pages {
		p.refs++
		pages[i] = p
	}
	m.segments[self] = &Segment{owner: self, size: from.size, pages: pages}
	m.log.Debug("segment cloned", "thread", self, "from", src, "pages", len(pages))
	return nil
}

// Size returns the size of the caller's segment.
func (m *Manager) Size() (int, error) {
	self := m.sched.Self()
	seg, ok := m.segments[self]
	if !ok {
		return 0, errs.New("tls_size", int(self), errs.ErrNotFound)
	}
	return seg.size, nil
}

// Addr returns the address of byte offset of the caller's segment.
// Dereferencing it outside Read and Write is an isolation violation.
func (m *Manager) Addr(offset int) (uintptr, error) {
	seg, err := m.lookup("tls_addr", offset, 1)
	if err != nil {
		return 0, err
	}
	return seg.pages[offset/m.pageSize].base + uintptr(offset%m.pageSize), nil
}

// Segment returns the segment owned by h.
func (m *Manager) Segment(h tcb.Handle) (*Segment, bool) {
	seg, ok := m.segments[h]
	return seg, ok
}

// Owner maps a faulting address to the thread owning the page that
// contains it, along with the page's base address. When several segments
// share the page the lowest owning handle is reported.
//
// It only reads the table, so it is safe to call from a recovered fault.
func (m *Manager) Owner(addr uintptr) (tcb.Handle, uintptr, bool) {
	page := addr &^ uintptr(m.pageSize-1)

	owners := make([]tcb.Handle, 0, len(m.segments))
	for h := range m.segments {
		owners = append(owners, h)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, h := range owners {
		for _, p := range m.segments[h].pages {
			if p.base == page {
				return h, page, true
			}
		}
	}
	return tcb.None, 0, false
}

// Stats is a snapshot of the segment table.
type Stats struct {
	Segments    int
	Pages       int    // distinct live pages
	SharedPages int    // live pages with refs > 1
	CowCopies   uint64 // pages copied on write so far
	PageSize    int
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Segments:  len(m.segments),
		CowCopies: m.cowCopies,
		PageSize:  m.pageSize,
	}
	seen := make(map[*Page]struct{})
	for _, seg := range m.segments {
		for _, p := range seg.pages {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			st.Pages++
			if p.Shared() {
				st.SharedPages++
			}
		}
	}
	return st
}
