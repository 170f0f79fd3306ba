package emu

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/rivulet-emu/rivulet/riscv"
)

// 2**12 = 4 KiB, the riscv64 Linux page size; also what we report in
// AT_PAGESZ, so the two must not diverge.
const (
	PageAddrSize = 12
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

const (
	permRead  = riscv.PermRead
	permWrite = riscv.PermWrite
	permExec  = riscv.PermExec
)

type Page [PageSize]byte

// region is a mapped [start, end) span of the guest address space.
// Regions are kept sorted and non-overlapping; adjacent regions with equal
// permissions are merged on map.
type region struct {
	start uint64
	end   uint64
	perms uint64
}

// Memory is the guest's flat address space: sparse 4 KiB pages allocated on
// first write, plus a region table deciding which addresses may be touched
// at all. Reads of mapped-but-never-written pages yield zeroes.
type Memory struct {
	pages   map[uint64]*Page
	regions []region

	// two caches: we often read instructions from one page, and do memory
	// things with another page. this prevents map lookups each instruction
	lastPageKeys [2]uint64
	lastPage     [2]*Page
}

func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[uint64]*Page),
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
	}
}

func (m *Memory) PageCount() int {
	return len(m.pages)
}

// Mmap maps [addr, addr+size) with the given permissions, page-aligning
// outwards. Remapping over an existing region adjusts its permissions.
func (m *Memory) Mmap(addr, size, perms uint64) error {
	if size == 0 {
		return fmt.Errorf("zero-size mapping at 0x%x", addr)
	}
	start := addr &^ uint64(PageAddrMask)
	end := (addr + size + PageAddrMask) &^ uint64(PageAddrMask)
	if end <= start {
		return fmt.Errorf("mapping wraps address space: 0x%x + 0x%x", addr, size)
	}
	m.insertRegion(region{start: start, end: end, perms: perms})
	return nil
}

// Protect changes the permissions of [addr, addr+size), which must already
// be mapped.
func (m *Memory) Protect(addr, size, perms uint64) error {
	start := addr &^ uint64(PageAddrMask)
	end := (addr + size + PageAddrMask) &^ uint64(PageAddrMask)
	for a := start; a < end; {
		r := m.findRegion(a)
		if r == nil {
			return fmt.Errorf("mprotect of unmapped address 0x%x", a)
		}
		next := r.end
		m.insertRegion(region{start: a, end: min64(end, r.end), perms: perms})
		a = next
	}
	return nil
}

// insertRegion splices a region into the sorted table, splitting and
// trimming whatever it overlaps, then merges equal-perm neighbours.
func (m *Memory) insertRegion(nr region) {
	out := make([]region, 0, len(m.regions)+2)
	for _, r := range m.regions {
		if r.end <= nr.start || r.start >= nr.end {
			out = append(out, r)
			continue
		}
		if r.start < nr.start {
			out = append(out, region{start: r.start, end: nr.start, perms: r.perms})
		}
		if r.end > nr.end {
			out = append(out, region{start: nr.end, end: r.end, perms: r.perms})
		}
	}
	out = append(out, nr)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })

	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && merged[n-1].end == r.start && merged[n-1].perms == r.perms {
			merged[n-1].end = r.end
			continue
		}
		merged = append(merged, r)
	}
	m.regions = merged
}

func (m *Memory) findRegion(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end > addr
	})
	if i == len(m.regions) || m.regions[i].start > addr {
		return nil
	}
	return &m.regions[i]
}

// checkRange panics with *SegFault unless the whole [addr, addr+width) span
// lies in one mapped region carrying perm.
func (m *Memory) checkRange(addr, width, perm uint64) {
	r := m.findRegion(addr)
	if r == nil || r.perms&perm != perm || addr+width > r.end || addr+width < addr {
		panic(&SegFault{Addr: addr, Width: width, Perm: perm})
	}
}

// Mapped reports whether [addr, addr+width) is accessible with perm.
func (m *Memory) Mapped(addr, width, perm uint64) bool {
	r := m.findRegion(addr)
	return r != nil && r.perms&perm == perm && addr+width <= r.end && addr+width >= addr
}

func (m *Memory) pageLookup(pageIndex uint64) (*Page, bool) {
	// hit caches
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}

	return p, ok
}

func (m *Memory) allocPage(pageIndex uint64) *Page {
	p := &Page{}
	m.pages[pageIndex] = p
	return p
}

// setUnaligned writes raw bytes without a permission check; the exported
// accessors and the VM go through checkRange first. Writes may straddle a
// page boundary and are decomposed byte-wise, so no host alignment is
// assumed.
func (m *Memory) setUnaligned(addr uint64, dat []byte) {
	if len(dat) > 32 {
		panic("cannot set more than 32 bytes")
	}
	pageIndex := addr >> PageAddrSize
	pageAddr := addr & PageAddrMask
	p, ok := m.pageLookup(pageIndex)
	if !ok {
		// allocate the page just in time: mapped ranges may be large, pages are lazy
		p = m.allocPage(pageIndex)
	}

	d := copy(p[pageAddr:], dat)
	if d == len(dat) {
		return // if all the data fitted in the page, we're done
	}

	// continue to remaining part
	addr += uint64(d)
	pageIndex = addr >> PageAddrSize
	p, ok = m.pageLookup(pageIndex)
	if !ok {
		p = m.allocPage(pageIndex)
	}
	copy(p[:], dat[d:])
}

func (m *Memory) getUnaligned(addr uint64, dest []byte) {
	if len(dest) > 32 {
		panic("cannot get more than 32 bytes")
	}
	pageIndex := addr >> PageAddrSize
	pageAddr := addr & PageAddrMask
	p, ok := m.pageLookup(pageIndex)
	var d int
	if !ok {
		l := uint64(PageSize) - pageAddr
		if l > 32 {
			l = 32
		}
		var zeroes [32]byte
		d = copy(dest, zeroes[:l])
	} else {
		d = copy(dest, p[pageAddr:])
	}

	if d == len(dest) {
		return // if all the data fitted in the page, we're done
	}

	// continue to remaining part
	addr += uint64(d)
	pageIndex = addr >> PageAddrSize
	p, ok = m.pageLookup(pageIndex)
	if !ok {
		var zeroes [32]byte
		copy(dest[d:], zeroes[:len(dest)-d])
	} else {
		copy(dest[d:], p[:len(dest)-d])
	}
}

// SetMemoryRange streams r into memory at addr. The range must be mapped
// writable; used by the ELF loader after Mmap.
func (m *Memory) SetMemoryRange(addr uint64, r io.Reader) error {
	for {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		n, err := r.Read(p[pageAddr:])
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		addr += uint64(n)
	}
}

type memReader struct {
	m     *Memory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}

	// Keep iterating over memory until we have all our data.
	// It may not be aligned to a page boundary.
	endAddr := r.addr + r.count

	pageIndex := r.addr >> PageAddrSize
	start := r.addr & PageAddrMask
	end := uint64(PageSize)

	if pageIndex == (endAddr >> PageAddrSize) {
		end = endAddr & PageAddrMask
	}
	p, ok := r.m.pageLookup(pageIndex)
	if ok {
		n = copy(dest, p[start:end])
	} else {
		n = copy(dest, make([]byte, end-start)) // default to zeroes
	}
	r.addr += uint64(n)
	r.count -= uint64(n)
	return n, nil
}

// ReadMemoryRange returns a reader over [addr, addr+count); the caller is
// expected to have validated the range.
func (m *Memory) ReadMemoryRange(addr uint64, count uint64) io.Reader {
	return &memReader{m: m, addr: addr, count: count}
}

func (m *Memory) Usage() string {
	total := uint64(len(m.pages)) * PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}

type pageEntry struct {
	Index uint64 `json:"index"`
	Data  *Page  `json:"data"`
}

type regionEntry struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Perms uint64 `json:"perms"`
}

type memorySnapshot struct {
	Pages   []pageEntry   `json:"pages"`
	Regions []regionEntry `json:"regions"`
}

func (p *Page) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p[:]))
}

func (p *Page) UnmarshalJSON(dat []byte) error {
	var s string
	if err := json.Unmarshal(dat, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != PageSize {
		return fmt.Errorf("invalid page length %d", len(raw))
	}
	copy(p[:], raw)
	return nil
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	snap := memorySnapshot{
		Pages:   make([]pageEntry, 0, len(m.pages)),
		Regions: make([]regionEntry, 0, len(m.regions)),
	}
	for k, p := range m.pages {
		snap.Pages = append(snap.Pages, pageEntry{Index: k, Data: p})
	}
	sort.Slice(snap.Pages, func(i, j int) bool {
		return snap.Pages[i].Index < snap.Pages[j].Index
	})
	for _, r := range m.regions {
		snap.Regions = append(snap.Regions, regionEntry{Start: r.start, End: r.end, Perms: r.perms})
	}
	return json.Marshal(&snap)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.pages = make(map[uint64]*Page)
	m.regions = nil
	m.lastPageKeys = [2]uint64{^uint64(0), ^uint64(0)}
	m.lastPage = [2]*Page{nil, nil}
	for i, p := range snap.Pages {
		if _, ok := m.pages[p.Index]; ok {
			return fmt.Errorf("cannot load duplicate page, entry %d, page index %d", i, p.Index)
		}
		m.pages[p.Index] = p.Data
	}
	for _, r := range snap.Regions {
		m.regions = append(m.regions, region{start: r.Start, end: r.End, perms: r.Perms})
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
