// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/mmfregistry"
	"code.hybscloud.com/tomate/xlock"
)

func alignUp16(n uint32) uint32 { return (n + 15) &^ 15 }

// Handle references a live allocation inside the mapped file.
type Handle struct {
	payloadAddr uintptr
	payloadLen  uintptr
	headerAddr  uintptr
	zero        bool
}

// Bytes returns the writable payload view.
func (h Handle) Bytes() []byte {
	if h.zero || h.payloadLen == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(h.payloadAddr)), int(h.payloadLen))
}

// Len returns the payload length in bytes.
func (h Handle) Len() int { return int(h.payloadLen) }

var zeroHandle = Handle{zero: true}

// Option configures Open.
type Option func(*config)

type config struct {
	pageCount          uint32
	resourceCapacity   uint32
	shrinkOnFinalClose bool
	registry           *mmfregistry.Registry
	log                *zap.Logger
}

// WithPageCount sets the total page count for a freshly created file
// (ignored when opening an existing one). Default: 256 pages.
func WithPageCount(n uint32) Option { return func(c *config) { c.pageCount = n } }

// WithResourceCapacity sets the resource locator's entry capacity for a
// freshly created file. Default: 256 entries.
func WithResourceCapacity(n uint32) Option { return func(c *config) { c.resourceCapacity = n } }

// WithShrinkOnFinalClose sets whether the file is truncated to its
// highest still-allocated page when the last attached process detaches
// (spec.md §4.3, "Shutdown").
func WithShrinkOnFinalClose(v bool) Option { return func(c *config) { c.shrinkOnFinalClose = v } }

// WithRegistry supplies the host-wide MMF registry to register this file
// with. Default: mmfregistry.Open(mmfregistry.DefaultPath()).
func WithRegistry(r *mmfregistry.Registry) Option { return func(c *config) { c.registry = r } }

// WithLogger sets the administrative logger.
func WithLogger(log *zap.Logger) Option { return func(c *config) { c.log = log } }

// Manager is one process's attachment to a shared-memory-manager mapped
// file (spec component E).
type Manager struct {
	_ cpu.NoCopy

	file *os.File
	data []byte
	base uintptr
	root rootHeader
	tbl  pageTable

	registry *mmfregistry.Registry
	slotID   int32

	pid        uint32
	nonce      uint32
	sessionIdx int

	log *zap.Logger
}

// Open opens, or creates and initializes, the shared-memory-manager file
// at path.
func Open(path string, opts ...Option) (*Manager, error) {
	cfg := config{pageCount: 256, resourceCapacity: 256}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	// An existing file keeps the page count and resource capacity recorded
	// in its root header; the options only size a freshly created file.
	var hdr [offResourceCapacity + 4]byte
	if _, err := f.ReadAt(hdr[:], 0); err == nil && binary.NativeEndian.Uint32(hdr[offMagic:]) == Magic {
		cfg.pageCount = binary.NativeEndian.Uint32(hdr[offPageCount:])
		cfg.resourceCapacity = binary.NativeEndian.Uint32(hdr[offResourceCapacity:])
	}
	layout := computeLayout(DefaultPageSize, cfg.pageCount, cfg.resourceCapacity)
	// A file is only "fresh" when it had no prior content at all. A
	// smaller-than-layout size on a non-empty file means a previous
	// session truncated it under WithShrinkOnFinalClose; it must be
	// grown back in place, not reinitialized, or its header and page
	// table would be lost.
	fresh := info.Size() == 0
	if info.Size() < int64(layout.fileSize) {
		if err := f.Truncate(int64(layout.fileSize)); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(layout.fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	m := &Manager{
		file:       f,
		data:       data,
		base:       base,
		root:       rootHeader{addr: base},
		pid:        uint32(os.Getpid()),
		nonce:      nonceFromUUID(),
		sessionIdx: -1,
		log:        cfg.log,
	}
	m.tbl = pageTable{
		bitsAddr: base + uintptr(layout.bitmapOffset),
		nbits:    int(cfg.pageCount),
		dirAddr:  base + uintptr(layout.dirOffset),
	}

	if fresh {
		m.initFresh(layout, cfg)
		m.log.Info("smm: created mapped file", zap.String("path", path))
	} else if *m.root.magic() != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, ErrCorrupt
	}

	reg := cfg.registry
	if reg == nil {
		regPath, err := mmfregistry.DefaultPath()
		if err != nil {
			_ = unix.Munmap(data)
			_ = f.Close()
			return nil, err
		}
		reg, err = mmfregistry.Open(regPath, mmfregistry.WithLogger(cfg.log))
		if err != nil {
			_ = unix.Munmap(data)
			_ = f.Close()
			return nil, err
		}
	}
	m.registry = reg

	if fresh {
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		slot, err := reg.Register(context.Background(), absPath)
		if err != nil {
			_ = unix.Munmap(data)
			_ = f.Close()
			return nil, err
		}
		*m.root.mmfRegistrySlotID() = slot
		m.slotID = slot
	} else {
		m.slotID = *m.root.mmfRegistrySlotID()
	}
	reg.Reattach(m.slotID, base)

	if err := m.attach(); err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

type fileLayout struct {
	pageSize, pageCount         uint32
	bitmapOffset, bitmapSize    uint32
	dirOffset, dirSize          uint32
	resourceOffset              uint32
	resourceCapacity            uint32
	firstFreePage               uint32
	fileSize                    uint64
}

func computeLayout(pageSize, pageCount, resourceCapacity uint32) fileLayout {
	bitmapSize := (pageCount + 7) / 8
	dirSize := pageCount * 4
	resourceBytes := resourceCapacity * resourceEntrySize

	bitmapPages := (bitmapSize + pageSize - 1) / pageSize
	dirPages := (dirSize + pageSize - 1) / pageSize
	resourcePages := (resourceBytes + pageSize - 1) / pageSize

	bitmapOffset := pageSize // page 0 is the root header
	dirOffset := bitmapOffset + bitmapPages*pageSize
	resourceOffset := dirOffset + dirPages*pageSize
	firstFreePage := 1 + bitmapPages + dirPages + resourcePages

	return fileLayout{
		pageSize:         pageSize,
		pageCount:        pageCount,
		bitmapOffset:     bitmapOffset,
		bitmapSize:       bitmapSize,
		dirOffset:        dirOffset,
		dirSize:          dirSize,
		resourceOffset:   resourceOffset,
		resourceCapacity: resourceCapacity,
		firstFreePage:    firstFreePage,
		fileSize:         uint64(pageCount) * uint64(pageSize),
	}
}

func (m *Manager) initFresh(layout fileLayout, cfg config) {
	*m.root.magic() = Magic
	*m.root.pageSize() = layout.pageSize
	*m.root.pageCount() = layout.pageCount
	*m.root.pageBitmapOffset() = layout.bitmapOffset
	*m.root.pageBitmapSize() = layout.bitmapSize
	*m.root.pageDirectoryOffset() = layout.dirOffset
	*m.root.pageDirectorySize() = layout.dirSize
	*m.root.resourceDictOffset() = layout.resourceOffset
	*m.root.resourceCapacity() = layout.resourceCapacity
	if cfg.shrinkOnFinalClose {
		*m.root.shrinkOnFinalClose() = 1
	}

	// Pre-reserve the header, bitmap, directory and resource-dictionary
	// pages so the page allocator never hands them out (spec.md §4.1,
	// "a sentinel span is pre-reserved at construction").
	m.tbl.dir(0).Store(packPageDir(uint16(layout.firstFreePage), 1))
	m.tbl.tryReserve(0, int(layout.firstFreePage))
}

func (m *Manager) layout() fileLayout {
	return fileLayout{
		pageSize:         *m.root.pageSize(),
		pageCount:        *m.root.pageCount(),
		resourceOffset:   *m.root.resourceDictOffset(),
		resourceCapacity: *m.root.resourceCapacity(),
	}
}

func (m *Manager) resourceDict() resourceDict {
	l := m.layout()
	return resourceDict{addr: m.base + uintptr(l.resourceOffset), capacity: l.resourceCapacity}
}

// attach claims a session-table slot for this process (spec.md §3, "MMF
// root header ... session table"). Each slot is itself a cross-process
// ProcessMutex word, so a slot whose recorded pid has died without calling
// Detach is reclaimed exactly like any other ProcessMutex holder (spec.md
// §9's open question on session-lock crash recovery, resolved the same
// way as the per-group allocator lock in allocator.go).
func (m *Manager) attach() error {
	for i := 0; i < NumSessions; i++ {
		pm := xlock.New(m.root.sessionSlot(i))
		acquired, reclaimed := pm.TryLockReclaim(m.pid, m.nonce)
		if !acquired {
			continue
		}
		if !reclaimed {
			m.root.attachedCount().Add(1)
		}
		m.sessionIdx = i
		return nil
	}
	return ErrOutOfMemory
}

// Detach releases this process's session slot and, if it was the last
// attached process and shrink-on-final-close is set, truncates the file
// to its highest still-allocated page (spec.md §4.3, "Shutdown").
func (m *Manager) Detach() error {
	if m.sessionIdx >= 0 {
		xlock.New(m.root.sessionSlot(m.sessionIdx)).Unlock(m.pid, m.nonce)
		remaining := m.root.attachedCount().Add(^uint32(0))
		if remaining == 0 && *m.root.shrinkOnFinalClose() != 0 {
			m.shrink()
		}
		m.sessionIdx = -1
	}
	return m.Close()
}

func (m *Manager) shrink() {
	highest := uint32(0)
	for i := 0; i < m.tbl.nbits; i++ {
		if m.tbl.test(i) {
			highest = uint32(i)
		}
	}
	newSize := uint64(highest+1) * uint64(*m.root.pageSize())
	if err := m.file.Truncate(int64(newSize)); err != nil {
		m.log.Error("smm: shrink-on-final-close truncate failed", zap.Error(err))
	}
}

// Close unmaps and closes the file without touching session or shrink
// state; callers that want orderly last-process shrink semantics should
// call Detach instead.
func (m *Manager) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	return m.file.Close()
}

func nonceFromUUID() uint32 {
	u := uuid.New()
	return uint32(u[0]) | uint32(u[1])<<8 | uint32(u[2])<<16 | uint32(u[3])<<24
}

func (m *Manager) pickSlot() int {
	n := m.root.allocatorCounter().Add(1)
	return int(n % NumAllocatorSlots)
}

// Allocate reserves n bytes from a round-robin-selected allocator slot,
// growing a fresh group (and, if needed, a fresh slot chain) on demand
// (spec.md §4.3).
func (m *Manager) Allocate(ctx context.Context, n int) (Handle, error) {
	if n == 0 {
		return zeroHandle, nil
	}
	if n < 0 {
		return Handle{}, ErrInvalidAllocationSize
	}
	required := alignUp16(uint32(block.AlignUp16(block.LargeHeaderSize)) + uint32(n))
	if required+groupHeaderLen > AllocatorGroupPages*(*m.root.pageSize()) {
		return Handle{}, ErrInvalidAllocationSize
	}

	slotIdx := m.pickSlot()
	rootPtr := m.root.allocatorRoot(slotIdx)

	for {
		head := rootPtr.Load()
		for pageIdx := head; pageIdx != noGroupLink; {
			g := groupAt(m.base, pageIdx, *m.root.pageSize())
			if err := g.lock(ctx, m.pid, m.nonce); err != nil {
				return Handle{}, err
			}
			h, ok := g.allocate(required, pageIdx)
			if ok {
				g.unlock(m.pid, m.nonce)
				return Handle{
					payloadAddr: h.PayloadAddr(),
					payloadLen:  uintptr(n),
					headerAddr:  h.Addr(),
				}, nil
			}
			g.unlock(m.pid, m.nonce)
			pageIdx = *g.nextLink()
		}

		newPage, ok := m.tbl.allocatePages(AllocatorGroupPages)
		if !ok {
			return Handle{}, ErrOutOfMemory
		}
		g := groupAt(m.base, uint32(newPage), *m.root.pageSize())
		g.init()
		*g.nextLink() = head
		if !rootPtr.CompareAndSwap(head, uint32(newPage)) {
			// Lost the race to grow; release the pages and retry against
			// whatever another goroutine/process just linked in.
			m.tbl.freePages(newPage)
			continue
		}
		if err := g.lock(ctx, m.pid, m.nonce); err != nil {
			return Handle{}, err
		}
		h, ok := g.allocate(required, uint32(newPage))
		g.unlock(m.pid, m.nonce)
		if !ok {
			return Handle{}, ErrOutOfMemory
		}
		return Handle{
			payloadAddr: h.PayloadAddr(),
			payloadLen:  uintptr(n),
			headerAddr:  h.Addr(),
		}, nil
	}
}

func (m *Manager) groupOf(h block.LargeHeader) groupView {
	pageIdx := h.Gen().BlockAllocatorIndex()
	return groupAt(m.base, pageIdx, *m.root.pageSize())
}

// owns reports whether addr falls within this Manager's mapped file, the
// only reliable way to tell a foreign handle from a native one since both
// share the same in-process address space once mapped.
func (m *Manager) owns(addr uintptr) bool {
	return addr >= m.base && addr < m.base+uintptr(len(m.data))
}

// AddRef increments h's reference count.
func (m *Manager) AddRef(h Handle) error {
	if h.zero || h.payloadLen == 0 {
		return nil
	}
	if !m.owns(h.headerAddr) {
		return ErrNotOwned
	}
	block.LargeHeaderAt(h.headerAddr).AddRef()
	return nil
}

// Free decrements h's reference count, returning the block to its
// group's freed list once the count reaches zero (spec.md §4.3, "Block
// translation").
func (m *Manager) Free(ctx context.Context, h Handle) error {
	if h.zero || h.payloadLen == 0 {
		return nil
	}
	if !m.owns(h.headerAddr) {
		return ErrNotOwned
	}
	lh := block.LargeHeaderAt(h.headerAddr)
	_, released := lh.Free()
	if !released {
		return nil
	}
	g := m.groupOf(lh)
	if err := g.lock(ctx, m.pid, m.nonce); err != nil {
		return err
	}
	defer g.unlock(m.pid, m.nonce)
	g.release(g.idOf(h.headerAddr))
	return nil
}

// Resize reallocates h to n bytes, copying the payload and preserving
// ref_counter, exactly as GPMM's Resize does (spec.md §4.2, "Large
// blocks: always reallocate-copy-free").
func (m *Manager) Resize(ctx context.Context, h Handle, n int) (Handle, error) {
	if !h.zero && h.payloadLen > 0 && !m.owns(h.headerAddr) {
		return Handle{}, ErrNotOwned
	}
	nh, err := m.Allocate(ctx, n)
	if err != nil {
		return Handle{}, err
	}
	if !h.zero && h.payloadLen > 0 {
		copy(nh.Bytes(), h.Bytes())
		old := block.LargeHeaderAt(h.headerAddr)
		refCounter := old.Gen().RefCounter()
		if !nh.zero {
			nlh := block.LargeHeaderAt(nh.headerAddr)
			nlh.SetGen(nlh.Gen().WithRefCounter(refCounter))
		}
		if refCounter > 1 {
			old.SetGen(old.Gen().WithRefCounter(1))
		}
		_ = m.Free(ctx, h)
	}
	return nh, nil
}

// AddResource stores handle under key, failing with ErrDuplicateKey if
// key is already present (spec.md §4.3, "add_resource(key, facade)").
func (m *Manager) AddResource(key String64, handle uint64) error {
	return m.resourceDict().add(key, handle)
}

// TryGetResource returns the handle stored under key, if present
// (spec.md §4.3, "try_get_resource<T>(key) -> reference or not-found").
func (m *Manager) TryGetResource(key String64) (uint64, bool) {
	return m.resourceDict().tryGet(key)
}

// RemoveResource releases the slot holding key (spec.md §4.3,
// "remove_resource(key) releases the data-store slot").
func (m *Manager) RemoveResource(key String64) error {
	return m.resourceDict().remove(key)
}

// SlotID returns this file's registry slot id.
func (m *Manager) SlotID() int32 { return m.slotID }
