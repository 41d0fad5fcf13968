// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mmfregistry

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/xlock"
)

// ErrCorrupt is returned by Open when an existing registry file's magic or
// stamped layout does not match this build's (spec.md §5: "Magic is
// checked on open; mismatch means corrupt or wrong version").
var ErrCorrupt = errors.New("mmfregistry: corrupt or wrong-version registry file")

// ErrRegistryFull is returned by Register when all NumSlots entries are
// already taken.
var ErrRegistryFull = errors.New("mmfregistry: all slots are in use")

// ErrPathTooLong is returned by Register when path does not fit, with its
// NUL terminator, in PathSlotSize bytes.
var ErrPathTooLong = errors.New("mmfregistry: path exceeds string table slot size")

// ErrUnknownSlot is returned by operations addressing a slot id that is
// not currently registered.
var ErrUnknownSlot = errors.New("mmfregistry: slot id is not registered")

// DefaultPath returns the canonical location of the host-wide registry
// file: `Tomate.MMF.Registry.bin` under the OS's local application data
// directory (spec.md §5, "Path: OS local application data directory").
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "Tomate", "Tomate.MMF.Registry.bin"), nil
}

// Registry is a process's view onto the host-wide mapped-file registry.
// A Registry must not be copied after first use.
type Registry struct {
	_ cpu.NoCopy

	file *os.File
	data []byte
	root rootHeader

	mu    *xlock.ProcessMutex
	pid   uint32
	nonce uint32

	localMu sync.Mutex
	local   map[int32]uintptr // slot id -> this process's re-attached base address

	log *zap.Logger
}

// Option configures Open.
type Option func(*Registry)

// WithLogger sets the administrative logger used for registry file
// creation and corrupt-magic rejection events. A nil logger (the
// default) is replaced with zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Open opens, or creates and initializes, the registry file at path. Every
// process on the host that opens the same path shares the same on-disk
// slot table through a shared memory mapping.
func Open(path string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	// A brief advisory flock arbitrates which of several racing first
	// openers performs one-time zero-fill and header initialization;
	// the steady-state registry lock is the (pid, nonce) word inside
	// the header, per spec.md §5's cross-process mutex requirement.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, err
	}
	fresh, err := ensureSized(f)
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, FileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	r := &Registry{
		file:  f,
		data:  data,
		root:  rootHeader{addr: uintptr(unsafe.Pointer(&data[0]))},
		pid:   uint32(os.Getpid()),
		nonce: nonceFromUUID(),
		local: make(map[int32]uintptr),
	}
	r.mu = xlock.New(r.root.lockWord())
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}

	if fresh {
		r.root.initLayout()
		r.log.Info("mmfregistry: created registry file", zap.String("path", path))
	} else if *r.root.magic() != Magic || !r.root.layoutMatches() {
		_ = unix.Munmap(data)
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		r.log.Error("mmfregistry: rejecting corrupt or wrong-version registry file", zap.String("path", path))
		return nil, ErrCorrupt
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return r, nil
}

// ensureSized grows a just-created (empty) file to FileSize and reports
// whether it did so, i.e. whether this call is responsible for first-time
// initialization.
func ensureSized(f *os.File) (fresh bool, err error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() >= FileSize {
		return false, nil
	}
	if err := f.Truncate(FileSize); err != nil {
		return false, err
	}
	return true, nil
}

func nonceFromUUID() uint32 {
	u := uuid.New()
	return binary.LittleEndian.Uint32(u[:4])
}

// Close unmaps and closes the registry file. It does not clear this
// process's slot registrations; per spec.md §5 a registration's lifetime
// is process-exit, and the OS reclaiming the process's open file
// descriptors is what ultimately matters for a crash, not an orderly
// Close.
func (r *Registry) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

func (r *Registry) lock(ctx context.Context) error {
	return r.mu.Lock(ctx, r.pid, r.nonce)
}

func (r *Registry) unlock() {
	r.mu.Unlock(r.pid, r.nonce)
}

func (r *Registry) bitmapByte(slot int) *byte {
	return &r.data[bitmapOffset+slot/8]
}

func (r *Registry) slotTaken(slot int) bool {
	return *r.bitmapByte(slot)&(1<<uint(slot%8)) != 0
}

func (r *Registry) setSlot(slot int, taken bool) {
	b := r.bitmapByte(slot)
	if taken {
		*b |= 1 << uint(slot%8)
	} else {
		*b &^= 1 << uint(slot%8)
	}
}

func (r *Registry) pathSlot(slot int) []byte {
	off := stringTableOffset + slot*PathSlotSize
	return r.data[off : off+PathSlotSize]
}

// Register claims a free slot, stamps path (the absolute path of a newly
// created mapped file) into its string-table entry, and returns the slot
// id. It is how a shared-memory manager "registers itself with the
// host-wide registry" on creation (spec.md §5).
func (r *Registry) Register(ctx context.Context, path string) (int32, error) {
	if len(path)+1 > PathSlotSize {
		return 0, ErrPathTooLong
	}
	if err := r.lock(ctx); err != nil {
		return 0, err
	}
	defer r.unlock()

	for slot := 0; slot < NumSlots; slot++ {
		if r.slotTaken(slot) {
			continue
		}
		r.setSlot(slot, true)
		dst := r.pathSlot(slot)
		clear(dst)
		copy(dst, path)
		r.root.entryCount().Add(1)
		return int32(slot), nil
	}
	return 0, ErrRegistryFull
}

// Lookup returns the absolute path recorded for slotID. ok is false if the
// slot is not currently registered.
func (r *Registry) Lookup(slotID int32) (path string, ok bool) {
	if slotID < 0 || int(slotID) >= NumSlots {
		return "", false
	}
	if !r.slotTaken(int(slotID)) {
		return "", false
	}
	raw := r.pathSlot(int(slotID))
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), true
}

// Reattach records this process's own mapped base address for slotID. On
// open, a shared-memory manager reads the slot id it was assigned at
// creation out of its own root header and calls Reattach to translate
// that slot into a usable address in the current process — a raw address
// has no meaning across address spaces, so this table lives purely
// in-process rather than inside the shared file (spec.md §5, "used to
// translate offset-encoded segments across process boundaries").
func (r *Registry) Reattach(slotID int32, baseAddr uintptr) {
	r.localMu.Lock()
	r.local[slotID] = baseAddr
	r.localMu.Unlock()
}

// BaseAddress returns this process's re-attached base address for slotID,
// as last set by Reattach.
func (r *Registry) BaseAddress(slotID int32) (uintptr, bool) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	addr, ok := r.local[slotID]
	return addr, ok
}

// Unregister releases slotID, clearing its bitmap bit, zeroing its string
// entry, and dropping any re-attached address this process held for it.
func (r *Registry) Unregister(ctx context.Context, slotID int32) error {
	if slotID < 0 || int(slotID) >= NumSlots {
		return ErrUnknownSlot
	}
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	if !r.slotTaken(int(slotID)) {
		return ErrUnknownSlot
	}
	clear(r.pathSlot(int(slotID)))
	r.setSlot(int(slotID), false)
	r.root.entryCount().Add(^uint32(0))

	r.localMu.Lock()
	delete(r.local, slotID)
	r.localMu.Unlock()
	return nil
}

// EntryCount returns the number of currently registered slots.
func (r *Registry) EntryCount() uint32 { return r.root.entryCount().Load() }
