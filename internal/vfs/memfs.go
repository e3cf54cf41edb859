package vfs

import (
	"fmt"
	"io/fs"
	"sync"
	"time"
)

const fileBlockSize = uint64(4096)

// memNode is one inode row, adapted from internal/vfs/backend.go's fsNode:
// the sparse per-block file-data map and dense child-name-to-inode map are
// kept verbatim in spirit, narrowed to drop the abstract-backing/xattr/ACL
// machinery FUSE guest compatibility needed that TrustOS's own VFS has no
// use for.
type memNode struct {
	id      uint64
	mode    fs.FileMode
	size    uint64
	blocks  map[uint64][]byte // regular files: block index -> block
	entries map[string]uint64 // directories: name -> child inode
	modTime time.Time
}

func newMemDir(id uint64, mode fs.FileMode) *memNode {
	return &memNode{id: id, mode: fs.ModeDir | mode, entries: make(map[string]uint64), modTime: time.Now()}
}

func newMemFile(id uint64, mode fs.FileMode) *memNode {
	return &memNode{id: id, mode: mode, blocks: make(map[uint64][]byte), modTime: time.Now()}
}

// MemFS is an in-memory Filesystem backing, the default (and currently
// only) concrete implementation mounted by lab/test harnesses.
type MemFS struct {
	mu     sync.RWMutex
	nodes  map[uint64]*memNode
	nextID uint64
}

// NewMemFS creates a MemFS with an empty root directory at inode 1.
func NewMemFS() *MemFS {
	m := &MemFS{nodes: make(map[uint64]*memNode), nextID: 2}
	m.nodes[1] = newMemDir(1, 0o755)
	return m
}

// RootInode implements Filesystem.
func (m *MemFS) RootInode() uint64 { return 1 }

func (m *MemFS) allocInode() uint64 {
	id := m.nextID
	m.nextID++
	return id
}

// Lookup implements Filesystem.
func (m *MemFS) Lookup(parent uint64, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("vfs: Lookup: %w", ErrNotFound)
	}
	if !p.mode.IsDir() {
		return 0, fmt.Errorf("vfs: Lookup: %w", ErrNotDir)
	}
	child, ok := p.entries[name]
	if !ok {
		return 0, fmt.Errorf("vfs: Lookup %q: %w", name, ErrNotFound)
	}
	return child, nil
}

// Create implements Filesystem: creates a regular file.
func (m *MemFS) Create(parent uint64, name string, mode fs.FileMode) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("vfs: Create: %w", ErrNotFound)
	}
	if !p.mode.IsDir() {
		return 0, fmt.Errorf("vfs: Create: %w", ErrNotDir)
	}
	if _, exists := p.entries[name]; exists {
		return 0, fmt.Errorf("vfs: Create %q: %w", name, ErrAlreadyExists)
	}
	id := m.allocInode()
	m.nodes[id] = newMemFile(id, mode)
	p.entries[name] = id
	return id, nil
}

// Mkdir implements Filesystem.
func (m *MemFS) Mkdir(parent uint64, name string, mode fs.FileMode) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("vfs: Mkdir: %w", ErrNotFound)
	}
	if !p.mode.IsDir() {
		return 0, fmt.Errorf("vfs: Mkdir: %w", ErrNotDir)
	}
	if _, exists := p.entries[name]; exists {
		return 0, fmt.Errorf("vfs: Mkdir %q: %w", name, ErrAlreadyExists)
	}
	id := m.allocInode()
	m.nodes[id] = newMemDir(id, mode)
	p.entries[name] = id
	return id, nil
}

// Unlink implements Filesystem.
func (m *MemFS) Unlink(parent uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.nodes[parent]
	if !ok {
		return fmt.Errorf("vfs: Unlink: %w", ErrNotFound)
	}
	childID, ok := p.entries[name]
	if !ok {
		return fmt.Errorf("vfs: Unlink %q: %w", name, ErrNotFound)
	}
	child := m.nodes[childID]
	if child.mode.IsDir() {
		if len(child.entries) > 0 {
			return fmt.Errorf("vfs: Unlink %q: %w", name, ErrNotEmpty)
		}
	}
	delete(p.entries, name)
	delete(m.nodes, childID)
	return nil
}

// ReadDir implements Filesystem.
func (m *MemFS) ReadDir(inode uint64) ([]DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[inode]
	if !ok {
		return nil, fmt.Errorf("vfs: ReadDir: %w", ErrNotFound)
	}
	if !n.mode.IsDir() {
		return nil, fmt.Errorf("vfs: ReadDir: %w", ErrNotDir)
	}
	out := make([]DirEntry, 0, len(n.entries))
	for name, childID := range n.entries {
		child := m.nodes[childID]
		out = append(out, DirEntry{Name: name, Inode: childID, IsDir: child.mode.IsDir()})
	}
	return out, nil
}

// Stat implements Filesystem.
func (m *MemFS) Stat(inode uint64) (Stat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[inode]
	if !ok {
		return Stat{}, fmt.Errorf("vfs: Stat: %w", ErrNotFound)
	}
	return Stat{Inode: n.id, Size: n.size, Mode: n.mode, ModTime: n.modTime, IsDir: n.mode.IsDir()}, nil
}

// ReadAt implements Filesystem, reading across whichever blocks overlap
// [off, off+size) the way fsNode.read does (sparse blocks read as zero).
func (m *MemFS) ReadAt(inode uint64, off uint64, size int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[inode]
	if !ok {
		return nil, fmt.Errorf("vfs: ReadAt: %w", ErrNotFound)
	}
	if n.mode.IsDir() {
		return nil, fmt.Errorf("vfs: ReadAt: %w", ErrIsDir)
	}
	if off >= n.size {
		return nil, nil
	}
	end := off + uint64(size)
	if end > n.size {
		end = n.size
	}
	if end <= off {
		return nil, nil
	}
	buf := make([]byte, end-off)
	first := off / fileBlockSize
	last := (end - 1) / fileBlockSize
	for bi := first; bi <= last; bi++ {
		b, ok := n.blocks[bi]
		if !ok {
			continue
		}
		bStart := bi * fileBlockSize
		bEnd := bStart + fileBlockSize
		start := maxU64(off, bStart)
		stop := minU64(end, bEnd)
		copy(buf[start-off:stop-off], b[start-bStart:stop-bStart])
	}
	return buf, nil
}

// WriteAt implements Filesystem, allocating blocks on demand (§4.H: writes
// may extend the file; sparse regions between blocks stay zero-filled).
func (m *MemFS) WriteAt(inode uint64, off uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[inode]
	if !ok {
		return 0, fmt.Errorf("vfs: WriteAt: %w", ErrNotFound)
	}
	if n.mode.IsDir() {
		return 0, fmt.Errorf("vfs: WriteAt: %w", ErrIsDir)
	}
	end := off + uint64(len(data))
	first := off / fileBlockSize
	last := (end - 1) / fileBlockSize
	for bi := first; bi <= last; bi++ {
		b, ok := n.blocks[bi]
		if !ok {
			b = make([]byte, fileBlockSize)
			n.blocks[bi] = b
		}
		bStart := bi * fileBlockSize
		bEnd := bStart + fileBlockSize
		start := maxU64(off, bStart)
		stop := minU64(end, bEnd)
		copy(b[start-bStart:stop-bStart], data[start-off:stop-off])
	}
	if end > n.size {
		n.size = end
	}
	n.modTime = time.Now()
	return len(data), nil
}

// Truncate implements Filesystem.
func (m *MemFS) Truncate(inode uint64, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[inode]
	if !ok {
		return fmt.Errorf("vfs: Truncate: %w", ErrNotFound)
	}
	if n.mode.IsDir() {
		return fmt.Errorf("vfs: Truncate: %w", ErrIsDir)
	}
	if size < n.size {
		keepBlocks := (size + fileBlockSize - 1) / fileBlockSize
		for bi := range n.blocks {
			if bi >= keepBlocks {
				delete(n.blocks, bi)
			}
		}
	}
	n.size = size
	n.modTime = time.Now()
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
