// Package vfs implements the VFS + Mount module (§4.H): path resolution
// through a mount table, an Inode/FileOps/DirOps capability set, and
// first-class pipes. It is grounded on internal/vfs/backend.go's fsNode —
// the sparse per-block file storage (map[blockIndex][]byte), dense inode-id
// allocation, and read/write/truncate block-math are kept and adapted —
// narrowed from a full virtiofs/FUSE server (Lookup/Open/Read/ReadDir/...
// wire handlers keyed by FUSE opcode) to an in-kernel capability set keyed
// directly by Go method call, since TrustOS's VFS has no wire protocol to
// speak (§9's capability-set design note).
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Error kinds (§4.H).
var (
	ErrNotFound          = errors.New("vfs: not found")
	ErrPermissionDenied  = errors.New("vfs: permission denied")
	ErrAlreadyExists     = errors.New("vfs: already exists")
	ErrNotDir            = errors.New("vfs: not a directory")
	ErrIsDir             = errors.New("vfs: is a directory")
	ErrNotEmpty          = errors.New("vfs: directory not empty")
	ErrInvalidPath       = errors.New("vfs: invalid path")
	ErrInvalidData       = errors.New("vfs: invalid data")
	ErrNoSpace           = errors.New("vfs: no space left")
	ErrIOError           = errors.New("vfs: io error")
	ErrReadOnly          = errors.New("vfs: read-only filesystem")
	ErrBusy              = errors.New("vfs: busy")
	ErrBadFd             = errors.New("vfs: bad file descriptor")
	ErrTooManyOpenFiles  = errors.New("vfs: too many open files")
	ErrNotSupported      = errors.New("vfs: not supported")
)

// OpenFlag mirrors the §4.H open flags.
type OpenFlag int

const (
	RDONLY OpenFlag = 0
	WRONLY OpenFlag = 1 << iota
	RDWR
	CREAT
	TRUNC
	APPEND
)

func (f OpenFlag) writable() bool { return f&(WRONLY|RDWR) != 0 }
func (f OpenFlag) readable() bool { return f&RDWR != 0 || f&WRONLY == 0 }

// Stat is the metadata `stat(path)` reports.
type Stat struct {
	Inode   uint64
	Size    uint64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

// DirEntry is one `readdir` result row.
type DirEntry struct {
	Name  string
	Inode uint64
	IsDir bool
}

// Filesystem is the capability set a mounted backing must expose: Inode
// identity plus FileOps (read/write/truncate/stat) and DirOps
// (lookup/create/mkdir/unlink/readdir), kept as one interface since every
// concrete backing in this tree (MemFS) implements both without needing the
// split the teacher's AbstractFile/AbstractDir split served for FUSE
// marshaling.
type Filesystem interface {
	RootInode() uint64
	Lookup(parent uint64, name string) (uint64, error)
	Create(parent uint64, name string, mode fs.FileMode) (uint64, error)
	Mkdir(parent uint64, name string, mode fs.FileMode) (uint64, error)
	Unlink(parent uint64, name string) error
	ReadDir(inode uint64) ([]DirEntry, error)
	Stat(inode uint64) (Stat, error)
	ReadAt(inode uint64, off uint64, size int) ([]byte, error)
	WriteAt(inode uint64, off uint64, data []byte) (int, error)
	Truncate(inode uint64, size uint64) error
}

// MountTable maps path prefixes to a Filesystem, resolving the longest
// matching prefix first (§4.H: "strip the longest matching mount prefix;
// walk the remainder one component at a time through DirOps").
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]Filesystem
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[string]Filesystem)}
}

// Mount attaches fsImpl at prefix.
func (mt *MountTable) Mount(prefix string, fsImpl Filesystem) error {
	if fsImpl == nil {
		return fmt.Errorf("vfs: Mount: %w", ErrInvalidPath)
	}
	prefix = normalize(prefix)
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.mounts[prefix] = fsImpl
	return nil
}

func normalize(p string) string {
	p = path.Clean("/" + p)
	return p
}

// resolveMount finds the longest mount prefix covering p and returns the
// filesystem plus the remaining path relative to that mount's root.
func (mt *MountTable) resolveMount(p string) (Filesystem, string, error) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var bestPrefix string
	var best Filesystem
	for prefix, f := range mt.mounts {
		if prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			if len(prefix) >= len(bestPrefix) {
				bestPrefix, best = prefix, f
			}
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("vfs: resolve %q: %w", p, ErrNotFound)
	}
	rel := strings.TrimPrefix(p, bestPrefix)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel, nil
}

// resolve walks rel one component at a time through Lookup, starting at
// fsImpl's root inode, short-circuiting with ErrNotFound on the first
// failed lookup (§4.H: "lookup failures short-circuit with not-found").
func resolve(fsImpl Filesystem, rel string) (uint64, error) {
	inode := fsImpl.RootInode()
	if rel == "" {
		return inode, nil
	}
	for _, comp := range strings.Split(rel, "/") {
		if comp == "" {
			continue
		}
		next, err := fsImpl.Lookup(inode, comp)
		if err != nil {
			return 0, err
		}
		inode = next
	}
	return inode, nil
}

// resolveParent resolves the parent directory of p and returns it alongside
// the final path component.
func (mt *MountTable) resolveParent(p string) (Filesystem, uint64, string, error) {
	p = normalize(p)
	dir, name := path.Split(p)
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return nil, 0, "", fmt.Errorf("vfs: resolveParent %q: %w", p, ErrInvalidPath)
	}
	fsImpl, rel, err := mt.resolveMount(strings.TrimSuffix(dir, "/"))
	if err != nil {
		return nil, 0, "", err
	}
	parentInode, err := resolve(fsImpl, rel)
	if err != nil {
		return nil, 0, "", err
	}
	return fsImpl, parentInode, name, nil
}

// VFS is the top-level namespace: a mount table plus the path-taking
// operations (§4.H) built on top of it.
type VFS struct {
	Mounts *MountTable
}

// New creates an empty VFS.
func New() *VFS { return &VFS{Mounts: NewMountTable()} }

// OpenFile is one open-file-description (§4.H: "every open fd carries
// {backing_kind, offset, flags}"); fork clones the fd table but shares the
// *OpenFile, matching POSIX's shared-offset dup semantics.
type OpenFile struct {
	mu    sync.Mutex
	fs    Filesystem
	inode uint64
	flags OpenFlag
	pos   uint64
}

// Open resolves path, optionally creating it (CREAT), and returns an
// OpenFile descriptor. With TRUNC the file is truncated to zero length.
func (v *VFS) Open(pathStr string, flags OpenFlag, mode fs.FileMode) (*OpenFile, error) {
	pathStr = normalize(pathStr)
	fsImpl, rel, err := v.Mounts.resolveMount(pathStr)
	if err != nil {
		return nil, err
	}
	inode, err := resolve(fsImpl, rel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) || flags&CREAT == 0 {
			return nil, err
		}
		parentFs, parentInode, name, perr := v.Mounts.resolveParent(pathStr)
		if perr != nil {
			return nil, perr
		}
		inode, err = parentFs.Create(parentInode, name, mode)
		if err != nil {
			return nil, err
		}
		fsImpl = parentFs
	}

	if flags&TRUNC != 0 {
		if err := fsImpl.Truncate(inode, 0); err != nil {
			return nil, err
		}
	}
	return &OpenFile{fs: fsImpl, inode: inode, flags: flags}, nil
}

// Read reads into buf starting at the file's current offset.
func (f *OpenFile) Read(buf []byte) (int, error) {
	if !f.flags.readable() {
		return 0, fmt.Errorf("vfs: Read: %w", ErrPermissionDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.fs.ReadAt(f.inode, f.pos, len(buf))
	if err != nil {
		return 0, err
	}
	n := copy(buf, data)
	f.pos += uint64(n)
	return n, nil
}

// Write writes data at the file's current offset, recomputing the offset
// from the current size first when APPEND is set (§4.H).
func (f *OpenFile) Write(data []byte) (int, error) {
	if !f.flags.writable() {
		return 0, fmt.Errorf("vfs: Write: %w", ErrPermissionDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&APPEND != 0 {
		st, err := f.fs.Stat(f.inode)
		if err != nil {
			return 0, err
		}
		f.pos = st.Size
	}
	n, err := f.fs.WriteAt(f.inode, f.pos, data)
	if err != nil {
		return 0, err
	}
	f.pos += uint64(n)
	return n, nil
}

// Whence constants for Seek, matching io.Seeker's convention.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Seek repositions the file's offset.
func (f *OpenFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.pos)
	case SeekEnd:
		st, err := f.fs.Stat(f.inode)
		if err != nil {
			return 0, err
		}
		base = int64(st.Size)
	default:
		return 0, fmt.Errorf("vfs: Seek: %w", ErrInvalidData)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("vfs: Seek: negative offset: %w", ErrInvalidData)
	}
	f.pos = uint64(newPos)
	return newPos, nil
}

// Stat reports the open file's metadata.
func (f *OpenFile) Stat() (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fs.Stat(f.inode)
}

// ReadDir lists the open directory's entries.
func (f *OpenFile) ReadDir() ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.fs.ReadDir(f.inode)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat resolves and stats path directly, without an open file description.
func (v *VFS) Stat(pathStr string) (Stat, error) {
	fsImpl, rel, err := v.Mounts.resolveMount(normalize(pathStr))
	if err != nil {
		return Stat{}, err
	}
	inode, err := resolve(fsImpl, rel)
	if err != nil {
		return Stat{}, err
	}
	return fsImpl.Stat(inode)
}

// Mkdir creates a single directory component.
func (v *VFS) Mkdir(pathStr string, mode fs.FileMode) error {
	fsImpl, parent, name, err := v.Mounts.resolveParent(pathStr)
	if err != nil {
		return err
	}
	_, err = fsImpl.Mkdir(parent, name, mode)
	return err
}

// MkdirAll creates every missing component of path, tolerating components
// that already exist as directories.
func (v *VFS) MkdirAll(pathStr string, mode fs.FileMode) error {
	pathStr = normalize(pathStr)
	var built string
	for _, comp := range strings.Split(strings.TrimPrefix(pathStr, "/"), "/") {
		if comp == "" {
			continue
		}
		built += "/" + comp
		if err := v.Mkdir(built, mode); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// Unlink removes a directory entry.
func (v *VFS) Unlink(pathStr string) error {
	fsImpl, parent, name, err := v.Mounts.resolveParent(pathStr)
	if err != nil {
		return err
	}
	return fsImpl.Unlink(parent, name)
}
