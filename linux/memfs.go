package linux

import (
	"path"
	"sort"
	"strings"
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// MemFS is the in-memory filesystem facade the personality mounts as
// root. Real filesystem formats arrive through the Block scheme and
// are out of scope; this is the VFS surface the file syscalls need.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode // path -> node; dirs tracked implicitly
	dirs  map[string]bool
	devs  map[string]func() File
}

type memNode struct {
	mu   sync.Mutex
	data []byte
	ino  object.KoID
}

// NewMemFS creates a filesystem with just the root directory.
func NewMemFS() *MemFS {
	fs := &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]bool{"/": true},
		devs:  make(map[string]func() File),
	}
	return fs
}

func normalize(cwd, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}
	return path.Clean(p)
}

// Mkdir creates a directory and its missing parents.
func (fs *MemFS) Mkdir(p string) error {
	p = normalize("/", p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, isFile := fs.files[p]; isFile {
		return kerrors.Newf(kerrors.StatusNotDir, "mkdir", "%s is a file", p)
	}
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		fs.dirs[cur] = true
	}
	return nil
}

// RegisterDevice mounts a device-node constructor at p (devfs).
func (fs *MemFS) RegisterDevice(p string, open func() File) error {
	p = normalize("/", p)
	if err := fs.Mkdir(path.Dir(p)); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.devs[p] = open
	fs.mu.Unlock()
	return nil
}

// WriteFile installs content at p, creating parents. Used to populate
// the boot image.
func (fs *MemFS) WriteFile(p string, content []byte) error {
	p = normalize("/", p)
	if err := fs.Mkdir(path.Dir(p)); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[p] {
		return kerrors.Newf(kerrors.StatusNotFile, "write_file", "%s is a directory", p)
	}
	node := fs.files[p]
	if node == nil {
		node = &memNode{ino: object.NewKoID()}
		fs.files[p] = node
	}
	node.data = append([]byte{}, content...)
	return nil
}

// ReadFile returns the content at p.
func (fs *MemFS) ReadFile(p string) ([]byte, error) {
	p = normalize("/", p)
	fs.mu.Lock()
	node, ok := fs.files[p]
	fs.mu.Unlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.StatusNotFound, "read_file", "%s", p)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	return append([]byte{}, node.data...), nil
}

// Open resolves p relative to cwd and returns an open file.
func (fs *MemFS) Open(cwd, p string, flags OpenFlags) (File, error) {
	full := normalize(cwd, p)
	if len(full) > 4096 {
		return nil, kerrors.New(kerrors.StatusBadPath, "open", "path too long")
	}

	fs.mu.Lock()
	if open, isDev := fs.devs[full]; isDev {
		fs.mu.Unlock()
		return open(), nil
	}
	if fs.dirs[full] {
		fs.mu.Unlock()
		if flags.Writable() {
			return nil, kerrors.Newf(kerrors.StatusNotFile, "open", "%s is a directory", full)
		}
		return &dirFile{fs: fs, path: full}, nil
	}
	node, exists := fs.files[full]
	switch {
	case !exists && flags&FlagCreate == 0:
		fs.mu.Unlock()
		return nil, kerrors.Newf(kerrors.StatusNotFound, "open", "%s", full)
	case exists && flags&FlagCreate != 0 && flags&FlagExclusive != 0:
		fs.mu.Unlock()
		return nil, kerrors.Newf(kerrors.StatusAlreadyExists, "open", "%s", full)
	case !exists:
		if !fs.dirs[path.Dir(full)] {
			fs.mu.Unlock()
			return nil, kerrors.Newf(kerrors.StatusNotFound, "open", "%s", path.Dir(full))
		}
		node = &memNode{ino: object.NewKoID()}
		fs.files[full] = node
	}
	fs.mu.Unlock()

	if flags&FlagTruncate != 0 && flags.Writable() {
		node.mu.Lock()
		node.data = nil
		node.mu.Unlock()
	}
	f := &regularFile{node: node, flags: flags}
	if flags&FlagAppend != 0 {
		node.mu.Lock()
		f.pos = uint64(len(node.data))
		node.mu.Unlock()
	}
	return f, nil
}

// Stat describes the node at p.
func (fs *MemFS) Stat(cwd, p string) (Stat, error) {
	full := normalize(cwd, p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[full] {
		return Stat{Type: TypeDir, Mode: 0755}, nil
	}
	if _, isDev := fs.devs[full]; isDev {
		return Stat{Type: TypeCharDevice, Mode: 0666}, nil
	}
	if node, ok := fs.files[full]; ok {
		node.mu.Lock()
		defer node.mu.Unlock()
		return Stat{Type: TypeRegular, Size: uint64(len(node.data)), Mode: 0644, Ino: uint64(node.ino)}, nil
	}
	return Stat{}, kerrors.Newf(kerrors.StatusNotFound, "stat", "%s", full)
}

// IsDir reports whether p names a directory.
func (fs *MemFS) IsDir(cwd, p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dirs[normalize(cwd, p)]
}

// regularFile is an open handle on a memNode.
type regularFile struct {
	noIoctl
	node  *memNode
	flags OpenFlags

	mu  sync.Mutex
	pos uint64
}

// Read implements File.
func (f *regularFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(buf, f.pos)
	f.pos += uint64(n)
	return n, err
}

// ReadAt implements File.
func (f *regularFile) ReadAt(buf []byte, off uint64) (int, error) {
	return f.readAt(buf, off)
}

func (f *regularFile) readAt(buf []byte, off uint64) (int, error) {
	if !f.flags.Readable() {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "read", "file not open for reading")
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if off >= uint64(len(f.node.data)) {
		return 0, nil
	}
	return copy(buf, f.node.data[off:]), nil
}

// Write implements File.
func (f *regularFile) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&FlagAppend != 0 {
		f.node.mu.Lock()
		f.pos = uint64(len(f.node.data))
		f.node.mu.Unlock()
	}
	n, err := f.writeAt(data, f.pos)
	f.pos += uint64(n)
	return n, err
}

// WriteAt implements File.
func (f *regularFile) WriteAt(data []byte, off uint64) (int, error) {
	return f.writeAt(data, off)
}

func (f *regularFile) writeAt(data []byte, off uint64) (int, error) {
	if !f.flags.Writable() {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "write", "file not open for writing")
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if need := off + uint64(len(data)); need > uint64(len(f.node.data)) {
		grown := make([]byte, need)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[off:], data)
	return len(data), nil
}

// Seek implements File.
func (f *regularFile) Seek(offset int64, whence int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var origin int64
	switch whence {
	case 0:
		origin = 0
	case 1:
		origin = int64(f.pos)
	case 2:
		f.node.mu.Lock()
		origin = int64(len(f.node.data))
		f.node.mu.Unlock()
	default:
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "lseek", "bad whence")
	}
	target := origin + offset
	if target < 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "lseek", "negative offset")
	}
	f.pos = uint64(target)
	return f.pos, nil
}

// Poll implements File.
func (f *regularFile) Poll() PollStatus {
	return PollStatus{Readable: f.flags.Readable(), Writable: f.flags.Writable()}
}

// Stat implements File.
func (f *regularFile) Stat() (Stat, error) {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return Stat{Type: TypeRegular, Size: uint64(len(f.node.data)), Mode: 0644, Ino: uint64(f.node.ino)}, nil
}

// Close implements File.
func (f *regularFile) Close() error { return nil }

// dirFile is an open directory handle; reads list entries.
type dirFile struct {
	unseekable
	noIoctl
	fs   *MemFS
	path string
	read bool
}

// Read implements File: one newline-separated listing, then EOF.
func (d *dirFile) Read(buf []byte) (int, error) {
	if d.read {
		return 0, nil
	}
	d.read = true
	var names []string
	prefix := d.path
	if prefix != "/" {
		prefix += "/"
	}
	d.fs.mu.Lock()
	for p := range d.fs.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, path.Base(p))
		}
	}
	for p := range d.fs.dirs {
		if p != "/" && strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, path.Base(p))
		}
	}
	d.fs.mu.Unlock()
	sort.Strings(names)
	return copy(buf, strings.Join(names, "\n")), nil
}

// Write implements File.
func (d *dirFile) Write([]byte) (int, error) {
	return 0, kerrors.New(kerrors.StatusNotFile, "write", "is a directory")
}

// Poll implements File.
func (d *dirFile) Poll() PollStatus { return PollStatus{Readable: true} }

// Stat implements File.
func (d *dirFile) Stat() (Stat, error) { return Stat{Type: TypeDir, Mode: 0755}, nil }

// Close implements File.
func (d *dirFile) Close() error { return nil }
