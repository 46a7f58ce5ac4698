// Package ext4test builds small ext4 images in memory for tests.
//
// A Builder lays out a superblock, a group descriptor table and one inode
// table per group, then hands out inodes and data blocks with a bump
// allocator. Files are written as they are added; directories and
// attributes are serialized when the image is finalized by Bytes. Misuse
// panics, as the builder is only used from tests.
package ext4test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
)

const (
	sIFIFO  = 0x1000
	sIFCHR  = 0x2000
	sIFDIR  = 0x4000
	sIFBLK  = 0x6000
	sIFREG  = 0x8000
	sIFLNK  = 0xA000
	sIFSOCK = 0xC000

	firstUserInode = 11
	extraIsize     = 32
)

// DefaultMtime is the modification time given to every inode unless
// overridden with Mtime.
var DefaultMtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Options controls the geometry and feature set of the image.
type Options struct {
	BlockSize      uint32 // 1024 (default) or 4096
	InodeSize      uint16 // 256 (default) or 128
	BlocksPerGroup uint32 // default 512
	InodesPerGroup uint32 // default 64
	Groups         uint32 // default 2

	// Use64Bit sets the 64bit feature and 64-byte group descriptors.
	Use64Bit bool
	// NoExtents maps every inode with legacy block maps and leaves the
	// extents feature off.
	NoExtents bool
	// NoFiletype stores 16-bit name lengths in directory entries.
	NoFiletype bool
	// MetadataCsum sets metadata_csum and ends every directory block with
	// a checksum tail record.
	MetadataCsum bool

	// Extra feature bits OR'ed into the superblock.
	ExtraIncompat uint32
	ExtraROCompat uint32
	// ChecksumType overrides s_checksum_type when non-zero.
	ChecksumType uint8
	VolumeName   string
}

func (o *Options) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = 1024
	}
	if o.InodeSize == 0 {
		o.InodeSize = 256
	}
	if o.BlocksPerGroup == 0 {
		o.BlocksPerGroup = 512
	}
	if o.InodesPerGroup == 0 {
		o.InodesPerGroup = 64
	}
	if o.Groups == 0 {
		o.Groups = 2
	}
}

type dirent struct {
	name  string
	inum  uint32
	ftype uint8
}

type attr struct {
	index uint8
	name  string
	value []byte
	// inum and size describe a value stored in an EA inode.
	inum uint32
	size uint32
}

type node struct {
	num     uint32
	mode    uint16
	uid     uint32
	gid     uint32
	links   uint16
	flags   uint32
	size    uint64
	block   [60]byte
	fileACL uint64
	mtime   time.Time
	blocks  uint64 // allocated data and metadata blocks

	inodeAttrs []attr
	blockAttrs []attr

	blockMapped bool
	inline      bool
	sparse      bool
	unwritten   bool
	fragmented  bool
	hashed      bool
	holed       bool

	parent   uint32
	children []dirent
}

// Option adjusts an inode as it is created.
type Option func(*node)

// Owner sets the numeric owner and group.
func Owner(uid, gid uint32) Option {
	return func(n *node) { n.uid, n.gid = uid, gid }
}

// Perm sets the permission bits, including setuid, setgid and sticky.
func Perm(perm uint16) Option {
	return func(n *node) { n.mode = n.mode&0xF000 | perm&0o7777 }
}

// Mtime sets the modification time.
func Mtime(t time.Time) Option {
	return func(n *node) { n.mtime = t }
}

// Context attaches a security.selinux label, NUL terminated as Android
// stores it. The label lives in the inode when there is room and in the
// attribute block otherwise.
func Context(label string) Option {
	return func(n *node) {
		n.inodeAttrs = append(n.inodeAttrs, attr{index: ext4.XattrIndexSecurity, name: "selinux", value: append([]byte(label), 0)})
	}
}

// Flags ORs raw inode flags, for example ext4.InodeFlagEncrypt.
func Flags(f uint32) Option {
	return func(n *node) { n.flags |= f }
}

// BlockMapped maps the inode with the legacy indirect block map.
func BlockMapped() Option { return func(n *node) { n.blockMapped = true } }

// Inline stores the content inside the inode (inline_data feature).
func Inline() Option { return func(n *node) { n.inline = true } }

// Sparse leaves all-zero blocks unmapped.
func Sparse() Option { return func(n *node) { n.sparse = true } }

// Unwritten maps all-zero blocks as unwritten extents over blocks filled
// with garbage, which readers must not expose.
func Unwritten() Option { return func(n *node) { n.unwritten = true } }

// Fragmented leaves a gap between consecutive data blocks so that every
// block becomes its own extent.
func Fragmented() Option { return func(n *node) { n.fragmented = true } }

// Hashed gives a directory an htree root block that linear parsing must
// step over.
func Hashed() Option { return func(n *node) { n.hashed = true } }

// Holed leaves an unmapped block after the first block of a linear
// directory, as e2fsck may after a crash during a directory shrink.
func Holed() Option { return func(n *node) { n.holed = true } }

// Builder assembles an image. The zero value is not usable; call New.
type Builder struct {
	opts       Options
	img        []byte
	fdb        uint64
	descSize   uint32
	itables    []uint64
	nextBlock  uint64
	nextInode  uint32
	nodes      map[uint32]*node
	order      []uint32
	usedInline bool
	patches    []func([]byte)
	done       bool
}

// New lays out an empty image holding only the root directory.
func New(opts Options) *Builder {
	opts.setDefaults()
	b := &Builder{
		opts:      opts,
		nodes:     make(map[uint32]*node),
		nextInode: firstUserInode,
		descSize:  32,
	}
	if opts.BlockSize == 1024 {
		b.fdb = 1
	}
	if opts.Use64Bit {
		b.descSize = 64
	}

	total := b.fdb + uint64(opts.Groups)*uint64(opts.BlocksPerGroup)
	b.img = make([]byte, total*uint64(opts.BlockSize))

	gdtBlocks := (uint64(opts.Groups)*uint64(b.descSize) + uint64(opts.BlockSize) - 1) / uint64(opts.BlockSize)
	b.nextBlock = b.fdb + 1 + gdtBlocks
	itableBlocks := (uint64(opts.InodesPerGroup)*uint64(opts.InodeSize) + uint64(opts.BlockSize) - 1) / uint64(opts.BlockSize)
	for g := uint32(0); g < opts.Groups; g++ {
		b.nextBlock += 2 // block and inode bitmaps
		b.itables = append(b.itables, b.nextBlock)
		b.nextBlock += itableBlocks
	}

	root := b.newNode(ext4.RootInode, sIFDIR|0o755)
	root.links = 2
	root.parent = ext4.RootInode
	return b
}

// Root returns the root directory inode number.
func (b *Builder) Root() uint32 { return ext4.RootInode }

func (b *Builder) newNode(num uint32, mode uint16, opts ...Option) *node {
	if b.done {
		panic("ext4test: image already finalized")
	}
	n := &node{num: num, mode: mode, links: 1, mtime: DefaultMtime}
	for _, o := range opts {
		o(n)
	}
	if b.opts.NoExtents {
		n.blockMapped = true
	}
	b.nodes[num] = n
	b.order = append(b.order, num)
	return n
}

func (b *Builder) allocInode() uint32 {
	num := b.nextInode
	if num > b.opts.Groups*b.opts.InodesPerGroup {
		panic("ext4test: out of inodes")
	}
	b.nextInode++
	return num
}

func (b *Builder) dir(num uint32) *node {
	n, ok := b.nodes[num]
	if !ok || n.mode&0xF000 != sIFDIR {
		panic(fmt.Sprintf("ext4test: inode %d is not a directory", num))
	}
	return n
}

func (b *Builder) link(parent uint32, name string, num uint32, ftype uint8) {
	p := b.dir(parent)
	p.children = append(p.children, dirent{name: name, inum: num, ftype: ftype})
}

// Mkdir creates a directory and returns its inode number.
func (b *Builder) Mkdir(parent uint32, name string, opts ...Option) uint32 {
	num := b.allocInode()
	n := b.newNode(num, sIFDIR|0o755, opts...)
	n.links = 2
	n.parent = parent
	b.dir(parent).links++
	b.link(parent, name, num, 2)
	if n.inline {
		b.usedInline = true
	}
	return num
}

// MkdirAll creates every missing directory of a slash separated path below
// parent and returns the last one.
func (b *Builder) MkdirAll(parent uint32, path string, opts ...Option) uint32 {
	cur := parent
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		if child, ok := b.child(cur, name); ok {
			cur = child
			continue
		}
		cur = b.Mkdir(cur, name, opts...)
	}
	return cur
}

func (b *Builder) child(dir uint32, name string) (uint32, bool) {
	for _, c := range b.dir(dir).children {
		if c.name == name {
			return c.inum, true
		}
	}
	return 0, false
}

// WriteFile creates a regular file holding data.
func (b *Builder) WriteFile(parent uint32, name string, data []byte, opts ...Option) uint32 {
	num := b.allocInode()
	n := b.newNode(num, sIFREG|0o644, opts...)
	b.setContent(n, data)
	b.link(parent, name, num, 1)
	return num
}

// Symlink creates a symbolic link. Targets shorter than 60 bytes are stored
// in the inode.
func (b *Builder) Symlink(parent uint32, name, target string, opts ...Option) uint32 {
	num := b.allocInode()
	n := b.newNode(num, sIFLNK|0o777, opts...)
	if len(target) < len(n.block) {
		copy(n.block[:], target)
		n.size = uint64(len(target))
	} else {
		b.setContent(n, []byte(target))
	}
	b.link(parent, name, num, 7)
	return num
}

// Link adds another name for an existing non-directory inode.
func (b *Builder) Link(parent uint32, name string, target uint32) {
	n, ok := b.nodes[target]
	if !ok || n.mode&0xF000 == sIFDIR {
		panic(fmt.Sprintf("ext4test: cannot link inode %d", target))
	}
	n.links++
	b.link(parent, name, target, direntType(n.mode))
}

// Mknod creates a device, fifo or socket inode of the given type.
func (b *Builder) Mknod(parent uint32, name string, typ ext4.FileType, major, minor uint32, opts ...Option) uint32 {
	var mode uint16
	switch typ {
	case ext4.TypeCharDevice:
		mode = sIFCHR
	case ext4.TypeBlockDevice:
		mode = sIFBLK
	case ext4.TypeFIFO:
		mode = sIFIFO
	case ext4.TypeSocket:
		mode = sIFSOCK
	default:
		panic(fmt.Sprintf("ext4test: Mknod of %s", typ))
	}
	num := b.allocInode()
	n := b.newNode(num, mode|0o644, opts...)
	le.PutUint32(n.block[4:], minor&0xFF|major<<8|(minor&^0xFF)<<12)
	b.link(parent, name, num, direntType(mode))
	return num
}

// AddRawEntry appends a directory entry without touching link counts. It
// is used to point entries at unused, out of range or repeated inodes.
func (b *Builder) AddRawEntry(parent uint32, name string, inum uint32, ftype uint8) {
	b.link(parent, name, inum, ftype)
}

// SetXattr adds an attribute with the raw name index and short name. With
// inBlock the attribute goes to the external attribute block.
func (b *Builder) SetXattr(num uint32, index uint8, name string, value []byte, inBlock bool) {
	n, ok := b.nodes[num]
	if !ok {
		panic(fmt.Sprintf("ext4test: no inode %d", num))
	}
	a := attr{index: index, name: name, value: append([]byte(nil), value...)}
	if inBlock {
		n.blockAttrs = append(n.blockAttrs, a)
	} else {
		n.inodeAttrs = append(n.inodeAttrs, a)
	}
}

// SetXattrInode adds an in-inode attribute whose value of size bytes lives
// in the content of inode ea, which should carry ext4.InodeFlagEAInode.
func (b *Builder) SetXattrInode(num uint32, index uint8, name string, ea, size uint32) {
	n, ok := b.nodes[num]
	if !ok {
		panic(fmt.Sprintf("ext4test: no inode %d", num))
	}
	n.inodeAttrs = append(n.inodeAttrs, attr{index: index, name: name, inum: ea, size: size})
}

// Patch registers fn to modify the finished image, for corruption tests.
func (b *Builder) Patch(fn func(img []byte)) {
	b.patches = append(b.patches, fn)
}

// InodeOffset returns the byte offset of inode num in the image.
func (b *Builder) InodeOffset(num uint32) int64 {
	group := (num - 1) / b.opts.InodesPerGroup
	index := (num - 1) % b.opts.InodesPerGroup
	return int64(b.itables[group])*int64(b.opts.BlockSize) + int64(index)*int64(b.opts.InodeSize)
}

// BlockSize returns the image block size.
func (b *Builder) BlockSize() uint32 { return b.opts.BlockSize }

// Bytes finalizes the image and returns it. Later calls return the same
// slice.
func (b *Builder) Bytes() []byte {
	if !b.done {
		b.finalize()
		b.done = true
		for _, p := range b.patches {
			p(b.img)
		}
	}
	return b.img
}

// FileSystem finalizes the image and opens it.
func (b *Builder) FileSystem(t testing.TB) *ext4.FileSystem {
	t.Helper()
	img := b.Bytes()
	fs, err := ext4.Open(ext4.NewDevice(bytes.NewReader(img), int64(len(img))))
	if err != nil {
		t.Fatalf("ext4test: open image: %v", err)
	}
	return fs
}

// WriteImage finalizes the image, writes it into a temporary directory and
// returns its path.
func (b *Builder) WriteImage(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.ext4.win")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatalf("ext4test: write image: %v", err)
	}
	return path
}

func direntType(mode uint16) uint8 {
	switch mode & 0xF000 {
	case sIFREG:
		return 1
	case sIFDIR:
		return 2
	case sIFCHR:
		return 3
	case sIFBLK:
		return 4
	case sIFIFO:
		return 5
	case sIFSOCK:
		return 6
	case sIFLNK:
		return 7
	}
	return 0
}
