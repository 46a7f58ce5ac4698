package ext4test

import (
	"math/bits"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
)

const (
	inlineDirArea = 56 // i_block after the parent inode number
	csumTailLen   = 12
)

func (b *Builder) finalize() {
	for _, num := range b.order {
		if n := b.nodes[num]; n.mode&0xF000 == sIFDIR {
			b.writeDir(n)
		}
	}
	for _, num := range b.order {
		n := b.nodes[num]
		b.writeXattrBlock(n)
		b.writeInode(n)
	}
	b.writeGroupDescriptors()
	b.writeSuperblock()
}

func recLen(name string) int { return (8 + len(name) + 3) &^ 3 }

func (b *Builder) putRecord(dst []byte, e dirent, rl int) {
	le.PutUint32(dst[0:], e.inum)
	le.PutUint16(dst[4:], uint16(rl))
	if b.opts.NoFiletype {
		le.PutUint16(dst[6:], uint16(len(e.name)))
	} else {
		dst[6] = uint8(len(e.name))
		dst[7] = e.ftype
	}
	copy(dst[8:], e.name)
}

// packBlocks lays records out in blocks, stretching the last record of each
// block to its end (or to the checksum tail).
func (b *Builder) packBlocks(ents []dirent, tail bool) []byte {
	bs := int(b.opts.BlockSize)
	usable := bs
	if tail {
		usable -= csumTailLen
	}

	var out []byte
	blk := make([]byte, bs)
	off, last := 0, -1
	flush := func() {
		if last >= 0 {
			le.PutUint16(blk[last+4:], uint16(usable-last))
		} else {
			le.PutUint16(blk[4:], uint16(usable))
		}
		if tail {
			t := blk[usable:]
			le.PutUint16(t[4:], csumTailLen)
			t[7] = 0xDE
		}
		out = append(out, blk...)
	}
	for _, e := range ents {
		rl := recLen(e.name)
		if off+rl > usable {
			flush()
			blk = make([]byte, bs)
			off, last = 0, -1
		}
		b.putRecord(blk[off:], e, rl)
		last = off
		off += rl
	}
	flush()
	return out
}

func (b *Builder) writeDir(n *node) {
	self := dirent{name: ".", inum: n.num, ftype: 2}
	parent := dirent{name: "..", inum: n.parent, ftype: 2}

	if n.inline {
		b.setContent(n, b.inlineDir(n))
		return
	}

	bs := int(b.opts.BlockSize)
	if !n.hashed {
		data := b.packBlocks(append([]dirent{self, parent}, n.children...), b.opts.MetadataCsum)
		if n.holed {
			n.sparse = true
			withHole := append(data[:bs:bs], make([]byte, bs)...)
			data = append(withHole, data[bs:]...)
		}
		b.setContent(n, data)
		return
	}

	// dx_root: "." then ".." spanning the block, hiding the index.
	root := make([]byte, bs)
	b.putRecord(root, self, 12)
	b.putRecord(root[12:], parent, bs-12)
	root[28] = 1 // hash version
	root[29] = 8 // info length
	le.PutUint16(root[32:], uint16((bs-32)/8))
	le.PutUint16(root[34:], 1)
	le.PutUint32(root[36:], 1)
	n.flags |= ext4.InodeFlagIndex
	b.setContent(n, append(root, b.packBlocks(n.children, b.opts.MetadataCsum)...))
}

// inlineDir returns the parent inode number, the records that fit in the
// rest of i_block, and the overflow records destined for system.data.
func (b *Builder) inlineDir(n *node) []byte {
	area := make([]byte, inlineDirArea)
	var rest []dirent
	off, last := 0, -1
	for _, c := range n.children {
		rl := recLen(c.name)
		if rest != nil || off+rl > inlineDirArea {
			rest = append(rest, c)
			continue
		}
		b.putRecord(area[off:], c, rl)
		last = off
		off += rl
	}
	if last >= 0 {
		le.PutUint16(area[last+4:], uint16(inlineDirArea-last))
	} else {
		le.PutUint16(area[4:], inlineDirArea)
	}

	data := make([]byte, 4, 4+inlineDirArea)
	le.PutUint32(data, n.parent)
	data = append(data, area...)
	for _, c := range rest {
		rec := make([]byte, recLen(c.name))
		b.putRecord(rec, c, len(rec))
		data = append(data, rec...)
	}
	return data
}

// packXattrs writes entries from start and values from the end of region.
// Value offsets are relative to region.
func packXattrs(region []byte, start int, attrs []attr) {
	off, vend := start, len(region)
	for _, a := range attrs {
		vend -= (len(a.value) + 3) &^ 3
		esize := (16 + len(a.name) + 3) &^ 3
		if off+esize+4 > vend {
			panic("ext4test: attributes do not fit")
		}
		e := region[off:]
		e[0] = uint8(len(a.name))
		e[1] = a.index
		if len(a.value) > 0 {
			le.PutUint16(e[2:], uint16(vend))
		}
		if a.inum != 0 {
			le.PutUint32(e[4:], a.inum)
			le.PutUint32(e[8:], a.size)
		} else {
			le.PutUint32(e[8:], uint32(len(a.value)))
		}
		copy(e[16:], a.name)
		copy(region[vend:], a.value)
		off += esize
	}
}

func (b *Builder) writeXattrBlock(n *node) {
	if b.opts.InodeSize <= 128 {
		if n.inline {
			panic("ext4test: inline data needs inodes larger than 128 bytes")
		}
		n.blockAttrs = append(n.inodeAttrs, n.blockAttrs...)
		n.inodeAttrs = nil
	}
	if len(n.blockAttrs) == 0 {
		return
	}
	blk := b.alloc()
	n.blocks++
	dst := b.blockBytes(blk)
	le.PutUint32(dst[0:], 0xEA020000)
	le.PutUint32(dst[4:], 1) // refcount
	le.PutUint32(dst[8:], 1) // blocks
	packXattrs(dst, 32, n.blockAttrs)
	n.fileACL = blk
}

func (b *Builder) writeInode(n *node) {
	raw := make([]byte, b.opts.InodeSize)
	secs := n.mtime.Unix()

	le.PutUint16(raw[0x00:], n.mode)
	le.PutUint16(raw[0x02:], uint16(n.uid))
	le.PutUint32(raw[0x04:], uint32(n.size))
	le.PutUint32(raw[0x08:], uint32(secs))
	le.PutUint32(raw[0x0C:], uint32(secs))
	le.PutUint32(raw[0x10:], uint32(secs))
	le.PutUint16(raw[0x18:], uint16(n.gid))
	le.PutUint16(raw[0x1A:], n.links)
	le.PutUint32(raw[0x1C:], uint32(n.blocks*uint64(b.opts.BlockSize)/512))
	le.PutUint32(raw[0x20:], n.flags)
	copy(raw[0x28:], n.block[:])
	le.PutUint32(raw[0x68:], uint32(n.fileACL))
	le.PutUint32(raw[0x6C:], uint32(n.size>>32))
	le.PutUint16(raw[0x76:], uint16(n.fileACL>>32))
	le.PutUint16(raw[0x78:], uint16(n.uid>>16))
	le.PutUint16(raw[0x7A:], uint16(n.gid>>16))

	if b.opts.InodeSize > 128 {
		le.PutUint16(raw[0x80:], extraIsize)
		epoch := uint32((secs-int64(int32(secs)))>>32) & 3
		le.PutUint32(raw[0x88:], uint32(n.mtime.Nanosecond())<<2|epoch)
		if len(n.inodeAttrs) > 0 {
			tail := raw[128+extraIsize:]
			le.PutUint32(tail, 0xEA020000)
			packXattrs(tail[4:], 0, n.inodeAttrs)
		}
	}
	copy(b.img[b.InodeOffset(n.num):], raw)
}

func (b *Builder) writeGroupDescriptors() {
	bs := uint64(b.opts.BlockSize)
	table := b.img[(b.fdb+1)*bs:]
	for g, it := range b.itables {
		d := table[uint64(g)*uint64(b.descSize):]
		le.PutUint32(d[0x00:], uint32(it-2))
		le.PutUint32(d[0x04:], uint32(it-1))
		le.PutUint32(d[0x08:], uint32(it))
		if b.descSize >= 64 {
			le.PutUint32(d[0x20:], uint32((it-2)>>32))
			le.PutUint32(d[0x24:], uint32((it-1)>>32))
			le.PutUint32(d[0x28:], uint32(it>>32))
		}
	}
}

func (b *Builder) writeSuperblock() {
	o := b.opts
	sb := b.img[1024:2048]
	blocks := uint64(len(b.img)) / uint64(o.BlockSize)
	inodes := o.Groups * o.InodesPerGroup
	mtime := uint32(DefaultMtime.Unix())

	le.PutUint32(sb[0x00:], inodes)
	le.PutUint32(sb[0x04:], uint32(blocks))
	le.PutUint32(sb[0x0C:], uint32(blocks-b.nextBlock))
	le.PutUint32(sb[0x10:], inodes-(b.nextInode-1))
	le.PutUint32(sb[0x14:], uint32(b.fdb))
	logSize := uint32(bits.TrailingZeros32(o.BlockSize) - 10)
	le.PutUint32(sb[0x18:], logSize)
	le.PutUint32(sb[0x1C:], logSize)
	le.PutUint32(sb[0x20:], o.BlocksPerGroup)
	le.PutUint32(sb[0x24:], o.BlocksPerGroup)
	le.PutUint32(sb[0x28:], o.InodesPerGroup)
	le.PutUint32(sb[0x2C:], mtime)
	le.PutUint32(sb[0x30:], mtime)
	le.PutUint16(sb[0x38:], ext4.Magic)
	le.PutUint16(sb[0x3A:], 1) // clean
	le.PutUint16(sb[0x3C:], 1) // continue on errors
	le.PutUint32(sb[0x4C:], 1) // dynamic revision
	le.PutUint32(sb[0x54:], firstUserInode)
	le.PutUint16(sb[0x58:], o.InodeSize)

	le.PutUint32(sb[0x5C:], ext4.CompatExtAttr|ext4.CompatDirIndex)

	incompat := o.ExtraIncompat
	if !o.NoFiletype {
		incompat |= ext4.IncompatFiletype
	}
	if !o.NoExtents {
		incompat |= ext4.IncompatExtents
	}
	if o.Use64Bit {
		incompat |= ext4.Incompat64Bit
		le.PutUint16(sb[0xFE:], uint16(b.descSize))
	}
	if b.usedInline {
		incompat |= ext4.IncompatInlineData
	}
	le.PutUint32(sb[0x60:], incompat)

	ro := o.ExtraROCompat | ext4.ROCompatSparseSuper | ext4.ROCompatLargeFile
	if o.InodeSize > 128 {
		ro |= ext4.ROCompatExtraIsize
		le.PutUint16(sb[0x15C:], extraIsize)
		le.PutUint16(sb[0x15E:], extraIsize)
	}
	csumType := o.ChecksumType
	if o.MetadataCsum {
		ro |= ext4.ROCompatMetadataCsum
		if csumType == 0 {
			csumType = 1
		}
	}
	le.PutUint32(sb[0x64:], ro)
	sb[0x175] = csumType

	copy(sb[0x68:], []byte{0x5e, 0x7a, 0xc1, 0x0d, 0x2b, 0x44, 0x4f, 0x1e, 0x9a, 0x31, 0x0c, 0x8e, 0x77, 0x12, 0xd4, 0x03})
	copy(sb[0x78:0x88], o.VolumeName)
}
