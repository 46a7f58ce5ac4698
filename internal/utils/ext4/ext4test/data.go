package ext4test

import (
	"bytes"
	"encoding/binary"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
)

var le = binary.LittleEndian

type run struct {
	logical uint64
	phys    uint64
	len     uint64
	uninit  bool
}

func (b *Builder) alloc() uint64 {
	total := uint64(len(b.img)) / uint64(b.opts.BlockSize)
	if b.nextBlock >= total {
		panic("ext4test: image full")
	}
	blk := b.nextBlock
	b.nextBlock++
	return blk
}

func (b *Builder) blockBytes(blk uint64) []byte {
	bs := uint64(b.opts.BlockSize)
	return b.img[blk*bs : (blk+1)*bs]
}

// setContent stores data as the content of n using the mapping chosen by its
// options.
func (b *Builder) setContent(n *node, data []byte) {
	n.size = uint64(len(data))
	if n.inline {
		b.usedInline = true
		n.flags |= ext4.InodeFlagInlineData
		k := copy(n.block[:], data)
		n.inodeAttrs = append(n.inodeAttrs, attr{index: ext4.XattrIndexSystem, name: "data", value: append([]byte(nil), data[k:]...)})
		return
	}

	bs := int(b.opts.BlockSize)
	var runs []run
	for i := 0; i*bs < len(data); i++ {
		chunk := data[i*bs : min((i+1)*bs, len(data))]
		zero := len(bytes.Trim(chunk, "\x00")) == 0
		if zero && n.sparse {
			continue
		}
		uninit := zero && n.unwritten
		if n.fragmented && i > 0 {
			b.alloc()
		}
		p := b.alloc()
		n.blocks++
		if uninit {
			copy(b.blockBytes(p), bytes.Repeat([]byte{0xAA}, bs))
		} else {
			copy(b.blockBytes(p), chunk)
		}

		if k := len(runs) - 1; k >= 0 && runs[k].logical+runs[k].len == uint64(i) &&
			runs[k].phys+runs[k].len == p && runs[k].uninit == uninit {
			runs[k].len++
			continue
		}
		runs = append(runs, run{logical: uint64(i), phys: p, len: 1, uninit: uninit})
	}

	if n.blockMapped {
		b.writeBlockMap(n, runs)
	} else {
		b.writeExtents(n, runs)
	}
}

func putExtentHeader(dst []byte, entries, limit, depth int) {
	le.PutUint16(dst[0:], 0xF30A)
	le.PutUint16(dst[2:], uint16(entries))
	le.PutUint16(dst[4:], uint16(limit))
	le.PutUint16(dst[6:], uint16(depth))
}

func putExtent(dst []byte, r run) {
	length := r.len
	if r.uninit {
		length += 32768
	}
	le.PutUint32(dst[0:], uint32(r.logical))
	le.PutUint16(dst[4:], uint16(length))
	le.PutUint16(dst[6:], uint16(r.phys>>32))
	le.PutUint32(dst[8:], uint32(r.phys))
}

// writeExtents builds a depth 0 tree in i_block, or a depth 1 tree with
// leaf blocks when more than four extents are needed.
func (b *Builder) writeExtents(n *node, runs []run) {
	n.flags |= ext4.InodeFlagExtents
	const rootMax = 4
	if len(runs) <= rootMax {
		putExtentHeader(n.block[:], len(runs), rootMax, 0)
		for i, r := range runs {
			putExtent(n.block[12+i*12:], r)
		}
		return
	}

	leafMax := (int(b.opts.BlockSize) - 12) / 12
	var leaves []run
	for start := 0; start < len(runs); start += leafMax {
		end := min(start+leafMax, len(runs))
		blk := b.alloc()
		n.blocks++
		leaf := b.blockBytes(blk)
		putExtentHeader(leaf, end-start, leafMax, 0)
		for i, r := range runs[start:end] {
			putExtent(leaf[12+i*12:], r)
		}
		leaves = append(leaves, run{logical: runs[start].logical, phys: blk})
	}
	if len(leaves) > rootMax {
		panic("ext4test: extent tree deeper than 1")
	}

	putExtentHeader(n.block[:], len(leaves), rootMax, 1)
	for i, l := range leaves {
		e := n.block[12+i*12:]
		le.PutUint32(e[0:], uint32(l.logical))
		le.PutUint32(e[4:], uint32(l.phys))
		le.PutUint16(e[8:], uint16(l.phys>>32))
	}
}

// writeBlockMap fills the direct, single and double indirect pointers.
func (b *Builder) writeBlockMap(n *node, runs []run) {
	ptrs := make(map[uint64]uint32)
	var last uint64
	for _, r := range runs {
		for i := uint64(0); i < r.len; i++ {
			ptrs[r.logical+i] = uint32(r.phys + i)
			last = r.logical + i
		}
	}
	if len(ptrs) == 0 {
		return
	}

	per := uint64(b.opts.BlockSize / 4)
	for i := uint64(0); i < 12; i++ {
		le.PutUint32(n.block[i*4:], ptrs[i])
	}

	// indirect writes a pointer block covering span file blocks per entry
	// from first, returning 0 when nothing below it is mapped.
	var indirect func(first, span uint64) uint32
	indirect = func(first, span uint64) uint32 {
		if first > last {
			return 0
		}
		entries := make([]uint32, per)
		used := false
		for i := uint64(0); i < per; i++ {
			start := first + i*span
			if span == 1 {
				entries[i] = ptrs[start]
			} else {
				entries[i] = indirect(start, span/per)
			}
			used = used || entries[i] != 0
		}
		if !used {
			return 0
		}
		blk := b.alloc()
		n.blocks++
		dst := b.blockBytes(blk)
		for i, e := range entries {
			le.PutUint32(dst[i*4:], e)
		}
		return uint32(blk)
	}

	le.PutUint32(n.block[48:], indirect(12, 1))
	le.PutUint32(n.block[52:], indirect(12+per, per))
	if last >= 12+per+per*per {
		panic("ext4test: triple indirect blocks are not supported")
	}
}
