package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentEntrySize  = 12
	// maxExtentDepth bounds the tree walk on corrupt images.
	maxExtentDepth = 5
	// initMaxLen is the longest initialized extent; longer lengths mark
	// unwritten extents of length-initMaxLen blocks.
	initMaxLen = 32768
)

// Run maps Len file blocks starting at Logical to physical blocks starting
// at Physical. Uninit runs are allocated but unwritten and read as zeros.
type Run struct {
	Logical  uint64
	Physical uint64
	Len      uint64
	Uninit   bool
}

// End returns the first file block after the run.
func (r Run) End() uint64 { return r.Logical + r.Len }

type extentHeader struct {
	magic   uint16
	entries uint16
	max     uint16
	depth   uint16
}

func parseExtentHeader(b []byte) extentHeader {
	le := binary.LittleEndian
	return extentHeader{
		magic:   le.Uint16(b[0:]),
		entries: le.Uint16(b[2:]),
		max:     le.Uint16(b[4:]),
		depth:   le.Uint16(b[6:]),
	}
}

// Runs returns the physical block runs of ino in ascending logical order.
// Gaps between runs are holes. Inline-data inodes and fast symlinks have no
// runs.
func (fs *FileSystem) Runs(ino *Inode) ([]Run, error) {
	switch {
	case ino.IsEncrypted():
		return nil, NewError(ErrEncrypted, "Runs", inodeObject(ino.Num), "")
	case ino.HasInlineData(), ino.IsFastSymlink():
		return nil, nil
	case ino.HasExtents():
		w := extentWalker{fs: fs, ino: ino}
		if err := w.walk(ino.Block[:], -1); err != nil {
			return nil, err
		}
		return w.runs, nil
	default:
		return fs.blockMapRuns(ino)
	}
}

type extentWalker struct {
	fs   *FileSystem
	ino  *Inode
	runs []Run
	next uint64 // lowest logical block the next leaf extent may start at
}

// walk decodes one node. wantDepth is -1 for the root, whose depth bounds
// the rest of the tree.
func (w *extentWalker) walk(node []byte, wantDepth int) error {
	hdr := parseExtentHeader(node)
	obj := inodeObject(w.ino.Num)

	if hdr.magic != extentMagic {
		return NewError(ErrCorruptInode, "Runs", obj, fmt.Sprintf("bad extent magic 0x%04x", hdr.magic))
	}
	if hdr.entries > hdr.max || extentHeaderSize+int(hdr.max)*extentEntrySize > len(node) {
		return NewError(ErrCorruptInode, "Runs", obj,
			fmt.Sprintf("extent node with %d/%d entries in %d bytes", hdr.entries, hdr.max, len(node)))
	}
	if wantDepth < 0 && hdr.depth > maxExtentDepth {
		return NewError(ErrCorruptInode, "Runs", obj, fmt.Sprintf("extent tree depth %d", hdr.depth))
	}
	if wantDepth >= 0 && int(hdr.depth) != wantDepth {
		return NewError(ErrCorruptInode, "Runs", obj,
			fmt.Sprintf("extent node depth %d, expected %d", hdr.depth, wantDepth))
	}

	le := binary.LittleEndian
	for i := 0; i < int(hdr.entries); i++ {
		e := node[extentHeaderSize+i*extentEntrySize:]
		if hdr.depth == 0 {
			if err := w.leaf(e); err != nil {
				return err
			}
			continue
		}

		child := uint64(le.Uint32(e[4:])) | uint64(le.Uint16(e[8:]))<<32
		block, err := w.fs.readBlock(child)
		if err != nil {
			return err
		}
		if err := w.walk(block, int(hdr.depth)-1); err != nil {
			return err
		}
	}
	return nil
}

func (w *extentWalker) leaf(e []byte) error {
	le := binary.LittleEndian
	logical := uint64(le.Uint32(e[0:]))
	length := uint64(le.Uint16(e[4:]))
	phys := uint64(le.Uint16(e[6:]))<<32 | uint64(le.Uint32(e[8:]))

	run := Run{Logical: logical, Physical: phys, Len: length}
	if length > initMaxLen {
		run.Len = length - initMaxLen
		run.Uninit = true
	}

	obj := inodeObject(w.ino.Num)
	if run.Len == 0 {
		return NewError(ErrCorruptInode, "Runs", obj, fmt.Sprintf("empty extent at block %d", logical))
	}
	if logical < w.next {
		return NewError(ErrCorruptInode, "Runs", obj,
			fmt.Sprintf("extent at block %d overlaps previous extent ending at %d", logical, w.next))
	}
	if phys == 0 || phys+run.Len > w.fs.sb.BlocksCount {
		return NewError(ErrCorruptInode, "Runs", obj,
			fmt.Sprintf("extent %d+%d outside filesystem", phys, run.Len))
	}

	w.next = run.End()
	w.runs = append(w.runs, run)
	return nil
}
