package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	directBlocks   = 12
	indirectIndex  = 12
	dIndirectIndex = 13
	tIndirectIndex = 14
)

// blockMapper resolves the legacy ext2/ext3 block map into runs. Zero
// pointers are holes at every level.
type blockMapper struct {
	fs       *FileSystem
	ino      *Inode
	perBlock uint64 // pointers per indirect block
	limit    uint64 // file blocks covered by the inode size
	runs     []Run
}

func (fs *FileSystem) blockMapRuns(ino *Inode) ([]Run, error) {
	bs := uint64(fs.sb.BlockSize)
	m := &blockMapper{
		fs:       fs,
		ino:      ino,
		perBlock: bs / 4,
		limit:    (ino.Size + bs - 1) / bs,
	}

	le := binary.LittleEndian
	ptr := func(i int) uint64 { return uint64(le.Uint32(ino.Block[i*4:])) }

	for i := 0; i < directBlocks && uint64(i) < m.limit; i++ {
		if err := m.add(uint64(i), ptr(i)); err != nil {
			return nil, err
		}
	}

	// The first file block covered by each indirection level.
	start := uint64(directBlocks)
	span := m.perBlock
	for level, idx := range []int{indirectIndex, dIndirectIndex, tIndirectIndex} {
		if start >= m.limit {
			break
		}
		if err := m.indirect(ptr(idx), level+1, start); err != nil {
			return nil, err
		}
		start += span
		span *= m.perBlock
	}
	return m.runs, nil
}

// indirect walks an indirect block of the given level whose first entry maps
// file block first.
func (m *blockMapper) indirect(block uint64, level int, first uint64) error {
	if block == 0 {
		return nil
	}
	data, err := m.fs.readBlock(block)
	if err != nil {
		return err
	}

	span := uint64(1)
	for i := 1; i < level; i++ {
		span *= m.perBlock
	}

	le := binary.LittleEndian
	for i := uint64(0); i < m.perBlock; i++ {
		logical := first + i*span
		if logical >= m.limit {
			break
		}
		p := uint64(le.Uint32(data[i*4:]))
		if level == 1 {
			err = m.add(logical, p)
		} else {
			err = m.indirect(p, level-1, logical)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// add maps one file block, extending the previous run when both sides are
// contiguous.
func (m *blockMapper) add(logical, phys uint64) error {
	if phys == 0 {
		return nil
	}
	if phys >= m.fs.sb.BlocksCount {
		return NewError(ErrCorruptInode, "Runs", inodeObject(m.ino.Num),
			fmt.Sprintf("block pointer %d outside filesystem", phys))
	}
	if n := len(m.runs); n > 0 {
		last := &m.runs[n-1]
		if last.End() == logical && last.Physical+last.Len == phys {
			last.Len++
			return nil
		}
	}
	m.runs = append(m.runs, Run{Logical: logical, Physical: phys, Len: 1})
	return nil
}
