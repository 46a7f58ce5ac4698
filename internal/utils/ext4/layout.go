package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	groupDescSize32 = 32
	groupDescSize64 = 64
)

// GroupDescriptor locates the bitmaps and inode table of one block group.
type GroupDescriptor struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocksCount uint32
	FreeInodesCount uint32
	UsedDirsCount   uint32
	Flags           uint16
}

// parseGroupDescriptor decodes one descriptor. The high halves only exist
// in 64-byte descriptors.
func parseGroupDescriptor(b []byte) GroupDescriptor {
	le := binary.LittleEndian
	gd := GroupDescriptor{
		BlockBitmap:     uint64(le.Uint32(b[0x00:])),
		InodeBitmap:     uint64(le.Uint32(b[0x04:])),
		InodeTable:      uint64(le.Uint32(b[0x08:])),
		FreeBlocksCount: uint32(le.Uint16(b[0x0C:])),
		FreeInodesCount: uint32(le.Uint16(b[0x0E:])),
		UsedDirsCount:   uint32(le.Uint16(b[0x10:])),
		Flags:           le.Uint16(b[0x12:]),
	}
	if len(b) >= groupDescSize64 {
		gd.BlockBitmap |= uint64(le.Uint32(b[0x20:])) << 32
		gd.InodeBitmap |= uint64(le.Uint32(b[0x24:])) << 32
		gd.InodeTable |= uint64(le.Uint32(b[0x28:])) << 32
		gd.FreeBlocksCount |= uint32(le.Uint16(b[0x2C:])) << 16
		gd.FreeInodesCount |= uint32(le.Uint16(b[0x2E:])) << 16
		gd.UsedDirsCount |= uint32(le.Uint16(b[0x30:])) << 16
	}
	return gd
}

// FileSystem is a parsed, read-only ext4 image. Layout facts are fixed at
// Open; every other structure is decoded on demand, so a FileSystem may be
// shared between goroutines.
type FileSystem struct {
	dev    *Device
	sb     *Superblock
	groups []GroupDescriptor
}

// Open parses the superblock and group descriptor table of dev. Any error
// returned is fatal for the image.
func Open(dev *Device) (*FileSystem, error) {
	raw, err := dev.ReadRange(SuperblockOffset, SuperblockSize)
	if err != nil {
		return nil, err
	}
	sb, err := ParseSuperblock(raw)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{dev: dev, sb: sb}
	if err := fs.loadGroups(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSystem) loadGroups() error {
	sb := fs.sb
	tableOff := BlockOffset(uint64(sb.FirstDataBlock)+1, sb.BlockSize)
	tableLen := int64(sb.GroupCount) * int64(sb.DescSize)
	if tableOff+tableLen > fs.dev.Size() {
		return NewError(ErrInvalidImage, "Open", "group descriptors",
			fmt.Sprintf("%d descriptors at offset %d exceed image of %d bytes", sb.GroupCount, tableOff, fs.dev.Size()))
	}

	table, err := fs.dev.ReadRange(tableOff, int(tableLen))
	if err != nil {
		return err
	}

	itableLen := int64(sb.InodesPerGroup) * int64(sb.InodeSize)
	fs.groups = make([]GroupDescriptor, sb.GroupCount)
	for i := range fs.groups {
		off := i * int(sb.DescSize)
		gd := parseGroupDescriptor(table[off : off+int(sb.DescSize)])
		if gd.InodeTable == 0 || gd.InodeTable >= sb.BlocksCount {
			return NewError(ErrInvalidImage, "Open", fmt.Sprintf("group %d", i),
				fmt.Sprintf("inode table at block %d", gd.InodeTable))
		}
		start := BlockOffset(gd.InodeTable, sb.BlockSize)
		if start+itableLen > fs.dev.Size() {
			return NewError(ErrInvalidImage, "Open", fmt.Sprintf("group %d", i),
				fmt.Sprintf("inode table at block %d runs past the image", gd.InodeTable))
		}
		fs.groups[i] = gd
	}
	return nil
}

// Superblock returns the parsed superblock.
func (fs *FileSystem) Superblock() *Superblock { return fs.sb }

// Groups returns a copy of the block group descriptors.
func (fs *FileSystem) Groups() []GroupDescriptor {
	out := make([]GroupDescriptor, len(fs.groups))
	copy(out, fs.groups)
	return out
}

// Device returns the image the filesystem was opened from.
func (fs *FileSystem) Device() *Device { return fs.dev }

// BlockSize is a shorthand for Superblock().BlockSize.
func (fs *FileSystem) BlockSize() uint32 { return fs.sb.BlockSize }

// readBlock reads one filesystem block. Block numbers past the declared
// block count are corruption of whatever structure pointed at them.
func (fs *FileSystem) readBlock(block uint64) ([]byte, error) {
	if block == 0 || block >= fs.sb.BlocksCount {
		return nil, NewError(ErrCorruptImage, "readBlock", blockObject(block),
			fmt.Sprintf("outside filesystem of %d blocks", fs.sb.BlocksCount))
	}
	return fs.dev.ReadRange(BlockOffset(block, fs.sb.BlockSize), int(fs.sb.BlockSize))
}

// Summary describes the image layout for display.
type Summary struct {
	BlockSize      uint32   `json:"block_size"`
	InodeSize      uint16   `json:"inode_size"`
	BlocksCount    uint64   `json:"blocks_count"`
	FreeBlocks     uint64   `json:"free_blocks"`
	InodesCount    uint32   `json:"inodes_count"`
	BlocksPerGroup uint32   `json:"blocks_per_group"`
	InodesPerGroup uint32   `json:"inodes_per_group"`
	GroupCount     uint32   `json:"group_count"`
	DescSize       uint16   `json:"desc_size"`
	UUID           string   `json:"uuid"`
	VolumeName     string   `json:"volume_name,omitempty"`
	LastMounted    string   `json:"last_mounted,omitempty"`
	Features       []string `json:"features"`
	NeedsRecovery  bool     `json:"needs_recovery"`
}

// UsedBytes estimates the allocated size of the filesystem from the
// free block counter.
func (s Summary) UsedBytes() uint64 {
	if s.FreeBlocks > s.BlocksCount {
		return 0
	}
	return (s.BlocksCount - s.FreeBlocks) * uint64(s.BlockSize)
}

// Summary returns the parsed layout facts.
func (fs *FileSystem) Summary() Summary {
	sb := fs.sb
	return Summary{
		BlockSize:      sb.BlockSize,
		InodeSize:      sb.InodeSize,
		BlocksCount:    sb.BlocksCount,
		FreeBlocks:     sb.FreeBlocksCount,
		InodesCount:    sb.InodesCount,
		BlocksPerGroup: sb.BlocksPerGroup,
		InodesPerGroup: sb.InodesPerGroup,
		GroupCount:     sb.GroupCount,
		DescSize:       sb.DescSize,
		UUID:           uuid.UUID(sb.UUID).String(),
		VolumeName:     sb.VolumeName,
		LastMounted:    sb.LastMounted,
		Features:       sb.Features(),
		NeedsRecovery:  sb.NeedsRecovery(),
	}
}
