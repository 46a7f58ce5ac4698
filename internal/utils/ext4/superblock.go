package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const (
	// SuperblockOffset is the byte offset of the primary superblock.
	SuperblockOffset = 1024
	// SuperblockSize is the on-disk size of the superblock.
	SuperblockSize = 1024

	// Magic is the superblock magic number.
	Magic = 0xEF53

	// RootInode is the inode number of the filesystem root directory.
	RootInode = 2

	goodOldRev       = 0
	goodOldInodeSize = 128
	maxLogBlockSize  = 6 // 64 KiB

	checksumTypeCRC32C = 1
)

// Compatible features. None of them change how data is located.
const (
	CompatDirPrealloc  = 0x0001
	CompatImagicInodes = 0x0002
	CompatHasJournal   = 0x0004
	CompatExtAttr      = 0x0008
	CompatResizeInode  = 0x0010
	CompatDirIndex     = 0x0020
	CompatSparseSuper2 = 0x0200
)

// Incompatible features.
const (
	IncompatCompression = 0x00001
	IncompatFiletype    = 0x00002
	IncompatRecover     = 0x00004
	IncompatJournalDev  = 0x00008
	IncompatMetaBG      = 0x00010
	IncompatExtents     = 0x00040
	Incompat64Bit       = 0x00080
	IncompatMMP         = 0x00100
	IncompatFlexBG      = 0x00200
	IncompatEAInode     = 0x00400
	IncompatDirData     = 0x01000
	IncompatCsumSeed    = 0x02000
	IncompatLargeDir    = 0x04000
	IncompatInlineData  = 0x08000
	IncompatEncrypt     = 0x10000
	IncompatCasefold    = 0x20000
)

// Read-only compatible features.
const (
	ROCompatSparseSuper  = 0x0001
	ROCompatLargeFile    = 0x0002
	ROCompatBtreeDir     = 0x0004
	ROCompatHugeFile     = 0x0008
	ROCompatGdtCsum      = 0x0010
	ROCompatDirNlink     = 0x0020
	ROCompatExtraIsize   = 0x0040
	ROCompatHasSnapshot  = 0x0080
	ROCompatQuota        = 0x0100
	ROCompatBigalloc     = 0x0200
	ROCompatMetadataCsum = 0x0400
	ROCompatReplica      = 0x0800
	ROCompatReadonly     = 0x1000
	ROCompatProject      = 0x2000
	ROCompatVerity       = 0x8000
)

var incompatNames = map[uint32]string{
	IncompatCompression: "compression",
	IncompatFiletype:    "filetype",
	IncompatRecover:     "needs_recovery",
	IncompatJournalDev:  "journal_dev",
	IncompatMetaBG:      "meta_bg",
	IncompatExtents:     "extent",
	Incompat64Bit:       "64bit",
	IncompatMMP:         "mmp",
	IncompatFlexBG:      "flex_bg",
	IncompatEAInode:     "ea_inode",
	IncompatDirData:     "dirdata",
	IncompatCsumSeed:    "metadata_csum_seed",
	IncompatLargeDir:    "large_dir",
	IncompatInlineData:  "inline_data",
	IncompatEncrypt:     "encrypt",
	IncompatCasefold:    "casefold",
}

var roCompatNames = map[uint32]string{
	ROCompatSparseSuper:  "sparse_super",
	ROCompatLargeFile:    "large_file",
	ROCompatBtreeDir:     "btree_dir",
	ROCompatHugeFile:     "huge_file",
	ROCompatGdtCsum:      "uninit_bg",
	ROCompatDirNlink:     "dir_nlink",
	ROCompatExtraIsize:   "extra_isize",
	ROCompatHasSnapshot:  "snapshot",
	ROCompatQuota:        "quota",
	ROCompatBigalloc:     "bigalloc",
	ROCompatMetadataCsum: "metadata_csum",
	ROCompatReplica:      "replica",
	ROCompatReadonly:     "read-only",
	ROCompatProject:      "project",
	ROCompatVerity:       "verity",
}

var compatNames = map[uint32]string{
	CompatDirPrealloc:  "dir_prealloc",
	CompatImagicInodes: "imagic_inodes",
	CompatHasJournal:   "has_journal",
	CompatExtAttr:      "ext_attr",
	CompatResizeInode:  "resize_inode",
	CompatDirIndex:     "dir_index",
	CompatSparseSuper2: "sparse_super2",
}

// supportedIncompat lists every incompatible feature the reader handles.
// Recovery is accepted without replaying the journal.
const supportedIncompat = IncompatFiletype | IncompatRecover | IncompatExtents | Incompat64Bit |
	IncompatMMP | IncompatFlexBG | IncompatEAInode | IncompatCsumSeed | IncompatLargeDir |
	IncompatInlineData | IncompatEncrypt | IncompatCasefold

// unsupportedROCompat lists read-only features that change block addressing.
const unsupportedROCompat = ROCompatBigalloc

// rawSuperblock mirrors struct ext4_super_block.
type rawSuperblock struct {
	InodesCount       uint32     // 0x00
	BlocksCountLo     uint32     // 0x04
	RBlocksCountLo    uint32     // 0x08
	FreeBlocksCountLo uint32     // 0x0C
	FreeInodesCount   uint32     // 0x10
	FirstDataBlock    uint32     // 0x14
	LogBlockSize      uint32     // 0x18
	LogClusterSize    uint32     // 0x1C
	BlocksPerGroup    uint32     // 0x20
	ClustersPerGroup  uint32     // 0x24
	InodesPerGroup    uint32     // 0x28
	MTime             uint32     // 0x2C
	WTime             uint32     // 0x30
	MntCount          uint16     // 0x34
	MaxMntCount       uint16     // 0x36
	Magic             uint16     // 0x38
	State             uint16     // 0x3A
	Errors            uint16     // 0x3C
	MinorRevLevel     uint16     // 0x3E
	LastCheck         uint32     // 0x40
	CheckInterval     uint32     // 0x44
	CreatorOS         uint32     // 0x48
	RevLevel          uint32     // 0x4C
	DefResUID         uint16     // 0x50
	DefResGID         uint16     // 0x52
	FirstInode        uint32     // 0x54
	InodeSize         uint16     // 0x58
	BlockGroupNr      uint16     // 0x5A
	FeatureCompat     uint32     // 0x5C
	FeatureIncompat   uint32     // 0x60
	FeatureROCompat   uint32     // 0x64
	UUID              [16]byte   // 0x68
	VolumeName        [16]byte   // 0x78
	LastMounted       [64]byte   // 0x88
	AlgorithmUsageBmp uint32     // 0xC8
	PreallocBlocks    uint8      // 0xCC
	PreallocDirBlocks uint8      // 0xCD
	ReservedGDTBlocks uint16     // 0xCE
	JournalUUID       [16]byte   // 0xD0
	JournalInum       uint32     // 0xE0
	JournalDev        uint32     // 0xE4
	LastOrphan        uint32     // 0xE8
	HashSeed          [4]uint32  // 0xEC
	DefHashVersion    uint8      // 0xFC
	JnlBackupType     uint8      // 0xFD
	DescSize          uint16     // 0xFE
	DefaultMountOpts  uint32     // 0x100
	FirstMetaBg       uint32     // 0x104
	MkfsTime          uint32     // 0x108
	JnlBlocks         [17]uint32 // 0x10C
	BlocksCountHi     uint32     // 0x150
	RBlocksCountHi    uint32     // 0x154
	FreeBlocksCountHi uint32     // 0x158
	MinExtraIsize     uint16     // 0x15C
	WantExtraIsize    uint16     // 0x15E
	Flags             uint32     // 0x160
	RaidStride        uint16     // 0x164
	MmpInterval       uint16     // 0x166
	MmpBlock          uint64     // 0x168
	RaidStripeWidth   uint32     // 0x170
	LogGroupsPerFlex  uint8      // 0x174
	ChecksumType      uint8      // 0x175
	ReservedPad       uint16     // 0x176
	KBytesWritten     uint64     // 0x178
	Unused            [0x3FC - 0x180]byte
	Checksum          uint32 // 0x3FC
}

// Superblock holds the validated layout facts of an image. It is created
// once by Open and never modified.
type Superblock struct {
	BlockSize       uint32
	InodeSize       uint16
	InodesPerGroup  uint32
	BlocksPerGroup  uint32
	InodesCount     uint32
	BlocksCount     uint64
	FreeBlocksCount uint64
	FirstDataBlock  uint32
	GroupCount      uint32
	DescSize        uint16
	RevLevel        uint32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	ChecksumType    uint8
	UUID            [16]byte
	VolumeName      string
	LastMounted     string
}

// ParseSuperblock decodes and validates the 1024-byte superblock.
func ParseSuperblock(data []byte) (*Superblock, error) {
	if len(data) < SuperblockSize {
		return nil, NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
			fmt.Sprintf("need %d bytes, got %d", SuperblockSize, len(data)))
	}

	var raw rawSuperblock
	if err := binary.Read(bytes.NewReader(data[:SuperblockSize]), binary.LittleEndian, &raw); err != nil {
		return nil, NewError(ErrInvalidImage, "ParseSuperblock", "superblock", err.Error())
	}

	if raw.Magic != Magic {
		return nil, NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
			fmt.Sprintf("bad magic 0x%04x", raw.Magic))
	}

	if err := checkFeatures(&raw); err != nil {
		return nil, err
	}

	if raw.LogBlockSize > maxLogBlockSize {
		return nil, NewError(ErrUnsupportedFeature, "ParseSuperblock", "superblock",
			fmt.Sprintf("block size 1024 << %d", raw.LogBlockSize))
	}

	sb := &Superblock{
		BlockSize:       1024 << raw.LogBlockSize,
		InodesPerGroup:  raw.InodesPerGroup,
		BlocksPerGroup:  raw.BlocksPerGroup,
		InodesCount:     raw.InodesCount,
		BlocksCount:     uint64(raw.BlocksCountLo),
		FreeBlocksCount: uint64(raw.FreeBlocksCountLo),
		FirstDataBlock:  raw.FirstDataBlock,
		RevLevel:        raw.RevLevel,
		FeatureCompat:   raw.FeatureCompat,
		FeatureIncompat: raw.FeatureIncompat,
		FeatureROCompat: raw.FeatureROCompat,
		ChecksumType:    raw.ChecksumType,
		UUID:            raw.UUID,
		VolumeName:      cString(raw.VolumeName[:]),
		LastMounted:     cString(raw.LastMounted[:]),
	}

	if sb.Has64Bit() {
		sb.BlocksCount |= uint64(raw.BlocksCountHi) << 32
		sb.FreeBlocksCount |= uint64(raw.FreeBlocksCountHi) << 32
	}

	if raw.RevLevel == goodOldRev {
		sb.InodeSize = goodOldInodeSize
	} else {
		sb.InodeSize = raw.InodeSize
	}
	if err := sb.validateGeometry(); err != nil {
		return nil, err
	}

	if sb.Has64Bit() {
		sb.DescSize = raw.DescSize
		if sb.DescSize < 64 || sb.DescSize&(sb.DescSize-1) != 0 || uint32(sb.DescSize) > sb.BlockSize {
			return nil, NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
				fmt.Sprintf("descriptor size %d with 64bit feature", sb.DescSize))
		}
	} else {
		sb.DescSize = groupDescSize32
	}

	return sb, nil
}

func (sb *Superblock) validateGeometry() error {
	if sb.InodeSize < goodOldInodeSize || sb.InodeSize&(sb.InodeSize-1) != 0 || uint32(sb.InodeSize) > sb.BlockSize {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
			fmt.Sprintf("inode size %d for revision %d", sb.InodeSize, sb.RevLevel))
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 || sb.InodesCount == 0 {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock", "empty group geometry")
	}
	if sb.BlocksPerGroup > 8*sb.BlockSize || sb.InodesPerGroup > 8*sb.BlockSize {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock", "group larger than one bitmap block")
	}
	if sb.BlockSize == 1024 && sb.FirstDataBlock != 1 || sb.BlockSize > 1024 && sb.FirstDataBlock != 0 {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
			fmt.Sprintf("first data block %d with %d byte blocks", sb.FirstDataBlock, sb.BlockSize))
	}
	if sb.BlocksCount <= uint64(sb.FirstDataBlock) {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock", "no data blocks")
	}

	groups := (sb.BlocksCount - uint64(sb.FirstDataBlock) + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
	if groups > uint64(^uint32(0)) {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock", "too many block groups")
	}
	sb.GroupCount = uint32(groups)
	if uint64(sb.GroupCount)*uint64(sb.InodesPerGroup) < uint64(sb.InodesCount) {
		return NewError(ErrInvalidImage, "ParseSuperblock", "superblock",
			fmt.Sprintf("%d groups of %d inodes cannot hold %d inodes", sb.GroupCount, sb.InodesPerGroup, sb.InodesCount))
	}
	return nil
}

func checkFeatures(raw *rawSuperblock) error {
	if bad := raw.FeatureIncompat &^ supportedIncompat; bad != 0 {
		return NewError(ErrUnsupportedFeature, "ParseSuperblock", "superblock",
			"incompat: "+FeatureNames(bad, incompatNames))
	}
	if bad := raw.FeatureROCompat & unsupportedROCompat; bad != 0 {
		return NewError(ErrUnsupportedFeature, "ParseSuperblock", "superblock",
			"ro_compat: "+FeatureNames(bad, roCompatNames))
	}
	if raw.FeatureROCompat&ROCompatMetadataCsum != 0 && raw.ChecksumType != checksumTypeCRC32C {
		return NewError(ErrUnsupportedFeature, "ParseSuperblock", "superblock",
			fmt.Sprintf("metadata_csum with checksum type %d", raw.ChecksumType))
	}
	return nil
}

// FeatureNames renders a feature bitmask as a comma separated list of names,
// falling back to the hex value for bits without a name.
func FeatureNames(mask uint32, names map[uint32]string) string {
	var out []string
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		if name, ok := names[bit]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("unknown(0x%x)", bit))
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Has64Bit reports whether block numbers and descriptors are 64-bit.
func (sb *Superblock) Has64Bit() bool { return sb.FeatureIncompat&Incompat64Bit != 0 }

// HasFiletype reports whether directory entries carry a file type byte.
func (sb *Superblock) HasFiletype() bool { return sb.FeatureIncompat&IncompatFiletype != 0 }

// HasInlineData reports whether small files may live inside the inode.
func (sb *Superblock) HasInlineData() bool { return sb.FeatureIncompat&IncompatInlineData != 0 }

// NeedsRecovery reports whether the journal was not replayed before the
// image was taken.
func (sb *Superblock) NeedsRecovery() bool { return sb.FeatureIncompat&IncompatRecover != 0 }

// Features returns the names of every feature flag set in the image.
func (sb *Superblock) Features() []string {
	var out []string
	for _, set := range []struct {
		mask  uint32
		names map[uint32]string
	}{
		{sb.FeatureCompat, compatNames},
		{sb.FeatureIncompat, incompatNames},
		{sb.FeatureROCompat, roCompatNames},
	} {
		if set.mask == 0 {
			continue
		}
		out = append(out, strings.Split(FeatureNames(set.mask, set.names), ",")...)
	}
	sort.Strings(out)
	return out
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
