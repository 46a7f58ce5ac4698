package ext4

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"time"
)

// Inode flags this package acts on.
const (
	InodeFlagIndex      = 0x00001000 // hashed directory
	InodeFlagEncrypt    = 0x00000800
	InodeFlagExtents    = 0x00080000
	InodeFlagEAInode    = 0x00200000
	InodeFlagInlineData = 0x10000000
)

const (
	inodeBlockLen = 60
	// baseInodeSize is the size of the original ext2 inode; larger records
	// carry i_extra_isize and then in-inode xattrs.
	baseInodeSize = 128
)

// Mode type bits.
const (
	modeTypeMask   = 0xF000
	modeFIFO       = 0x1000
	modeCharDevice = 0x2000
	modeDirectory  = 0x4000
	modeBlockDev   = 0x6000
	modeRegular    = 0x8000
	modeSymlink    = 0xA000
	modeSocket     = 0xC000
)

// FileType is the kind of object an inode describes.
type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
	TypeSymlink
)

var fileTypeNames = map[FileType]string{
	TypeUnknown:     "unknown",
	TypeRegular:     "file",
	TypeDirectory:   "dir",
	TypeCharDevice:  "chardev",
	TypeBlockDevice: "blockdev",
	TypeFIFO:        "fifo",
	TypeSocket:      "socket",
	TypeSymlink:     "symlink",
}

func (t FileType) String() string {
	if name, ok := fileTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FileType(%d)", uint8(t))
}

// IsSpecial reports whether t is a device, fifo or socket.
func (t FileType) IsSpecial() bool {
	switch t {
	case TypeCharDevice, TypeBlockDevice, TypeFIFO, TypeSocket:
		return true
	}
	return false
}

func fileTypeFromMode(mode uint16) FileType {
	switch mode & modeTypeMask {
	case modeRegular:
		return TypeRegular
	case modeDirectory:
		return TypeDirectory
	case modeSymlink:
		return TypeSymlink
	case modeCharDevice:
		return TypeCharDevice
	case modeBlockDev:
		return TypeBlockDevice
	case modeFIFO:
		return TypeFIFO
	case modeSocket:
		return TypeSocket
	}
	return TypeUnknown
}

// Inode is a decoded on-disk inode record.
type Inode struct {
	Num        uint32
	Mode       uint16
	Type       FileType
	UID        uint32
	GID        uint32
	Size       uint64
	Links      uint16
	Flags      uint32
	Block      [inodeBlockLen]byte
	FileACL    uint64
	ExtraIsize uint16
	Mtime      time.Time

	// tail is the in-inode extended attribute area.
	tail []byte
}

// Perm returns the permission bits including setuid, setgid and sticky.
func (i *Inode) Perm() uint16 { return i.Mode & 0o7777 }

// FileMode converts the inode mode to an io/fs mode.
func (i *Inode) FileMode() fs.FileMode {
	m := fs.FileMode(i.Mode & 0o777)
	if i.Mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if i.Mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if i.Mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch i.Type {
	case TypeDirectory:
		m |= fs.ModeDir
	case TypeSymlink:
		m |= fs.ModeSymlink
	case TypeCharDevice:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		m |= fs.ModeDevice
	case TypeFIFO:
		m |= fs.ModeNamedPipe
	case TypeSocket:
		m |= fs.ModeSocket
	}
	return m
}

func (i *Inode) IsDir() bool         { return i.Type == TypeDirectory }
func (i *Inode) IsRegular() bool     { return i.Type == TypeRegular }
func (i *Inode) IsSymlink() bool     { return i.Type == TypeSymlink }
func (i *Inode) HasExtents() bool    { return i.Flags&InodeFlagExtents != 0 }
func (i *Inode) HasInlineData() bool { return i.Flags&InodeFlagInlineData != 0 }
func (i *Inode) IsEncrypted() bool   { return i.Flags&InodeFlagEncrypt != 0 }
func (i *Inode) IsHashedDir() bool   { return i.Flags&InodeFlagIndex != 0 }

// IsFastSymlink reports whether the link target is stored in i_block.
func (i *Inode) IsFastSymlink() bool {
	return i.Type == TypeSymlink && i.Size < inodeBlockLen &&
		i.Flags&(InodeFlagExtents|InodeFlagInlineData) == 0
}

// DeviceNumbers returns the major and minor numbers of a device inode,
// handling both the old 8:8 and the new 12:20 encodings.
func (i *Inode) DeviceNumbers() (major, minor uint32) {
	old := binary.LittleEndian.Uint32(i.Block[0:])
	if old != 0 {
		return (old >> 8) & 0xFF, old & 0xFF
	}
	dev := binary.LittleEndian.Uint32(i.Block[4:])
	return (dev & 0xFFF00) >> 8, (dev & 0xFF) | ((dev >> 12) & 0xFFF00)
}

// Inode reads and decodes inode num.
func (fs *FileSystem) Inode(num uint32) (*Inode, error) {
	sb := fs.sb
	if num == 0 || num > sb.InodesCount {
		return nil, NewError(ErrCorruptImage, "Inode", inodeObject(num),
			fmt.Sprintf("outside 1..%d", sb.InodesCount))
	}

	group := (num - 1) / sb.InodesPerGroup
	index := (num - 1) % sb.InodesPerGroup
	off := BlockOffset(fs.groups[group].InodeTable, sb.BlockSize) + int64(index)*int64(sb.InodeSize)

	raw, err := fs.dev.ReadRange(off, int(sb.InodeSize))
	if err != nil {
		return nil, err
	}
	return parseInode(num, raw)
}

func parseInode(num uint32, b []byte) (*Inode, error) {
	le := binary.LittleEndian
	ino := &Inode{
		Num:   num,
		Mode:  le.Uint16(b[0x00:]),
		UID:   uint32(le.Uint16(b[0x02:])) | uint32(le.Uint16(b[0x78:]))<<16,
		GID:   uint32(le.Uint16(b[0x18:])) | uint32(le.Uint16(b[0x7A:]))<<16,
		Size:  uint64(le.Uint32(b[0x04:])) | uint64(le.Uint32(b[0x6C:]))<<32,
		Links: le.Uint16(b[0x1A:]),
		Flags: le.Uint32(b[0x20:]),
		FileACL: uint64(le.Uint32(b[0x68:])) |
			uint64(le.Uint16(b[0x76:]))<<32,
	}
	copy(ino.Block[:], b[0x28:0x28+inodeBlockLen])

	if ino.Mode == 0 && ino.Links == 0 {
		return nil, NewError(ErrCorruptInode, "Inode", inodeObject(num), "unused inode")
	}
	if ino.Links == 0 {
		return nil, NewError(ErrCorruptInode, "Inode", inodeObject(num), "deleted inode")
	}
	ino.Type = fileTypeFromMode(ino.Mode)
	if ino.Type == TypeUnknown {
		return nil, NewError(ErrCorruptInode, "Inode", inodeObject(num),
			fmt.Sprintf("unrecognised mode 0%o", ino.Mode))
	}
	if ino.Type.IsSpecial() && ino.Size != 0 {
		return nil, NewError(ErrCorruptInode, "Inode", inodeObject(num),
			fmt.Sprintf("%s with size %d", ino.Type, ino.Size))
	}

	mtime := int64(le.Uint32(b[0x10:]))
	var nsec int64
	if len(b) > baseInodeSize {
		ino.ExtraIsize = le.Uint16(b[0x80:])
		end := baseInodeSize + int(ino.ExtraIsize)
		if ino.ExtraIsize%4 != 0 || end > len(b) {
			return nil, NewError(ErrCorruptInode, "Inode", inodeObject(num),
				fmt.Sprintf("extra_isize %d in %d byte inode", ino.ExtraIsize, len(b)))
		}
		// i_mtime_extra: 2 epoch bits, 30 nanosecond bits
		if ino.ExtraIsize >= 0x0C {
			extra := le.Uint32(b[0x88:])
			mtime = int64(int32(mtime)) + int64(extra&3)<<32
			nsec = int64(extra >> 2)
		}
		ino.tail = b[end:]
	}
	if ino.ExtraIsize < 0x0C {
		mtime = int64(int32(mtime))
	}
	ino.Mtime = time.Unix(mtime, nsec).UTC()

	return ino, nil
}
