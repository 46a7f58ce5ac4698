package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	xattrMagic           = 0xEA020000
	xattrBlockHeaderSize = 32
	xattrEntryHeaderSize = 16
	xattrInodeHeaderSize = 4
)

// Attribute name indexes.
const (
	XattrIndexUser       = 1
	XattrIndexACLAccess  = 2
	XattrIndexACLDefault = 3
	XattrIndexTrusted    = 4
	XattrIndexSecurity   = 6
	XattrIndexSystem     = 7
	XattrIndexRichACL    = 8
)

const (
	securityContextXattr = "security.selinux"
	inlineDataXattrName  = "system.data"
)

var xattrPrefixes = map[uint8]string{
	XattrIndexUser:       "user.",
	XattrIndexACLAccess:  "system.posix_acl_access",
	XattrIndexACLDefault: "system.posix_acl_default",
	XattrIndexTrusted:    "trusted.",
	XattrIndexSecurity:   "security.",
	XattrIndexSystem:     "system.",
	XattrIndexRichACL:    "system.richacl",
}

// Xattr is one extended attribute with its full, prefixed name.
type Xattr struct {
	Index uint8
	Name  string
	Value []byte
}

type rawXattr struct {
	index     uint8
	name      string
	valueOffs uint32
	valueInum uint32
	valueSize uint32
}

// Xattrs returns the in-inode attributes of ino followed by those of its
// external attribute block. Attributes with unknown name indexes are
// dropped.
func (fs *FileSystem) Xattrs(ino *Inode) ([]Xattr, error) {
	inline, err := fs.inodeXattrs(ino)
	if err != nil {
		return nil, err
	}
	block, err := fs.blockXattrs(ino)
	if err != nil {
		return nil, err
	}
	return append(inline, block...), nil
}

// SecurityContext returns the SELinux label of ino without its trailing
// NUL. A missing label is the empty string.
func (fs *FileSystem) SecurityContext(ino *Inode) (string, error) {
	attrs, err := fs.Xattrs(ino)
	if err != nil {
		return "", err
	}
	for _, a := range attrs {
		if a.Name == securityContextXattr {
			return string(bytes.TrimRight(a.Value, "\x00")), nil
		}
	}
	return "", nil
}

func (fs *FileSystem) inodeXattrs(ino *Inode) ([]Xattr, error) {
	tail := ino.tail
	if len(tail) < xattrInodeHeaderSize || binary.LittleEndian.Uint32(tail) != xattrMagic {
		return nil, nil
	}
	// Value offsets count from the first entry.
	region := tail[xattrInodeHeaderSize:]
	raws, err := parseXattrEntries(ino, region, 0)
	if err != nil {
		return nil, err
	}
	return fs.resolveXattrs(ino, raws, region)
}

func (fs *FileSystem) blockXattrs(ino *Inode) ([]Xattr, error) {
	if ino.FileACL == 0 {
		return nil, nil
	}
	if ino.FileACL >= fs.sb.BlocksCount {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("xattr block %d outside filesystem", ino.FileACL))
	}
	block, err := fs.readBlock(ino.FileACL)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	if magic := le.Uint32(block[0:]); magic != xattrMagic {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("bad xattr block magic 0x%08x", magic))
	}
	if blocks := le.Uint32(block[8:]); blocks != 1 {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("xattr block spans %d blocks", blocks))
	}

	raws, err := parseXattrEntries(ino, block, xattrBlockHeaderSize)
	if err != nil {
		return nil, err
	}
	return fs.resolveXattrs(ino, raws, block)
}

// parseXattrEntries decodes the entry table of region starting at start. The
// table ends at a zero word.
func parseXattrEntries(ino *Inode, region []byte, start int) ([]rawXattr, error) {
	le := binary.LittleEndian
	var out []rawXattr
	for off := start; ; {
		if off+4 > len(region) {
			return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num), "unterminated xattr entry table")
		}
		if le.Uint32(region[off:]) == 0 {
			return out, nil
		}
		if off+xattrEntryHeaderSize > len(region) {
			return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
				fmt.Sprintf("xattr entry at %d truncated", off))
		}
		e := region[off:]
		nameLen := int(e[0])
		end := off + xattrEntryHeaderSize + nameLen
		if end > len(region) {
			return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
				fmt.Sprintf("xattr name of %d bytes at %d", nameLen, off))
		}
		out = append(out, rawXattr{
			index:     e[1],
			valueOffs: uint32(le.Uint16(e[2:])),
			valueInum: le.Uint32(e[4:]),
			valueSize: le.Uint32(e[8:]),
			name:      string(e[xattrEntryHeaderSize : xattrEntryHeaderSize+nameLen]),
		})
		off = (end + 3) &^ 3
	}
}

func (fs *FileSystem) resolveXattrs(ino *Inode, raws []rawXattr, values []byte) ([]Xattr, error) {
	out := make([]Xattr, 0, len(raws))
	for _, raw := range raws {
		prefix, ok := xattrPrefixes[raw.index]
		if !ok {
			continue
		}
		value, err := fs.xattrValue(ino, raw, values)
		if err != nil {
			return nil, err
		}
		name := prefix + raw.name
		// ACL indexes carry their full name in the prefix.
		if raw.index == XattrIndexACLAccess || raw.index == XattrIndexACLDefault || raw.index == XattrIndexRichACL {
			name = prefix
		}
		out = append(out, Xattr{Index: raw.index, Name: name, Value: value})
	}
	return out, nil
}

func (fs *FileSystem) xattrValue(ino *Inode, raw rawXattr, values []byte) ([]byte, error) {
	if raw.valueInum != 0 {
		return fs.eaInodeValue(ino, raw)
	}
	end := uint64(raw.valueOffs) + uint64(raw.valueSize)
	if end > uint64(len(values)) {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("value of %q at %d+%d outside %d bytes", raw.name, raw.valueOffs, raw.valueSize, len(values)))
	}
	return append([]byte(nil), values[raw.valueOffs:end]...), nil
}

// eaInodeValue reads a value stored in its own inode (ea_inode feature).
func (fs *FileSystem) eaInodeValue(ino *Inode, raw rawXattr) ([]byte, error) {
	if fs.sb.FeatureIncompat&IncompatEAInode == 0 {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("value of %q in inode %d without ea_inode feature", raw.name, raw.valueInum))
	}
	ea, err := fs.Inode(raw.valueInum)
	if err != nil {
		return nil, err
	}
	if ea.Flags&InodeFlagEAInode == 0 || !ea.IsRegular() || ea.Size < uint64(raw.valueSize) {
		return nil, NewError(ErrCorruptInode, "Xattrs", inodeObject(ino.Num),
			fmt.Sprintf("inode %d is not a %d byte xattr value", raw.valueInum, raw.valueSize))
	}
	r, err := fs.OpenFile(ea)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, raw.valueSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// inlineData returns the content of an inline-data inode: the 60 bytes of
// i_block followed by the system.data attribute, cut to the inode size.
func (fs *FileSystem) inlineData(ino *Inode) ([]byte, error) {
	data := append([]byte(nil), ino.Block[:]...)
	if ino.Size <= inodeBlockLen {
		return data[:ino.Size], nil
	}

	attrs, err := fs.inodeXattrs(ino)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		if a.Name == inlineDataXattrName {
			data = append(data, a.Value...)
			break
		}
	}
	if uint64(len(data)) < ino.Size {
		return nil, NewError(ErrCorruptInode, "inlineData", inodeObject(ino.Num),
			fmt.Sprintf("%d inline bytes for size %d", len(data), ino.Size))
	}
	return data[:ino.Size], nil
}
