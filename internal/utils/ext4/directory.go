package ext4

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	dirEntryHeaderSize = 8
	// inlineDirParentSize is the parent inode number that opens an inline
	// directory in place of the "." and ".." records.
	inlineDirParentSize = 4
)

var dirEntryTypes = map[uint8]FileType{
	1: TypeRegular,
	2: TypeDirectory,
	3: TypeCharDevice,
	4: TypeBlockDevice,
	5: TypeFIFO,
	6: TypeSocket,
	7: TypeSymlink,
}

// DirEntry is one named link in a directory.
type DirEntry struct {
	Name  string
	Inode uint32
	// Type is the hint stored in the entry; TypeUnknown when the image has
	// no filetype feature.
	Type FileType
}

// badEntry is an entry dropped from a listing, such as a repeated name.
type badEntry struct {
	entry DirEntry
	err   error
}

// ReadDir returns the entries of a directory sorted by name, without "."
// and "..". Repeated or malformed names are dropped; Walk reports them.
func (fs *FileSystem) ReadDir(ino *Inode) ([]DirEntry, error) {
	entries, _, err := fs.readDir(ino)
	return entries, err
}

func (fs *FileSystem) readDir(ino *Inode) ([]DirEntry, []badEntry, error) {
	if !ino.IsDir() {
		return nil, nil, NewError(ErrNotDirectory, "ReadDir", inodeObject(ino.Num), ino.Type.String())
	}
	r, err := fs.OpenFile(ino)
	if err != nil {
		return nil, nil, err
	}

	p := dirParser{fs: fs, ino: ino, seen: make(map[string]bool)}
	if ino.HasInlineData() {
		data := make([]byte, r.Size())
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, nil, err
		}
		if len(data) < inlineDirParentSize {
			return nil, nil, NewError(ErrCorruptInode, "ReadDir", inodeObject(ino.Num), "inline directory without parent")
		}
		// i_block and system.data are separate record areas.
		split := min(len(data), inodeBlockLen)
		if err := p.parse(data[inlineDirParentSize:split]); err != nil {
			return nil, nil, err
		}
		if err := p.parse(data[split:]); err != nil {
			return nil, nil, err
		}
	} else {
		bs := int64(fs.sb.BlockSize)
		buf := make([]byte, bs)
		for off := int64(0); off < r.Size(); off += bs {
			// Holes hold no records.
			if !r.mapped(uint64(off / bs)) {
				continue
			}
			n, err := r.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				return nil, nil, err
			}
			if err := p.parse(buf[:n]); err != nil {
				return nil, nil, err
			}
		}
	}

	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].Name < p.entries[j].Name })
	return p.entries, p.bad, nil
}

type dirParser struct {
	fs      *FileSystem
	ino     *Inode
	seen    map[string]bool
	entries []DirEntry
	bad     []badEntry
}

// parse decodes the records of one block. Records never cross the end of
// the area they were found in.
func (p *dirParser) parse(area []byte) error {
	le := binary.LittleEndian
	for off := 0; off < len(area); {
		if off+dirEntryHeaderSize > len(area) {
			return p.corrupt(off, "truncated record header")
		}
		rec := area[off:]
		inum := le.Uint32(rec[0:])
		recLen := int(le.Uint16(rec[4:]))
		nameLen := int(le.Uint16(rec[6:]))
		var hint FileType
		if p.fs.sb.HasFiletype() {
			nameLen = int(rec[6])
			hint = dirEntryTypes[rec[7]]
		}

		switch {
		case recLen < dirEntryHeaderSize || recLen%4 != 0:
			return p.corrupt(off, fmt.Sprintf("rec_len %d", recLen))
		case off+recLen > len(area):
			return p.corrupt(off, fmt.Sprintf("rec_len %d crosses block end", recLen))
		case dirEntryHeaderSize+nameLen > recLen:
			return p.corrupt(off, fmt.Sprintf("name_len %d in rec_len %d", nameLen, recLen))
		}

		if inum != 0 {
			p.add(DirEntry{
				Name:  string(rec[dirEntryHeaderSize : dirEntryHeaderSize+nameLen]),
				Inode: inum,
				Type:  hint,
			})
		}
		off += recLen
	}
	return nil
}

func (p *dirParser) add(e DirEntry) {
	if e.Name == "." || e.Name == ".." {
		return
	}
	obj := inodeObject(p.ino.Num)
	switch {
	case e.Name == "" || strings.ContainsAny(e.Name, "/\x00"):
		p.bad = append(p.bad, badEntry{e, NewError(ErrCorruptImage, "ReadDir", obj, fmt.Sprintf("invalid name %q", e.Name))})
	case p.seen[e.Name]:
		p.bad = append(p.bad, badEntry{e, NewError(ErrCorruptImage, "ReadDir", obj, fmt.Sprintf("repeated name %q", e.Name))})
	default:
		p.seen[e.Name] = true
		p.entries = append(p.entries, e)
	}
}

func (p *dirParser) corrupt(off int, detail string) error {
	return NewError(ErrCorruptInode, "ReadDir", inodeObject(p.ino.Num), fmt.Sprintf("record at %d: %s", off, detail))
}
