package ext4

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// DataReader reads the logical content of an inode: mapped blocks are
// copied from the image, holes and unwritten extents read as zeros, and
// reads stop at the inode size. It implements io.Reader, io.ReaderAt and
// io.Seeker.
type DataReader struct {
	fs     *FileSystem
	ino    *Inode
	size   int64
	runs   []Run
	inline []byte
	off    int64
}

// OpenFile returns a reader over the content of a regular file, directory
// or symlink inode.
func (fs *FileSystem) OpenFile(ino *Inode) (*DataReader, error) {
	if ino.Type != TypeRegular && ino.Type != TypeDirectory && ino.Type != TypeSymlink {
		return nil, NewError(ErrNotRegular, "OpenFile", inodeObject(ino.Num), ino.Type.String())
	}
	if ino.IsEncrypted() {
		return nil, NewError(ErrEncrypted, "OpenFile", inodeObject(ino.Num), "")
	}
	// ext4 caps logical block numbers at 32 bits.
	if ino.Size > uint64(fs.sb.BlockSize)<<32 {
		return nil, NewError(ErrCorruptInode, "OpenFile", inodeObject(ino.Num),
			fmt.Sprintf("size %d exceeds the maximum file size", ino.Size))
	}

	r := &DataReader{fs: fs, ino: ino, size: int64(ino.Size)}
	switch {
	case ino.HasInlineData():
		data, err := fs.inlineData(ino)
		if err != nil {
			return nil, err
		}
		r.inline = data
	case ino.IsFastSymlink():
		r.inline = ino.Block[:ino.Size]
	default:
		runs, err := fs.Runs(ino)
		if err != nil {
			return nil, err
		}
		r.runs = runs
	}
	return r, nil
}

// Size returns the logical size of the content.
func (r *DataReader) Size() int64 { return r.size }

// Runs returns the block runs backing the reader.
func (r *DataReader) Runs() []Run { return r.runs }

// mapped reports whether file block blk is backed by written data.
func (r *DataReader) mapped(blk uint64) bool {
	i := sort.Search(len(r.runs), func(i int) bool { return r.runs[i].End() > blk })
	return i < len(r.runs) && r.runs[i].Logical <= blk && !r.runs[i].Uninit
}

func (r *DataReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

func (r *DataReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("ext4.DataReader.Seek: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("ext4.DataReader.Seek: negative position")
	}
	r.off = abs
	return abs, nil
}

func (r *DataReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("ext4.DataReader.ReadAt: negative offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}

	want := p
	if int64(len(want)) > r.size-off {
		want = want[:r.size-off]
	}

	var err error
	if r.runs == nil {
		r.readInline(want, off)
	} else {
		err = r.readRuns(want, off)
	}
	if err != nil {
		return 0, err
	}
	if len(want) < len(p) {
		return len(want), io.EOF
	}
	return len(want), nil
}

func (r *DataReader) readInline(p []byte, off int64) {
	var n int
	if off < int64(len(r.inline)) {
		n = copy(p, r.inline[off:])
	}
	clear(p[n:])
}

func (r *DataReader) readRuns(p []byte, off int64) error {
	bs := int64(r.fs.sb.BlockSize)
	for done := 0; done < len(p); {
		pos := off + int64(done)
		blk := uint64(pos / bs)
		i := sort.Search(len(r.runs), func(i int) bool { return r.runs[i].End() > blk })

		remaining := int64(len(p) - done)
		if i < len(r.runs) && r.runs[i].Logical <= blk {
			run := r.runs[i]
			chunk := min(int64(run.End())*bs-pos, remaining)
			dst := p[done : done+int(chunk)]
			if run.Uninit {
				clear(dst)
			} else {
				phys := BlockOffset(run.Physical+(blk-run.Logical), r.fs.sb.BlockSize) + pos%bs
				if _, err := r.fs.dev.ReadAt(dst, phys); err != nil {
					return err
				}
			}
			done += int(chunk)
			continue
		}

		chunk := remaining
		if i < len(r.runs) {
			chunk = min(int64(r.runs[i].Logical)*bs-pos, remaining)
		}
		clear(p[done : done+int(chunk)])
		done += int(chunk)
	}
	return nil
}

// maxSymlinkLen bounds slow symlink targets, which occupy a single block.
const maxSymlinkLen = 4096

// Readlink returns the target of a symlink inode without following it.
func (fs *FileSystem) Readlink(ino *Inode) (string, error) {
	if !ino.IsSymlink() {
		return "", NewError(ErrNotSymlink, "Readlink", inodeObject(ino.Num), ino.Type.String())
	}
	if ino.Size == 0 || ino.Size > maxSymlinkLen {
		return "", NewError(ErrCorruptInode, "Readlink", inodeObject(ino.Num),
			fmt.Sprintf("symlink of %d bytes", ino.Size))
	}
	r, err := fs.OpenFile(ino)
	if err != nil {
		return "", err
	}
	buf := make([]byte, ino.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
