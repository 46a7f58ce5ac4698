package ext4_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4/ext4test"
)

// pattern returns n bytes that differ from block to block.
func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/1024)
	}
	return out
}

func readAll(t *testing.T, fs *ext4.FileSystem, num uint32) []byte {
	t.Helper()
	ino, err := fs.Inode(num)
	require.NoError(t, err)
	r, err := fs.OpenFile(ino)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, data, int(ino.Size))
	return data
}

func TestReadFileContent(t *testing.T) {
	sparse := make([]byte, 5*1024+100)
	copy(sparse[2048:], "middle")
	copy(sparse[len(sparse)-4:], "tail")

	tests := []struct {
		name string
		opts ext4test.Options
		data []byte
		file []ext4test.Option
	}{
		{name: "empty", data: []byte{}},
		{name: "single block", data: []byte("hello, world")},
		{name: "multi block extent", data: pattern(10*1024 + 17)},
		{name: "4k blocks", opts: ext4test.Options{BlockSize: 4096}, data: pattern(3*4096 + 1)},
		{name: "sparse", data: sparse, file: []ext4test.Option{ext4test.Sparse()}},
		{name: "fully sparse", data: make([]byte, 10000), file: []ext4test.Option{ext4test.Sparse()}},
		{name: "unwritten extents", data: sparse, file: []ext4test.Option{ext4test.Unwritten()}},
		{name: "depth 1 extent tree", data: pattern(8 * 1024), file: []ext4test.Option{ext4test.Fragmented()}},
		{name: "block map direct", data: pattern(5 * 1024), file: []ext4test.Option{ext4test.BlockMapped()}},
		{name: "block map sparse", data: sparse, file: []ext4test.Option{ext4test.BlockMapped(), ext4test.Sparse()}},
		{
			name: "block map double indirect",
			opts: ext4test.Options{Groups: 3},
			data: pattern(300 * 1024),
			file: []ext4test.Option{ext4test.BlockMapped()},
		},
		{name: "legacy filesystem", opts: ext4test.Options{NoExtents: true}, data: pattern(20 * 1024)},
		{name: "inline small", data: []byte("inline"), file: []ext4test.Option{ext4test.Inline()}},
		{name: "inline with system.data", data: pattern(100), file: []ext4test.Option{ext4test.Inline()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ext4test.New(tt.opts)
			num := b.WriteFile(b.Root(), "file", tt.data, tt.file...)
			fs := b.FileSystem(t)

			got := readAll(t, fs, num)
			assert.True(t, bytes.Equal(tt.data, got), "content mismatch")
		})
	}
}

func TestRunsOfSparseFile(t *testing.T) {
	data := make([]byte, 6*1024)
	copy(data[1024:], "a")
	copy(data[4*1024:], "b")

	b := ext4test.New(ext4test.Options{})
	num := b.WriteFile(b.Root(), "f", data, ext4test.Sparse())
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	runs, err := fs.Runs(ino)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, uint64(1), runs[0].Logical)
	assert.Equal(t, uint64(4), runs[1].Logical)
	assert.Equal(t, uint64(1), runs[0].Len)
}

func TestDataReaderSeekAndReadAt(t *testing.T) {
	data := pattern(3000)
	b := ext4test.New(ext4test.Options{})
	num := b.WriteFile(b.Root(), "f", data)
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	r, err := fs.OpenFile(ino)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), r.Size())

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[1000:1100], buf)

	// Reads across the end return the remainder with io.EOF.
	n, err = r.ReadAt(buf, 2950)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 50, n)

	_, err = r.ReadAt(buf, 3000)
	assert.Equal(t, io.EOF, err)

	pos, err := r.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(2990), pos)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[2990:], rest)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestReadlink(t *testing.T) {
	long := strings.Repeat("x/", 60) + "target"

	b := ext4test.New(ext4test.Options{})
	fast := b.Symlink(b.Root(), "fast", "/data/media/0")
	slow := b.Symlink(b.Root(), "slow", long)
	file := b.WriteFile(b.Root(), "file", []byte("x"))
	fs := b.FileSystem(t)

	for num, want := range map[uint32]string{fast: "/data/media/0", slow: long} {
		ino, err := fs.Inode(num)
		require.NoError(t, err)
		got, err := fs.Readlink(ino)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ino, err := fs.Inode(fast)
	require.NoError(t, err)
	assert.True(t, ino.IsFastSymlink())

	ino, err = fs.Inode(file)
	require.NoError(t, err)
	_, err = fs.Readlink(ino)
	assert.ErrorIs(t, err, ext4.ErrNotSymlink)
}

func TestEncryptedInode(t *testing.T) {
	b := ext4test.New(ext4test.Options{ExtraIncompat: ext4.IncompatEncrypt})
	num := b.WriteFile(b.Root(), "secret", []byte("ciphertext"), ext4test.Flags(ext4.InodeFlagEncrypt))
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	_, err = fs.OpenFile(ino)
	assert.ErrorIs(t, err, ext4.ErrEncrypted)
	assert.False(t, ext4.IsFatal(err))
}

func TestCorruptExtents(t *testing.T) {
	tests := []struct {
		name  string
		patch func(iblock []byte)
	}{
		{
			name:  "bad magic",
			patch: func(iblock []byte) { binary.LittleEndian.PutUint16(iblock[0:], 0xBEEF) },
		},
		{
			name:  "entries above max",
			patch: func(iblock []byte) { binary.LittleEndian.PutUint16(iblock[2:], 9) },
		},
		{
			name:  "depth beyond bound",
			patch: func(iblock []byte) { binary.LittleEndian.PutUint16(iblock[6:], 6) },
		},
		{
			name:  "extent outside filesystem",
			patch: func(iblock []byte) { binary.LittleEndian.PutUint32(iblock[12+8:], 0xFFFFFF) },
		},
		{
			name: "child of wrong depth",
			// A root claiming depth 3 above a leaf.
			patch: func(iblock []byte) { binary.LittleEndian.PutUint16(iblock[6:], 3) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ext4test.New(ext4test.Options{})
			var opts []ext4test.Option
			if tt.name == "child of wrong depth" {
				opts = append(opts, ext4test.Fragmented())
			}
			num := b.WriteFile(b.Root(), "f", pattern(8*1024), opts...)
			b.Patch(func(img []byte) { tt.patch(img[b.InodeOffset(num)+0x28:]) })
			fs := b.FileSystem(t)

			ino, err := fs.Inode(num)
			require.NoError(t, err)
			_, err = fs.OpenFile(ino)
			require.Error(t, err)
			assert.True(t, ext4.IsCorrupt(err), "got %v", err)
		})
	}
}

func TestInodeDecoding(t *testing.T) {
	b := ext4test.New(ext4test.Options{})
	num := b.WriteFile(b.Root(), "owned", []byte("data"),
		ext4test.Owner(1010123, 1010123), ext4test.Perm(0o4750))
	dev := b.Mknod(b.Root(), "null", ext4.TypeCharDevice, 1, 3)
	b.Link(b.Root(), "owned2", num)
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	assert.Equal(t, ext4.TypeRegular, ino.Type)
	assert.Equal(t, uint32(1010123), ino.UID)
	assert.Equal(t, uint32(1010123), ino.GID)
	assert.Equal(t, uint16(0o4750), ino.Perm())
	assert.Equal(t, uint16(2), ino.Links)
	assert.True(t, ext4test.DefaultMtime.Equal(ino.Mtime), "mtime %v", ino.Mtime)

	ino, err = fs.Inode(dev)
	require.NoError(t, err)
	assert.Equal(t, ext4.TypeCharDevice, ino.Type)
	major, minor := ino.DeviceNumbers()
	assert.Equal(t, uint32(1), major)
	assert.Equal(t, uint32(3), minor)

	root, err := fs.Inode(ext4.RootInode)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
}

func TestInodeErrors(t *testing.T) {
	b := ext4test.New(ext4test.Options{})
	num := b.WriteFile(b.Root(), "f", nil)
	fifo := b.Mknod(b.Root(), "fifo", ext4.TypeFIFO, 0, 0)
	b.Patch(func(img []byte) {
		off := b.InodeOffset(num)
		binary.LittleEndian.PutUint16(img[off:], 0x7000|0o644) // no such type
		binary.LittleEndian.PutUint32(img[b.InodeOffset(fifo)+4:], 12)
	})
	fs := b.FileSystem(t)

	_, err := fs.Inode(0)
	assert.ErrorIs(t, err, ext4.ErrCorruptImage)
	_, err = fs.Inode(fs.Superblock().InodesCount + 1)
	assert.ErrorIs(t, err, ext4.ErrCorruptImage)

	_, err = fs.Inode(num)
	assert.ErrorIs(t, err, ext4.ErrCorruptInode)

	_, err = fs.Inode(fifo)
	assert.ErrorIs(t, err, ext4.ErrCorruptInode)

	// Never allocated.
	_, err = fs.Inode(100)
	assert.ErrorIs(t, err, ext4.ErrCorruptInode)
}
