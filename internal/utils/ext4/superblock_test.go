package ext4_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4/ext4test"
)

func openImage(img []byte) (*ext4.FileSystem, error) {
	return ext4.Open(ext4.NewDevice(bytes.NewReader(img), int64(len(img))))
}

func TestOpenGeometry(t *testing.T) {
	tests := []struct {
		name      string
		opts      ext4test.Options
		blockSize uint32
		inodeSize uint16
		descSize  uint16
		groups    uint32
	}{
		{
			name:      "1k blocks, 256 byte inodes",
			opts:      ext4test.Options{},
			blockSize: 1024,
			inodeSize: 256,
			descSize:  32,
			groups:    2,
		},
		{
			name:      "4k blocks, 128 byte inodes",
			opts:      ext4test.Options{BlockSize: 4096, InodeSize: 128, Groups: 3},
			blockSize: 4096,
			inodeSize: 128,
			descSize:  32,
			groups:    3,
		},
		{
			name:      "64bit descriptors",
			opts:      ext4test.Options{Use64Bit: true, Groups: 4},
			blockSize: 1024,
			inodeSize: 256,
			descSize:  64,
			groups:    4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := ext4test.New(tt.opts).FileSystem(t)
			sum := fs.Summary()

			assert.Equal(t, tt.blockSize, sum.BlockSize)
			assert.Equal(t, tt.inodeSize, sum.InodeSize)
			assert.Equal(t, tt.descSize, sum.DescSize)
			assert.Equal(t, tt.groups, sum.GroupCount)
			assert.Len(t, fs.Groups(), int(tt.groups))
			assert.Contains(t, sum.Features, "filetype")
			assert.Contains(t, sum.Features, "extent")
			assert.False(t, sum.NeedsRecovery)
		})
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	b := ext4test.New(ext4test.Options{})
	b.Patch(func(img []byte) { binary.LittleEndian.PutUint16(img[1024+0x38:], 0x1234) })

	_, err := openImage(b.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, ext4.ErrInvalidImage)
	assert.True(t, ext4.IsFatal(err))
}

func TestOpenRejectsTruncatedImage(t *testing.T) {
	img := ext4test.New(ext4test.Options{}).Bytes()

	_, err := openImage(img[:1500])
	assert.ErrorIs(t, err, ext4.ErrIO)

	// The superblock survives but the inode tables do not.
	_, err = openImage(img[:8192])
	assert.ErrorIs(t, err, ext4.ErrInvalidImage)
}

func TestOpenFeaturePolicy(t *testing.T) {
	tests := []struct {
		name    string
		opts    ext4test.Options
		wantErr error
		detail  string
	}{
		{
			name:    "compression",
			opts:    ext4test.Options{ExtraIncompat: ext4.IncompatCompression},
			wantErr: ext4.ErrUnsupportedFeature,
			detail:  "compression",
		},
		{
			name:    "meta_bg",
			opts:    ext4test.Options{ExtraIncompat: ext4.IncompatMetaBG},
			wantErr: ext4.ErrUnsupportedFeature,
			detail:  "meta_bg",
		},
		{
			name:    "unknown incompat bit",
			opts:    ext4test.Options{ExtraIncompat: 0x40000},
			wantErr: ext4.ErrUnsupportedFeature,
			detail:  "unknown(0x40000)",
		},
		{
			name:    "bigalloc",
			opts:    ext4test.Options{ExtraROCompat: ext4.ROCompatBigalloc},
			wantErr: ext4.ErrUnsupportedFeature,
			detail:  "bigalloc",
		},
		{
			name:    "metadata_csum with unknown checksum",
			opts:    ext4test.Options{MetadataCsum: true, ChecksumType: 2},
			wantErr: ext4.ErrUnsupportedFeature,
			detail:  "checksum type 2",
		},
		{
			name: "metadata_csum with crc32c",
			opts: ext4test.Options{MetadataCsum: true},
		},
		{
			name: "unknown ro_compat bit",
			opts: ext4test.Options{ExtraROCompat: 0x10000},
		},
		{
			name: "android feature set",
			opts: ext4test.Options{
				ExtraIncompat: ext4.IncompatFlexBG | ext4.IncompatEncrypt | ext4.IncompatCasefold |
					ext4.IncompatCsumSeed | ext4.IncompatMMP,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openImage(ext4test.New(tt.opts).Bytes())
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.detail)
		})
	}
}

func TestOpenNeedsRecovery(t *testing.T) {
	fs := ext4test.New(ext4test.Options{ExtraIncompat: ext4.IncompatRecover}).FileSystem(t)

	assert.True(t, fs.Superblock().NeedsRecovery())
	assert.Contains(t, fs.Summary().Features, "needs_recovery")
}

func TestParseSuperblockValidation(t *testing.T) {
	img := ext4test.New(ext4test.Options{}).Bytes()
	raw := func() []byte { return append([]byte(nil), img[1024:2048]...) }

	_, err := ext4.ParseSuperblock(raw()[:100])
	assert.ErrorIs(t, err, ext4.ErrInvalidImage)

	bad := raw()
	binary.LittleEndian.PutUint16(bad[0x58:], 200) // inode size not a power of two
	_, err = ext4.ParseSuperblock(bad)
	assert.ErrorIs(t, err, ext4.ErrInvalidImage)

	bad = raw()
	binary.LittleEndian.PutUint32(bad[0x28:], 0) // inodes per group
	_, err = ext4.ParseSuperblock(bad)
	assert.ErrorIs(t, err, ext4.ErrInvalidImage)

	bad = raw()
	binary.LittleEndian.PutUint32(bad[0x18:], 9) // 512 KiB blocks
	_, err = ext4.ParseSuperblock(bad)
	assert.ErrorIs(t, err, ext4.ErrUnsupportedFeature)

	bad = raw()
	binary.LittleEndian.PutUint32(bad[0x4C:], 0) // revision 0 ignores s_inode_size
	binary.LittleEndian.PutUint16(bad[0x58:], 0)
	sb, err := ext4.ParseSuperblock(bad)
	require.NoError(t, err)
	assert.Equal(t, uint16(128), sb.InodeSize)
}

func TestFeatureNames(t *testing.T) {
	names := map[uint32]string{0x1: "one", 0x4: "four"}
	assert.Equal(t, "four,one,unknown(0x2)", ext4.FeatureNames(0x7, names))
	assert.Equal(t, "", ext4.FeatureNames(0, names))
}

func TestDeviceReadAt(t *testing.T) {
	dev := ext4.NewDevice(bytes.NewReader([]byte("0123456789")), 10)

	buf := make([]byte, 4)
	n, err := dev.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buf))

	_, err = dev.ReadAt(buf, 7)
	assert.ErrorIs(t, err, ext4.ErrIO)

	_, err = dev.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ext4.ErrIO)

	got, err := dev.ReadRange(0, 3)
	require.NoError(t, err)
	assert.Equal(t, "012", string(got))

	// A reader that is shorter than the declared size.
	short := ext4.NewDevice(bytes.NewReader([]byte("01")), 10)
	_, err = short.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ext4.ErrIO)
}
