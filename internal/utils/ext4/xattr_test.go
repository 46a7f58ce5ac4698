package ext4_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4/ext4test"
)

const appDataContext = "u:object_r:app_data_file:s0:c512,c768"

func TestSecurityContext(t *testing.T) {
	tests := []struct {
		name string
		opts ext4test.Options
		file []ext4test.Option
		want string
	}{
		{name: "in inode", file: []ext4test.Option{ext4test.Context(appDataContext)}, want: appDataContext},
		{
			name: "in attribute block",
			opts: ext4test.Options{InodeSize: 128},
			file: []ext4test.Option{ext4test.Context(appDataContext)},
			want: appDataContext,
		},
		{name: "absent", want: ""},
		{
			name: "4k blocks",
			opts: ext4test.Options{BlockSize: 4096},
			file: []ext4test.Option{ext4test.Context("u:object_r:system_data_file:s0")},
			want: "u:object_r:system_data_file:s0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ext4test.New(tt.opts)
			num := b.WriteFile(b.Root(), "f", []byte("x"), tt.file...)
			fs := b.FileSystem(t)

			ino, err := fs.Inode(num)
			require.NoError(t, err)
			got, err := fs.SecurityContext(ino)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestXattrsInodeAndBlock(t *testing.T) {
	b := ext4test.New(ext4test.Options{})
	num := b.WriteFile(b.Root(), "f", nil, ext4test.Context(appDataContext))
	b.SetXattr(num, ext4.XattrIndexUser, "origin", []byte("twrp"), true)
	b.SetXattr(num, ext4.XattrIndexTrusted, "overlay", []byte("y"), true)
	b.SetXattr(num, ext4.XattrIndexACLAccess, "", []byte{2, 0, 0, 0}, true)
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	got, err := fs.Xattrs(ino)
	require.NoError(t, err)

	want := []ext4.Xattr{
		{Index: ext4.XattrIndexSecurity, Name: "security.selinux", Value: append([]byte(appDataContext), 0)},
		{Index: ext4.XattrIndexUser, Name: "user.origin", Value: []byte("twrp")},
		{Index: ext4.XattrIndexTrusted, Name: "trusted.overlay", Value: []byte("y")},
		{Index: ext4.XattrIndexACLAccess, Name: "system.posix_acl_access", Value: []byte{2, 0, 0, 0}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Xattrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestXattrValueInEAInode(t *testing.T) {
	value := bytes.Repeat([]byte("v"), 3000)

	b := ext4test.New(ext4test.Options{ExtraIncompat: ext4.IncompatEAInode})
	ea := b.WriteFile(b.Root(), ".ea", value, ext4test.Flags(ext4.InodeFlagEAInode))
	num := b.WriteFile(b.Root(), "f", nil)
	b.SetXattrInode(num, ext4.XattrIndexUser, "big", ea, uint32(len(value)))
	fs := b.FileSystem(t)

	ino, err := fs.Inode(num)
	require.NoError(t, err)
	attrs, err := fs.Xattrs(ino)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "user.big", attrs[0].Name)
	assert.True(t, bytes.Equal(value, attrs[0].Value))
}

func TestXattrCorruption(t *testing.T) {
	tests := []struct {
		name  string
		patch func(b *ext4test.Builder, num uint32, img []byte)
	}{
		{
			name: "value outside region",
			patch: func(b *ext4test.Builder, num uint32, img []byte) {
				// First in-inode entry: e_value_size.
				off := b.InodeOffset(num) + 128 + 32 + 4
				binary.LittleEndian.PutUint32(img[off+8:], 5000)
			},
		},
		{
			name: "name past region",
			patch: func(b *ext4test.Builder, num uint32, img []byte) {
				off := b.InodeOffset(num) + 128 + 32 + 4
				img[off] = 250
			},
		},
		{
			name: "block pointer outside filesystem",
			patch: func(b *ext4test.Builder, num uint32, img []byte) {
				binary.LittleEndian.PutUint32(img[b.InodeOffset(num)+0x68:], 0xFFFFFF)
			},
		},
		{
			name: "extra_isize past inode",
			patch: func(b *ext4test.Builder, num uint32, img []byte) {
				binary.LittleEndian.PutUint16(img[b.InodeOffset(num)+0x80:], 200)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ext4test.New(ext4test.Options{})
			num := b.WriteFile(b.Root(), "f", nil, ext4test.Context(appDataContext))
			b.Patch(func(img []byte) { tt.patch(b, num, img) })
			fs := b.FileSystem(t)

			ino, err := fs.Inode(num)
			if err == nil {
				_, err = fs.SecurityContext(ino)
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ext4.ErrCorruptInode)
		})
	}
}
