package sink

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/cryptoutil"
	apperrors "github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/jsonutil"
)

var testMtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const helloSHA256 = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func dirEntity(path string, mode uint16) *Entity {
	return &Entity{Path: path, Type: ext4.TypeDirectory, Mode: mode, UID: 10123, GID: 10123,
		Context: "u:object_r:app_data_file:s0", Size: 1024, Mtime: testMtime}
}

func fileEntity(path, content string) *Entity {
	return &Entity{Path: path, Type: ext4.TypeRegular, Mode: 0o660, UID: 10123, GID: 10123,
		Context: "u:object_r:app_data_file:s0", Size: int64(len(content)), Mtime: testMtime,
		Content: strings.NewReader(content)}
}

func writeAll(t *testing.T, s Sink, u Unit, entities ...*Entity) {
	t.Helper()
	w, err := s.Open(u)
	require.NoError(t, err)
	for _, e := range entities {
		require.NoError(t, w.Write(e), e.Path)
	}
	require.NoError(t, w.Close())
}

func TestTreeSinkUnitDir(t *testing.T) {
	s, err := NewTreeSink(afero.NewMemMapFs(), "/out", cryptoutil.SHA256)
	require.NoError(t, err)

	tests := []struct {
		unit Unit
		dir  string
	}{
		{Unit{User: 0, Package: "com.example", Storage: StorageCE}, "/out/0/data/com.example"},
		{Unit{User: 10, Package: "com.example", Storage: StorageDE}, "/out/10/user_de/com.example"},
		{Unit{Package: "com.example", Storage: StorageAPK, Users: []int{0}}, "/out/apk/com.example"},
	}
	for _, tt := range tests {
		t.Run(tt.unit.String(), func(t *testing.T) {
			dir, manifest, err := s.UnitDir(tt.unit)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.dir), dir)
			assert.Equal(t, dir+".metadata.json", manifest)
		})
	}

	_, _, err = s.UnitDir(Unit{Package: "..", Storage: StorageCE})
	assert.ErrorIs(t, err, apperrors.ErrUnsafeOutputPath)
}

func TestTreeSinkWritesUnit(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewTreeSink(fs, "/out", cryptoutil.SHA256)
	require.NoError(t, err)

	u := Unit{User: 0, Package: "com.example", Storage: StorageCE}
	link := fileEntity("files/b.txt", "")
	link.HardlinkOf = "files/a.txt"
	link.Size = 5
	link.Content = nil

	writeAll(t, s, u,
		dirEntity("", 0o700),
		dirEntity("files", 0o771),
		fileEntity("files/a.txt", "hello"),
		link,
		&Entity{Path: "lib", Type: ext4.TypeSymlink, Mode: 0o777, Mtime: testMtime,
			LinkTarget: "/data/app/com.example-1/lib/arm64", Size: 33},
		&Entity{Path: "files/null", Type: ext4.TypeCharDevice, Mode: 0o600, Mtime: testMtime,
			Major: 1, Minor: 3},
	)
	require.NoError(t, s.Finish())

	for _, name := range []string{"a.txt", "b.txt"} {
		data, err := afero.ReadFile(fs, "/out/0/data/com.example/files/"+name)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		info, err := fs.Stat("/out/0/data/com.example/files/" + name)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(testMtime))
		assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
	}
	exists, err := afero.Exists(fs, "/out/0/data/com.example/files/null")
	require.NoError(t, err)
	assert.False(t, exists, "devices are not materialized")

	var records []Record
	require.NoError(t, jsonutil.ReadJSON(fs, "/out/0/data/com.example.metadata.json", &records))

	ctx := "u:object_r:app_data_file:s0"
	want := []Record{
		{Path: ".", Type: "dir", Mode: "0700", UID: 10123, GID: 10123, Context: ctx, Size: 1024, Mtime: testMtime.Unix()},
		{Path: "files", Type: "dir", Mode: "0771", UID: 10123, GID: 10123, Context: ctx, Size: 1024, Mtime: testMtime.Unix()},
		{Path: "files/a.txt", Type: "file", Mode: "0660", UID: 10123, GID: 10123, Context: ctx, Size: 5, Mtime: testMtime.Unix(), Digest: helloSHA256},
		{Path: "files/b.txt", Type: "file", Mode: "0660", UID: 10123, GID: 10123, Context: ctx, Size: 5, Mtime: testMtime.Unix(), Digest: helloSHA256, HardlinkOf: "files/a.txt"},
		{Path: "files/null", Type: "chardev", Mode: "0600", Mtime: testMtime.Unix(), Device: "1:3"},
		{Path: "lib", Type: "symlink", Mode: "0777", Size: 33, Mtime: testMtime.Unix(), LinkTarget: "/data/app/com.example-1/lib/arm64"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	digest, alg := cryptoutil.ParseHashWithAlgorithm(records[2].Digest)
	assert.Equal(t, cryptoutil.SHA256, alg)
	assert.Len(t, digest, 64)
}

func TestTreeSinkKeepsOwnerAccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewTreeSink(fs, "/out", cryptoutil.SHA256)
	require.NoError(t, err)

	ro := fileEntity("ro", "x")
	ro.Mode = 0o400
	writeAll(t, s, Unit{Package: "com.example", Storage: StorageDE}, dirEntity("", 0o500), ro)

	info, err := fs.Stat("/out/0/user_de/com.example")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = fs.Stat("/out/0/user_de/com.example/ro")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTreeSinkSymlinkOnDisk(t *testing.T) {
	root := t.TempDir()
	s, err := NewTreeSink(afero.NewOsFs(), root, cryptoutil.SHA256)
	require.NoError(t, err)

	u := Unit{Package: "com.example", Storage: StorageCE}
	lnk := &Entity{Path: "lib", Type: ext4.TypeSymlink, Mode: 0o777, Mtime: testMtime, LinkTarget: "../lib"}
	writeAll(t, s, u, dirEntity("", 0o751), lnk)
	// A second run replaces the existing link.
	writeAll(t, s, u, dirEntity("", 0o751), lnk)

	target, err := os.Readlink(filepath.Join(root, "0", "data", "com.example", "lib"))
	require.NoError(t, err)
	assert.Equal(t, "../lib", target)
}

func TestTreeSinkReplacesStaleSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	s, err := NewTreeSink(afero.NewOsFs(), root, cryptoutil.SHA256)
	require.NoError(t, err)

	u := Unit{Package: "com.example", Storage: StorageCE}
	dir := filepath.Join(root, "0", "data", "com.example")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "files")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "victim"), filepath.Join(dir, "prefs.xml")))

	writeAll(t, s, u,
		dirEntity("", 0o700),
		dirEntity("files", 0o771),
		fileEntity("files/a.txt", "hello"),
		fileEntity("prefs.xml", "<map/>"),
	)

	info, err := os.Lstat(filepath.Join(dir, "files"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.FileExists(t, filepath.Join(dir, "files", "a.txt"))

	info, err = os.Lstat(filepath.Join(dir, "prefs.xml"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written through a stale link")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, ext4.ErrIO }

func TestTreeSinkContentErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewTreeSink(fs, "/out", cryptoutil.SHA256)
	require.NoError(t, err)

	w, err := s.Open(Unit{Package: "com.example", Storage: StorageCE})
	require.NoError(t, err)
	require.NoError(t, w.Write(dirEntity("", 0o700)))

	broken := fileEntity("broken", "")
	broken.Size = 10
	broken.Content = failingReader{}
	err = w.Write(broken)
	assert.ErrorIs(t, err, ext4.ErrIO)
	assert.False(t, errors.Is(err, apperrors.ErrOutputWrite))

	short := fileEntity("short", "abc")
	short.Size = 8
	assert.ErrorIs(t, w.Write(short), ext4.ErrCorruptInode)

	assert.ErrorIs(t, w.Write(fileEntity("../escape", "x")), apperrors.ErrOutputWrite)

	// The writer is still usable after failed entities.
	require.NoError(t, w.Write(fileEntity("ok", "hello")))
	require.NoError(t, w.Close())

	for _, name := range []string{"broken", "short"} {
		exists, err := afero.Exists(fs, "/out/0/data/com.example/"+name)
		require.NoError(t, err)
		assert.False(t, exists, "partial %s is removed", name)
	}

	var records []Record
	require.NoError(t, jsonutil.ReadJSON(fs, "/out/0/data/com.example.metadata.json", &records))
	require.Len(t, records, 2)
	assert.Equal(t, "ok", records[1].Path)
}

func TestTreeSinkEmptyUnitHasNoManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewTreeSink(fs, "/out", cryptoutil.BLAKE2b)
	require.NoError(t, err)

	w, err := s.Open(Unit{Package: "com.example", Storage: StorageCE})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	exists, err := afero.Exists(fs, "/out/0/data/com.example.metadata.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopyContentCountsBytes(t *testing.T) {
	e := fileEntity("x", "hello")
	n, err := copyContent(io.Discard, e, e.Path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	n, err = copyContent(io.Discard, &Entity{Path: "link"}, "link")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTreeSinkVerify(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewTreeSink(fs, "/out", cryptoutil.SHA256)
	require.NoError(t, err)

	writeAll(t, s, Unit{User: 0, Package: "com.example", Storage: StorageCE},
		dirEntity("", 0o700),
		fileEntity("a.txt", "hello"),
		fileEntity("b.txt", "world"),
		fileEntity("c.txt", "again"),
	)
	require.NoError(t, s.Finish())
	assert.Empty(t, s.Verify())

	dir := "/out/0/data/com.example/"
	require.NoError(t, afero.WriteFile(fs, dir+"a.txt", []byte("HELLO"), 0o660))
	require.NoError(t, afero.WriteFile(fs, dir+"b.txt", []byte("world!"), 0o660))
	require.NoError(t, fs.Remove(dir+"c.txt"))

	got := s.Verify()
	require.Len(t, got, 3)
	assert.Equal(t, filepath.FromSlash(dir+"a.txt"), got[0].Path)
	assert.Equal(t, "content differs from manifest digest", got[0].Reason)
	assert.Equal(t, "size 6, manifest has 5", got[1].Reason)
	assert.Equal(t, filepath.FromSlash(dir+"c.txt"), got[2].Path)
}
