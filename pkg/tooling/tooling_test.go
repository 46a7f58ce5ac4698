package tooling

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4/ext4test"
)

func testImage(t *testing.T) string {
	t.Helper()
	b := ext4test.New(ext4test.Options{})
	a := b.MkdirAll(b.Root(), "data/com.example.a")
	b.WriteFile(a, "a.txt", []byte("a"))
	other := b.MkdirAll(b.Root(), "data/org.other")
	b.WriteFile(other, "b.txt", []byte("b"))
	return b.WriteImage(t)
}

func TestMigrateTo(t *testing.T) {
	require.NoError(t, Initialize(InitOptions{SuppressLog: true}))
	require.NoError(t, SetOutput("/migrated", "tree"))
	require.NoError(t, SetPackages("com.example.*"))
	t.Cleanup(func() { _ = SetPackages() })

	out := afero.NewMemMapFs()
	report, err := MigrateTo(context.Background(), testImage(t), out)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Units)
	assert.Equal(t, 2, report.Extracted)

	data, err := afero.ReadFile(out, "/migrated/0/data/com.example.a/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	exists, err := afero.Exists(out, "/migrated/0/data/org.other")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInspect(t *testing.T) {
	require.NoError(t, Initialize(InitOptions{SuppressLog: true}))

	in, err := Inspect(testImage(t))
	require.NoError(t, err)
	assert.Len(t, in.Units, 2)
}
