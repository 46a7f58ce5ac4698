package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/migrate"
	"github.com/deploymenttheory/twrp-evacuate/internal/sink"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4/ext4test"
)

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &migrate.Report{
		Units:     3,
		Visited:   12,
		Extracted: 10,
		Filtered:  1,
		Skipped:   []migrate.Skip{{Path: "data/com.example/files/ghost", Reason: "corrupt inode"}},
		Users:     map[int]int{10: 2, 0: 8},
		Elapsed:   1500 * time.Microsecond,
	})

	out := buf.String()
	assert.Contains(t, out, "Extracted:  10")
	assert.Contains(t, out, "User 0:     8")
	assert.Contains(t, out, "User 10:    2")
	assert.Contains(t, out, "skipped data/com.example/files/ghost (inode 0): corrupt inode")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("User 0")), bytes.Index(buf.Bytes(), []byte("User 10")))
}

func TestPrintReportMismatches(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &migrate.Report{
		Units:      1,
		Verified:   true,
		Mismatches: []sink.Mismatch{{Path: "/out/0/data/com.example/a.txt", Reason: "size 6, manifest has 5"}},
	})

	out := buf.String()
	assert.Contains(t, out, "Mismatches:  1")
	assert.Contains(t, out, "mismatch /out/0/data/com.example/a.txt: size 6, manifest has 5")

	buf.Reset()
	printReport(&buf, &migrate.Report{Units: 1})
	assert.NotContains(t, buf.String(), "Mismatches")
}

func TestInspectCommand(t *testing.T) {
	b := ext4test.New(ext4test.Options{})
	pkg := b.MkdirAll(b.Root(), "data/com.example")
	b.WriteFile(pkg, "prefs.xml", []byte("<map/>"))
	image := b.WriteImage(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"inspect", "--json", image})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		inspectJSON = false
	})
	require.NoError(t, rootCmd.Execute())

	var in migrate.Inspection
	require.NoError(t, json.Unmarshal(out.Bytes(), &in))
	assert.Equal(t, image, in.Image)
	require.Len(t, in.Units, 1)
	assert.Equal(t, "data/com.example", in.Units[0].Path)
	assert.EqualValues(t, 1024, in.Summary.BlockSize)
}

func TestInspectCommandMissingImage(t *testing.T) {
	rootCmd.SetArgs([]string{"inspect", "/nonexistent/data.ext4.win"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	assert.Error(t, rootCmd.Execute())
}
