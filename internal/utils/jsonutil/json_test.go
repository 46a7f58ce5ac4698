package jsonutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

type record struct {
	Path    string `json:"path"`
	Context string `json:"context"`
}

func TestWriteAndReadJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	in := []record{{Path: "a<b>", Context: "u:object_r:app_data_file:s0"}}
	require.NoError(t, WriteJSON(fs, "/out/m.json", in))

	raw, err := afero.ReadFile(fs, "/out/m.json")
	require.NoError(t, err)
	assert.Equal(t, "[\n  {\n    \"path\": \"a<b>\",\n    \"context\": \"u:object_r:app_data_file:s0\"\n  }\n]\n", string(raw))

	var out []record
	require.NoError(t, ReadJSON(fs, "/out/m.json", &out))
	assert.Equal(t, in, out)
}

func TestMarshalMinified(t *testing.T) {
	data, err := Marshal(record{Path: "p"}, JSONOptions{Format: FormatMinified})
	require.NoError(t, err)
	assert.Equal(t, `{"path":"p","context":""}`+"\n", string(data))
}

func TestJSONErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := WriteJSON(fs, "/missing/m.json", record{})
	assert.ErrorIs(t, err, errors.ErrDirNotFound)

	var out record
	err = ReadJSON(fs, "/nope.json", &out)
	assert.ErrorIs(t, err, errors.ErrFileNotFound)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte("{"), 0o644))
	err = ReadJSON(fs, "/bad.json", &out)
	assert.ErrorIs(t, err, errors.ErrUnsupportedFile)
}
