package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

// JSONFormat represents the formatting style for JSON files
type JSONFormat int

const (
	// FormatIndented uses indented JSON with 2-space indentation
	FormatIndented JSONFormat = iota
	// FormatMinified removes all whitespace
	FormatMinified
)

// JSONOptions provides configuration for JSON operations
type JSONOptions struct {
	Format       JSONFormat
	IndentPrefix string
	IndentSize   int
}

// DefaultJSONOptions provides default settings for JSON formatting
var DefaultJSONOptions = JSONOptions{
	Format:       FormatIndented,
	IndentPrefix: "",
	IndentSize:   2,
}

// Marshal encodes v with the given formatting and a trailing newline.
// HTML characters are not escaped.
func Marshal(v interface{}, options ...JSONOptions) ([]byte, error) {
	opts := DefaultJSONOptions
	if len(options) > 0 {
		opts = options[0]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if opts.Format == FormatIndented {
		enc.SetIndent(opts.IndentPrefix, strings.Repeat(" ", opts.IndentSize))
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSON encodes v into path on fs. The parent directory must exist.
func WriteJSON(fs afero.Fs, path string, v interface{}, options ...JSONOptions) error {
	if ok, _ := afero.DirExists(fs, filepath.Dir(path)); !ok {
		return fmt.Errorf("%w: %s", errors.ErrDirNotFound, filepath.Dir(path))
	}

	data, err := Marshal(v, options...)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}

	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// ReadJSON decodes the JSON document at path on fs into v.
func ReadJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: %s", errors.ErrFileReadError, err.Error())
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber() // Preserve numeric precision
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrUnsupportedFile, err.Error())
	}
	return nil
}
