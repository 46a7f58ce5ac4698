package errors

import (
	"errors"
)

var (
	// General Errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupportedFile = errors.New("unsupported file format")

	// Output Errors
	ErrOutputWrite      = errors.New("output write failed")
	ErrFileNotFound     = errors.New("file not found")
	ErrFileReadError    = errors.New("error reading file")
	ErrFileWriteError   = errors.New("error writing to file")
	ErrDirNotFound      = errors.New("directory not found")
	ErrUnsafeOutputPath = errors.New("output path escapes its root")

	// Compression Errors
	ErrUnsupportedCompression = errors.New("unsupported compression format")
	ErrCompressionFailed      = errors.New("compression failed")
	ErrDecompressionFailed    = errors.New("decompression failed")

	// Configuration Errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigParseError = errors.New("error parsing configuration")
)
