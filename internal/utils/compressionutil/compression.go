package compression

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

// Format names a stream compression.
type Format string

const (
	Gzip  Format = "gzip"
	XZ    Format = "xz"
	Bzip2 Format = "bzip2"
	None  Format = "none"
)

var magicNumbers = map[Format][]byte{
	Gzip:  {0x1F, 0x8B},
	Bzip2: {0x42, 0x5A, 0x68},
	XZ:    {0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00},
}

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{Gzip, XZ, Bzip2, None}
}

// ParseFormat validates a format name. The empty string selects gzip.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return Gzip, nil
	case Gzip, XZ, Bzip2, None:
		return f, nil
	default:
		names := make([]string, 0, len(Formats()))
		for _, known := range Formats() {
			names = append(names, string(known))
		}
		return "", fmt.Errorf("%w: %q (want one of %s)", errors.ErrUnsupportedCompression, name, strings.Join(names, ", "))
	}
}

// Extension returns the file name suffix for f, including the dot.
func (f Format) Extension() string {
	switch f {
	case Gzip:
		return ".gz"
	case XZ:
		return ".xz"
	case Bzip2:
		return ".bz2"
	}
	return ""
}

// DetectFormat identifies a compressed stream by its leading bytes.
// Anything unrecognised is reported as None.
func DetectFormat(header []byte) Format {
	for _, f := range []Format{XZ, Bzip2, Gzip} {
		if bytes.HasPrefix(header, magicNumbers[f]) {
			return f
		}
	}
	return None
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer compressing into w. Closing it flushes the
// compressor but leaves w open.
func NewWriter(w io.Writer, f Format) (io.WriteCloser, error) {
	switch f {
	case Gzip:
		return gzip.NewWriter(w), nil
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrCompressionFailed, err)
		}
		return xw, nil
	case Bzip2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrCompressionFailed, err)
		}
		return bw, nil
	case None:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnsupportedCompression, string(f))
	}
}

// NewReader returns a reader decompressing r as format f.
func NewReader(r io.Reader, f Format) (io.ReadCloser, error) {
	switch f {
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
		}
		return gr, nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
		}
		return io.NopCloser(xr), nil
	case Bzip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
		}
		return br, nil
	case None:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnsupportedCompression, string(f))
	}
}

// NewDetectingReader sniffs the format of r and decompresses it.
func NewDetectingReader(r io.Reader) (io.ReadCloser, Format, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	f := DetectFormat(header)
	rc, err := NewReader(br, f)
	return rc, f, err
}
