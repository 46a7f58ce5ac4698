package compression

import (
	"archive/tar"
	"io"

	"go.uber.org/multierr"
)

// TarWriter is a tar stream feeding a compressor.
type TarWriter struct {
	*tar.Writer
	comp io.WriteCloser
}

// NewTarWriter starts a tar archive compressed as f on top of w.
func NewTarWriter(w io.Writer, f Format) (*TarWriter, error) {
	comp, err := NewWriter(w, f)
	if err != nil {
		return nil, err
	}
	return &TarWriter{Writer: tar.NewWriter(comp), comp: comp}, nil
}

// Close writes the tar trailer and flushes the compressor. The underlying
// writer stays open.
func (t *TarWriter) Close() error {
	return multierr.Append(t.Writer.Close(), t.comp.Close())
}

// TarReader reads a possibly compressed tar archive.
type TarReader struct {
	*tar.Reader
	Format Format
	decomp io.ReadCloser
}

// NewTarReader detects the compression of r and opens the tar stream
// inside it.
func NewTarReader(r io.Reader) (*TarReader, error) {
	rc, f, err := NewDetectingReader(r)
	if err != nil {
		return nil, err
	}
	return &TarReader{Reader: tar.NewReader(rc), Format: f, decomp: rc}, nil
}

// Drain reads the rest of the decompressed stream so that the
// compressor's trailer and checksum are checked.
func (t *TarReader) Drain() error {
	_, err := io.Copy(io.Discard, t.decomp)
	return err
}

// Close releases the decompressor.
func (t *TarReader) Close() error {
	return t.decomp.Close()
}
