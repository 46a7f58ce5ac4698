package ext4

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Device is a read-only, random access view over a raw image. It keeps no
// state besides the underlying reader, so it is safe for concurrent use when
// the reader is.
type Device struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
	path   string
}

// OpenDevice opens the image at path read-only.
func OpenDevice(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewError(ErrIO, "OpenDevice", path, err.Error())
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewError(ErrIO, "OpenDevice", path, err.Error())
	}
	if !stat.Mode().IsRegular() {
		f.Close()
		return nil, NewError(ErrIO, "OpenDevice", path, "not a regular file")
	}

	return &Device{r: f, size: stat.Size(), closer: f, path: path}, nil
}

// NewDevice wraps an arbitrary reader of the given size.
func NewDevice(r io.ReaderAt, size int64) *Device {
	return &Device{r: r, size: size}
}

// ReadAt reads len(p) bytes at off. Reads that start or end outside the
// image fail with ErrIO; there are no partial reads.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > d.size || int64(len(p)) > d.size-off {
		return 0, NewError(ErrIO, "ReadAt", fmt.Sprintf("offset=%d", off),
			fmt.Sprintf("range of %d bytes outside image of %d bytes", len(p), d.size))
	}
	n, err := d.r.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, NewError(ErrIO, "ReadAt", fmt.Sprintf("offset=%d", off), err.Error())
}

// ReadRange returns a freshly allocated copy of length bytes at off.
func (d *Device) ReadRange(off int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := d.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Size returns the image size in bytes.
func (d *Device) Size() int64 {
	return d.size
}

// Path returns the path the device was opened from, if any.
func (d *Device) Path() string {
	return d.path
}

// Close closes the underlying file
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// BlockOffset returns the byte offset for a given block number and block size
func BlockOffset(block uint64, blockSize uint32) int64 {
	return int64(block) * int64(blockSize)
}
