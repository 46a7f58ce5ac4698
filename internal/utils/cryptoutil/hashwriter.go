package cryptoutil

import (
	"hash"
)

// HashWriter implements io.Writer and provides methods to access the underlying hash
type HashWriter struct {
	hash      hash.Hash
	algorithm HashAlgorithm
	written   int64
}

// Write implements io.Writer
func (hw *HashWriter) Write(p []byte) (n int, err error) {
	n, err = hw.hash.Write(p)
	hw.written += int64(n)
	return n, err
}

// Written returns the number of bytes hashed so far.
func (hw *HashWriter) Written() int64 {
	return hw.written
}

// SumHex returns the current hash value as a hex-encoded string
func (hw *HashWriter) SumHex() string {
	return Bytes2Hex(hw.hash.Sum(nil))
}

// Digest returns the current hash prefixed with its algorithm, as in
// "sha256:9f86d0...".
func (hw *HashWriter) Digest() string {
	return string(hw.algorithm) + ":" + hw.SumHex()
}

// Reset resets the hash state
func (hw *HashWriter) Reset() {
	hw.hash.Reset()
	hw.written = 0
}
