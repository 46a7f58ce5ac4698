// Package cryptoutil provides content digests for extracted files.
package cryptoutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

// Bytes2Hex encodes a byte slice to hex string
func Bytes2Hex(d []byte) string {
	return hex.EncodeToString(d)
}

// HashAlgorithm represents supported hash algorithms
type HashAlgorithm string

const (
	// MD5 algorithm (not recommended for security-critical applications)
	MD5 HashAlgorithm = "md5"

	// SHA1 algorithm (not recommended for security-critical applications)
	SHA1 HashAlgorithm = "sha1"

	// SHA256 algorithm
	SHA256 HashAlgorithm = "sha256"

	// SHA512 algorithm
	SHA512 HashAlgorithm = "sha512"

	// BLAKE2b algorithm with a 256 bit digest
	BLAKE2b HashAlgorithm = "blake2b"
)

// Algorithms lists the supported algorithms.
func Algorithms() []HashAlgorithm {
	return []HashAlgorithm{SHA256, SHA512, SHA1, MD5, BLAKE2b}
}

// Hasher provides an interface for hashing operations
type Hasher interface {
	// Algorithm returns the algorithm the hasher was built for
	Algorithm() HashAlgorithm

	// NewHashWriter creates a writer for streaming hash calculation
	NewHashWriter() *HashWriter
}

// hasherImpl implements the Hasher interface
type hasherImpl struct {
	algorithm HashAlgorithm
	newHash   func() hash.Hash
}

func newBlake2b256() hash.Hash {
	// Only an oversized key makes New256 fail.
	h, _ := blake2b.New256(nil)
	return h
}

// NewHasher creates a new Hasher for the specified algorithm
func NewHasher(algorithm HashAlgorithm) (Hasher, error) {
	var newHashFunc func() hash.Hash

	alg := HashAlgorithm(strings.ToLower(string(algorithm)))
	switch alg {
	case MD5:
		newHashFunc = md5.New
	case SHA1:
		newHashFunc = sha1.New
	case SHA256:
		newHashFunc = sha256.New
	case SHA512:
		newHashFunc = sha512.New
	case BLAKE2b:
		newHashFunc = newBlake2b256
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm '%s'", errors.ErrInvalidArgument, algorithm)
	}

	return &hasherImpl{
		algorithm: alg,
		newHash:   newHashFunc,
	}, nil
}

func (h *hasherImpl) Algorithm() HashAlgorithm {
	return h.algorithm
}

// NewHashWriter creates a writer for streaming hash calculation
func (h *hasherImpl) NewHashWriter() *HashWriter {
	return &HashWriter{
		hash:      h.newHash(),
		algorithm: h.algorithm,
	}
}

// ParseHashWithAlgorithm parses a hash string that might include the algorithm as a prefix
// Example formats: "sha256:1234abcd..." or "1234abcd..."
func ParseHashWithAlgorithm(hashStr string) (string, HashAlgorithm) {
	parts := strings.SplitN(hashStr, ":", 2)

	if len(parts) == 2 {
		algorithmStr := HashAlgorithm(strings.ToLower(parts[0]))
		for _, known := range Algorithms() {
			if algorithmStr == known {
				return parts[1], known
			}
		}
	}

	return hashStr, ""
}
