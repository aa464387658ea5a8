package crypto

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length of a content digest in bytes.
const DigestSize = blake2b.Size256

// Digest identifies file contents. Master and workers compare digests to
// verify a file was rebuilt correctly from its chunks.
type Digest [DigestSize]byte

// GenerateDigest hashes everything r yields.
func GenerateDigest(r io.Reader) (Digest, error) {
	var d Digest

	hash, err := blake2b.New256(nil)
	if err != nil {
		return d, err
	}
	if _, err := io.Copy(hash, r); err != nil {
		return d, fmt.Errorf("failed to hash data: %w", err)
	}
	copy(d[:], hash.Sum(nil))
	return d, nil
}

func DigestBytes(b []byte) Digest {
	return Digest(blake2b.Sum256(b))
}

// ParseDigest accepts the raw bytes of a digest as carried on the wire.
func ParseDigest(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short is the first eight hex digits, for log lines.
func (d Digest) Short() string {
	return d.String()[:8]
}
