// Package hasher computes content digests. Digest equality is the only signal
// the sync engine uses to decide that a file is unchanged.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest is a hex encoded SHA-256 of a file's bytes.
type Digest string

// HashError means the content of Path could not be read in full.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *HashError) Unwrap() error {
	return e.Err
}

// Opener opens a file for reading.
type Opener func() (io.ReadCloser, error)

// FileHasher digests a file. info is used by caching implementations.
type FileHasher interface {
	HashFile(path string, info os.FileInfo, open Opener) (Digest, error)
}

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// SHA256 hashes every file it is asked about.
type SHA256 struct{}

// Hash digests r. A read failure returns a HashError and no digest.
func (SHA256) Hash(path string, r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", &HashError{Path: path, Err: err}
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

func (s SHA256) HashFile(path string, _ os.FileInfo, open Opener) (Digest, error) {
	f, err := open()
	if err != nil {
		return "", &HashError{Path: path, Err: err}
	}
	defer f.Close()

	return s.Hash(path, f)
}

var _ FileHasher = SHA256{}
