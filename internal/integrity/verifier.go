// Package integrity verifies a completed download against its
// expected checksum and quarantines mismatches.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Verifier checks file contents against a "<algo>:<hex>" checksum
// string as carried on JobRecord.Checksum.
type Verifier struct{}

func NewVerifier() *Verifier { return &Verifier{} }

// Parse splits a "<algo>:<hex>" checksum string. ok is false for an
// empty or malformed string, in which case no verification is required.
func Parse(checksum string) (algo, hex string, ok bool) {
	parts := strings.SplitN(checksum, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Verify reports whether the file at path matches the given checksum
// string. A malformed or empty checksum is treated as "nothing to
// verify" (matches=false, err=nil) rather than an error, since checksum is
// optional on a JobRecord.
func (v *Verifier) Verify(path, checksum string) (matches bool, err error) {
	algo, expected, ok := Parse(checksum)
	if !ok {
		return false, nil
	}
	actual, err := CalculateHash(path, algo)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// CalculateHash computes the hex-encoded hash of a file. algorithm must
// be "sha256" or "md5".
func CalculateHash(path, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h interface {
		io.Writer
		Sum([]byte) []byte
	}
	switch algorithm {
	case "sha256":
		h = sha256.New()
	case "md5":
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Quarantine renames path to path+".corrupted", returning the new
// path. If a quarantine file already exists it is replaced.
func Quarantine(path string) (string, error) {
	dest := path + ".corrupted"
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("quarantine corrupted file: %w", err)
	}
	return dest, nil
}
