package propagator

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

// contentChecksumType is the checksum the bulk endpoint keys file integrity
// on. The server capability document is consulted for the transmission
// checksum only.
const contentChecksumType = "MD5"

// MakeChecksumHeader formats a "TYPE:hexdigest" checksum header. Either part
// empty yields an empty header.
func MakeChecksumHeader(checksumType, checksum string) string {
	if checksumType == "" || checksum == "" {
		return ""
	}
	return checksumType + ":" + checksum
}

// ParseChecksumHeader splits a "TYPE:hexdigest" header into its parts.
// Malformed headers yield two empty strings.
func ParseChecksumHeader(header string) (checksumType, checksum string) {
	if header == "" {
		return "", ""
	}
	typ, sum, ok := strings.Cut(header, ":")
	if !ok || typ == "" || sum == "" {
		return "", ""
	}
	return typ, sum
}

func newChecksumHash(checksumType string) (hash.Hash, error) {
	switch strings.ToUpper(checksumType) {
	case "MD5":
		return md5.New(), nil
	case "SHA1":
		return sha1.New(), nil
	case "SHA256":
		return sha256.New(), nil
	case "SHA3-256":
		return sha3.New256(), nil
	case "ADLER32":
		return adler32.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type %q", checksumType)
	}
}

// ComputeChecksum streams the file at path through the given checksum type
// and returns the hex digest. An empty type yields an empty digest.
func ComputeChecksum(path string, checksumType string) (string, error) {
	if checksumType == "" {
		return "", nil
	}

	h, err := newChecksumHash(checksumType)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
