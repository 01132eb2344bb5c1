package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, sum, err := CopyWithSHA256(io.Discard, file)
	return sum, err
}

// CopyWithSHA256 copies src to dst and returns the hex SHA-256 of the bytes
// copied. On error the returned sum covers only what was written.
func CopyWithSHA256(dst io.Writer, src io.Reader) (int64, string, error) {
	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, hash), src)
	return n, hex.EncodeToString(hash.Sum(nil)), err
}

// CalculateBytesSHA256 computes the SHA-256 hash of an in-memory payload.
func CalculateBytesSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
