// Package blob stores document and artifact content, on local disk or in S3.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ContentHash is the hex SHA-256 recorded on documents and artifacts.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// objectKey gives every stored blob its own key so deleting one document never removes
// content another document shares.
func objectKey(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return uuid.NewString() + ext
}

// validRef rejects refs that could escape the storage root.
func validRef(ref string) bool {
	if ref == "" || strings.Contains(ref, "..") || strings.ContainsAny(ref, `/\`) {
		return false
	}
	return true
}
