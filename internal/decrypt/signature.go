package decrypt

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// NamedDigest pairs a decrypted file's declared name with the MD5 of its
// plaintext bytes.
type NamedDigest struct {
	Name string
	MD5  []byte
}

// FileMD5 hashes a decrypted file on disk.
func FileMD5(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// BuildSignatureInput reconstructs the canonical signature string: form id,
// form version when present, base64 of the unwrapped symmetric key, instance
// id, then name::base64(md5) for each media file and for the submission
// payload last, newline-joined with a trailing newline.
func BuildSignatureInput(formID, formVersion string, symmetricKey []byte, instanceID string, media []NamedDigest, submission NamedDigest) string {
	parts := make([]string, 0, len(media)+5)
	parts = append(parts, formID)
	if formVersion != "" {
		parts = append(parts, formVersion)
	}
	parts = append(parts, base64.StdEncoding.EncodeToString(symmetricKey))
	parts = append(parts, instanceID)
	for _, m := range media {
		parts = append(parts, m.Name+"::"+base64.StdEncoding.EncodeToString(m.MD5))
	}
	parts = append(parts, submission.Name+"::"+base64.StdEncoding.EncodeToString(submission.MD5))
	return strings.Join(parts, "\n") + "\n"
}

// ValidateSignature recomputes md5(input) and compares it in constant time
// against the RSA-decrypted signature.
func ValidateSignature(input string, decryptedSignature []byte) bool {
	digest := md5.Sum([]byte(input))
	return subtle.ConstantTimeCompare(digest[:], decryptedSignature) == 1
}
