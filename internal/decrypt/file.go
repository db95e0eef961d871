package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// readChunk matches the collection-side streaming granularity.
const readChunk = 2048

// File decrypts encPath into workingDir under the original name with its
// trailing extension stripped (submission.xml.enc -> submission.xml) and
// returns the decrypted path.
//
// The ciphertext is consumed in 2 KiB chunks; the plaintext's PKCS5 tail is
// held back and stripped at EOF. A ciphertext that is not a whole number of
// AES blocks, or a tail that is not valid padding, fails with
// KindDecryptionFailed.
func File(encPath, workingDir string, stream cipher.Stream) (string, error) {
	out := filepath.Join(workingDir, StripExtension(filepath.Base(encPath)))

	src, err := os.Open(encPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", encPath, err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	defer dst.Close()

	if err := decryptStream(src, dst, stream); err != nil {
		return "", &Error{Kind: KindDecryptionFailed, Path: encPath, Err: err}
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	return out, nil
}

func decryptStream(src io.Reader, dst io.Writer, stream cipher.Stream) error {
	buf := make([]byte, readChunk)
	var tail []byte
	total := 0

	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += n
			stream.XORKeyStream(buf[:n], buf[:n])
			tail = append(tail, buf[:n]...)
			if keep := len(tail) - aes.BlockSize; keep > 0 {
				if _, werr := dst.Write(tail[:keep]); werr != nil {
					return werr
				}
				tail = append(tail[:0], tail[keep:]...)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if total == 0 || total%aes.BlockSize != 0 {
		return fmt.Errorf("ciphertext length %d is not a block multiple", total)
	}
	pad := int(tail[len(tail)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(tail) {
		return fmt.Errorf("invalid padding byte %d", pad)
	}
	for _, b := range tail[len(tail)-pad:] {
		if int(b) != pad {
			return fmt.Errorf("corrupt padding")
		}
	}
	if _, err := dst.Write(tail[:len(tail)-pad]); err != nil {
		return err
	}
	return nil
}

// StripExtension drops the final extension of a file name, if any.
func StripExtension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
